package schema

import "testing"

func TestSnapshotTableLookup(t *testing.T) {
	snapshot := Snapshot{Tables: bookstoreTables()}

	table, ok := snapshot.Table("BOOKS")
	if !ok || table.Name != "books" {
		t.Fatalf("Table(BOOKS) = %+v, %v", table, ok)
	}
	if _, ok := snapshot.Table("public.books"); !ok {
		t.Fatal("Table(public.books) not found")
	}
	if _, ok := snapshot.Table("sales.books"); ok {
		t.Fatal("Table(sales.books) should not match public.books")
	}
	if _, ok := snapshot.Table("reviews"); ok {
		t.Fatal("Table(reviews) should not exist")
	}
	if !table.HasColumn("Rating") {
		t.Fatal("books should have rating")
	}
	if table.HasColumn("isbn") {
		t.Fatal("books should not have isbn")
	}
}

func TestFilterTablesKeepsAllWhenEmpty(t *testing.T) {
	tables := bookstoreTables()
	if got := FilterTables(tables, nil); len(got) != len(tables) {
		t.Fatalf("FilterTables(nil) = %d tables", len(got))
	}
}
