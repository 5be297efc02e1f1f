package storage

import "testing"

const testSession = "0b6a6f4e-3f7c-5d2a-9c1e-6f1f3f0c2a11"

func TestTurnArchivePath(t *testing.T) {
	key, err := TurnArchivePath(testSession, 3, 12)
	if err != nil {
		t.Fatalf("TurnArchivePath() error = %v", err)
	}
	want := testSession + "/turns-0000000003-0000000012.parquet"
	if key != want {
		t.Fatalf("TurnArchivePath() = %q, want %q", key, want)
	}
}

func TestTurnArchivePathRejectsBadRange(t *testing.T) {
	for _, tc := range [][2]int64{{0, 1}, {5, 4}, {-1, 2}} {
		if _, err := TurnArchivePath(testSession, tc[0], tc[1]); err == nil {
			t.Fatalf("expected error for range %v", tc)
		}
	}
}

func TestCursorPath(t *testing.T) {
	key, err := CursorPath(testSession)
	if err != nil {
		t.Fatalf("CursorPath() error = %v", err)
	}
	if key != "_cursors/"+testSession+".json" {
		t.Fatalf("CursorPath() = %q", key)
	}
}

func TestPathsRejectInvalidSession(t *testing.T) {
	if _, err := CursorPath("../alice"); err == nil {
		t.Fatal("expected invalid session error")
	}
	if _, err := TurnArchivePath("alice", 1, 1); err == nil {
		t.Fatal("expected invalid session error")
	}
	for _, variant := range []string{"0B6A6F4E-3F7C-5D2A-9C1E-6F1F3F0C2A11", "{" + testSession + "}", "urn:uuid:" + testSession} {
		if _, err := CursorPath(variant); err == nil {
			t.Fatalf("CursorPath(%q) should reject non-canonical session ids", variant)
		}
	}
}
