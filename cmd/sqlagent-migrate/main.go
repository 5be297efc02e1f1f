package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Eriq7/SQL-AI-Agent/internal/config"
	"github.com/Eriq7/SQL-AI-Agent/internal/database"
	"github.com/Eriq7/SQL-AI-Agent/internal/migrations"
	"github.com/pterm/pterm"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	cfg, err := config.LoadFromEnv("sqlagent-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.History.Backend != config.HistoryBackendPostgres {
		fmt.Fprintf(os.Stderr, "history backend %q manages its own schema; nothing to migrate\n", cfg.History.Backend)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Open(ctx, database.DBConfig{Driver: database.DriverPostgres, DSN: cfg.History.DSN})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		rolledBack, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", rolledBack)
	case "status":
		statuses, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		if err := printStatus(statuses); err != nil {
			fmt.Fprintf(os.Stderr, "render status: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}

func printStatus(statuses []migrations.Status) error {
	rows := pterm.TableData{{"VERSION", "NAME", "APPLIED AT"}}
	for _, status := range statuses {
		appliedAt := "pending"
		if status.Applied {
			appliedAt = status.AppliedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []string{fmt.Sprintf("%06d", status.Version), status.Name, appliedAt})
	}
	out, err := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
