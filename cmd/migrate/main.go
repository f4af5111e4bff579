package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/drachma/drachma-bridge/internal/config"
	"github.com/drachma/drachma-bridge/internal/lockstore"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	flags   = flag.NewFlagSet("migrate", flag.ExitOnError)
	backend = flags.String("backend", "", "postgres or sqlite (defaults to DRM_STORE_BACKEND)")
	timeout = flags.Duration("timeout", time.Minute, "overall timeout")
)

const usage = `Usage: migrate [-backend postgres|sqlite] COMMAND

Commands:
  up       apply all pending migrations
  down     roll back the most recent migration
  status   list migrations and whether they are applied`

func main() {
	flag.Parse()
	flags.Parse(flag.Args())
	args := flags.Args()

	if len(args) < 1 {
		log.Fatal(usage)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	name := *backend
	if name == "" {
		name = cfg.Store.Backend
	}
	db, dialect, err := openDB(lockstore.Backend(name), cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	provider, err := lockstore.NewMigrationProvider(db, dialect)
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	command := args[0]
	switch command {
	case "up":
		results, err := provider.Up(ctx)
		if err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		printResults(results)
	case "down":
		result, err := provider.Down(ctx)
		if err != nil {
			if result == nil {
				log.Fatalf("Migration down failed: %v", err)
			}
			log.Fatalf("Migration down failed at version %d: %v", result.Source.Version, err)
		}
		printResults([]*goose.MigrationResult{result})
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			log.Fatalf("Migration status failed: %v", err)
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = "applied " + s.AppliedAt.Format(time.RFC3339)
			}
			fmt.Printf("%5d  %-40s %s\n", s.Source.Version, s.Source.Path, applied)
		}
	default:
		log.Fatalf("Unknown command: %s\n\n%s", command, usage)
	}
}

func openDB(backend lockstore.Backend, cfg *config.Config) (*sql.DB, lockstore.Dialect, error) {
	switch backend {
	case lockstore.BackendPostgres:
		if cfg.Store.PostgresDSN == "" {
			return nil, "", fmt.Errorf("DRM_POSTGRES_DSN is not set")
		}
		db, err := sql.Open("pgx", cfg.Store.PostgresDSN)
		return db, lockstore.DialectPostgres, err
	case lockstore.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.Store.Path)
		return db, lockstore.DialectSQLite, err
	default:
		return nil, "", fmt.Errorf("backend %q has no SQL migrations", backend)
	}
}

func printResults(results []*goose.MigrationResult) {
	if len(results) == 0 {
		fmt.Println("no migrations to run")
		return
	}
	for _, r := range results {
		fmt.Printf("%-4s %5d  %s (%s)\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
}
