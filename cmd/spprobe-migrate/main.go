package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/filbeam/spprobe/pkg/store"
)

var (
	databaseURL = flag.String("database-url", "", "Postgres connection string (defaults to SPPROBE_DATABASE_URL)")
	dryRun      = flag.Bool("dry-run", false, "Show pending migrations without applying them")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: spprobe-migrate [flags] <command>

Commands:
  up       Apply all pending migrations
  down     Roll back the most recent migration
  status   Print migration status

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	url := *databaseURL
	if url == "" {
		url = os.Getenv("SPPROBE_DATABASE_URL")
	}
	if url == "" {
		log.Fatal("no database URL: pass --database-url or set SPPROBE_DATABASE_URL")
	}

	db, err := sql.Open("pgx", url)
	if err != nil {
		log.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer db.Close()

	switch cmd := flag.Arg(0); cmd {
	case "up":
		if *dryRun {
			log.Println("Dry run: pending migrations listed below, none applied")
			if err := store.MigrationStatus(db); err != nil {
				log.Fatalf("Status failed: %v", err)
			}
			return
		}
		if err := store.Migrate(db); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations applied")
	case "down":
		if err := store.MigrateDown(db); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("Rolled back one migration")
	case "status":
		if err := store.MigrationStatus(db); err != nil {
			log.Fatalf("Status failed: %v", err)
		}
	default:
		log.Fatalf("Unknown command %q", cmd)
	}
}
