package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"tokenbroker.org/internal/config"
	"tokenbroker.org/internal/migrate"
	"tokenbroker.org/internal/store/pg"
)

const envMigrateDSN = "BROKER_MIGRATE_DSN"

func main() {
	log.SetFlags(0)
	flags := pflag.NewFlagSet("migrate", pflag.ExitOnError)
	dsn := flags.String("dsn", os.Getenv(envMigrateDSN), "PostgreSQL DSN (defaults to the endpoint of "+config.EnvStoreConnection+")")
	table := flags.String("table", "broker_schema_migrations", "migration bookkeeping table")
	timeout := flags.Duration("timeout", 30*time.Second, "overall deadline")
	_ = flags.Parse(os.Args[1:])

	if *dsn == "" {
		if raw := os.Getenv(config.EnvStoreConnection); raw != "" {
			conn, err := config.ParseConnectionString(raw)
			if err != nil {
				log.Fatalf("%s: %v", config.EnvStoreConnection, err)
			}
			if conn.IsMemory() {
				log.Fatal("the in-memory store has no schema to migrate")
			}
			*dsn = conn.Endpoint
		}
	}
	if *dsn == "" {
		log.Fatalf("missing DSN: provide via --dsn, %s or %s", envMigrateDSN, config.EnvStoreConnection)
	}
	if flags.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, pg.Migrations(), migrate.WithMigrationsTable(*table))

	switch flags.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
		if err == nil && len(applied) == 0 {
			fmt.Println("schema is up to date")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Println("reverted", name)
		}
	case "status":
		var history []migrate.Migration
		history, err = mgr.Status(ctx)
		for _, m := range history {
			if m.AppliedAt == nil {
				fmt.Printf("%-32s pending\n", m.Name)
				continue
			}
			fmt.Printf("%-32s %s\n", m.Name, m.AppliedAt.UTC().Format(time.RFC3339))
		}
	default:
		log.Fatalf("unknown command %q", flags.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flags.Arg(0), err)
	}
}
