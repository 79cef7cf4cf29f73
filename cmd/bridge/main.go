// Package main is the entrypoint for the action-bridge (binary name "bridge").
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/action-bridge/internal/config"
	"github.com/morezero/action-bridge/internal/server"
	"github.com/morezero/action-bridge/pkg/db"
)

const usage = `Usage: bridge [command]
       bridge serve              Start the bridge (transport, HTTP front end).
       bridge migrate up         Create the call journal schema.
       bridge migrate down       Roll back one migration (not supported; journal migrations are forward-only).
       bridge migrate status     Show migration status.
       bridge ensure-db [name]   Create database if missing (default name: bridge_test). Uses DATABASE_URL host/user.
       bridge clear              Truncate the call journal; schema is preserved.

Commands:
  serve            (default) Start the action bridge.
  migrate up       Run database migrations only.
  migrate down     Roll back last migration (no-op).
  migrate status   Show current migration status.
  ensure-db [name] Create database (e.g. bridge_test) on same host as DATABASE_URL; then run tests with that URL.
  clear            Truncate the call journal.

Environment: TRANSPORT (nats|amqp|kafka), COMMS_URL, AMQP_URL, KAFKA_BROKERS, HTTP_PORT (default 3030),
BRIDGE_REQUEST_TIMEOUT, BRIDGE_BOOTSTRAP_FILE, DATABASE_URL (optional; enables the call journal), MIGRATION_PATH.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("bridge migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := withPool(runMigrateUp); err != nil {
				log.Fatalf("bridge migrate up: %v", err)
			}
		case "status":
			if err := withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
			}); err != nil {
				log.Fatalf("bridge migrate status: %v", err)
			}
		case "down":
			if err := withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return db.MigrationDown(ctx, pool, cfg.MigrationPath)
			}); err != nil {
				log.Fatalf("bridge migrate down: %v", err)
			}
		default:
			log.Fatalf("bridge migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
			if err := db.ClearJournal(ctx, pool); err != nil {
				return fmt.Errorf("clear journal: %w", err)
			}
			return nil
		}); err != nil {
			log.Fatalf("bridge clear: %v", err)
		}
		return
	case "ensure-db":
		dbName := "bridge_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("bridge ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("bridge: %v", err)
	}
}

// withPool loads config, requires DATABASE_URL and runs fn with a pool that
// is closed afterwards.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

func runMigrateUp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	files, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := db.WithDatabaseName(cfg.DatabaseURL, dbName)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	name, err := db.EnsureDatabase(context.Background(), targetURL)
	if err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", name)
	return nil
}
