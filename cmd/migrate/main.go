// Command migrate applies the ban and violation schema with goose.
//
// Usage:
//
//	migrate up                 apply all pending migrations
//	migrate down               roll back the last migration
//	migrate status             list applied and pending migrations
//	migrate version            print the current schema version
//	migrate redo               roll back and re-apply the last migration
//	migrate up-to <version>    apply up to a version
//	migrate down-to <version>  roll back to a version
//
// DATABASE_URL is read from the environment or a .env file.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/consignguard/internal/logging"
	"github.com/mbd888/consignguard/migrations"
)

var commands = map[string]int{
	"up":      0,
	"down":    0,
	"status":  0,
	"version": 0,
	"redo":    0,
	"up-to":   1,
	"down-to": 1,
}

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]
	if want, ok := commands[command]; !ok || len(args) != want {
		usage()
		os.Exit(2)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, dbURL, command, args); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", command)
}

func run(ctx context.Context, dbURL, command string, args []string) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	return migrations.Run(ctx, command, db, args...)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: migrate <command> [version]")
	fmt.Fprintln(os.Stderr, "commands: up, down, status, version, redo, up-to <version>, down-to <version>")
}
