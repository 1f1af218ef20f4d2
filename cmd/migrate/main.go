// Command migrate applies the escrowd schema with goose.
//
// Usage:
//
//	migrate [-dir migrations] [-timeout 2m] <command> [args]
//
// Commands are goose's: up, down, status, version, redo, up-to N, down-to N.
// The connection string comes from DATABASE_URL.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/paynest/escrowd/internal/logging"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding goose SQL migrations")
	timeout := flag.Duration("timeout", 2*time.Minute, "abort if the command runs longer than this")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL environment variable is required")
		os.Exit(1)
	}

	if err := run(dbURL, *dir, *timeout, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished", "command", flag.Arg(0), "dir", *dir)
}

func run(dbURL, dir string, timeout time.Duration, command string, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, dir, args...)
}
