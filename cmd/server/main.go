// Package main is the entry point for the flagdoc server.
//
// Without arguments it serves flag evaluations:
//  1. Load configuration from environment variables.
//  2. Build the configured document source (file, http, postgres, redis, s3).
//  3. Load the first document, retrying until INITIAL_LOAD_TIMEOUT.
//  4. Start the refresh loop, the HTTP server (:8080) and the gRPC server
//     (:9090), plus an optional tailnet listener.
//  5. Wait for SIGINT/SIGTERM, then gracefully shut everything down.
//
// Subcommands:
//
//	migrate [up|down|status]   apply goose migrations to DATABASE_URL
//	publish <name> <file>      validate a document and store it in DATABASE_URL
//	hash-key <secret>          print a bcrypt hash for API_KEY_HASHES
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		slog.Error("flagdoc failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(args) == 0 {
		return serve(ctx)
	}

	switch args[0] {
	case "serve":
		return serve(ctx)
	case "migrate":
		return migrateCommand(ctx, args[1:])
	case "publish":
		return publishCommand(ctx, args[1:], stdout)
	case "hash-key":
		return hashKeyCommand(args[1:], stdin, stdout)
	default:
		return fmt.Errorf("unknown command %q (want serve, migrate, publish or hash-key)", args[0])
	}
}
