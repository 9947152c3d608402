package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matt-riley/flagdoc/internal/config"
	"github.com/matt-riley/flagdoc/internal/core"
	"github.com/matt-riley/flagdoc/internal/repository"
)

type documentPublisher interface {
	PutDocument(ctx context.Context, name string, content []byte) (repository.StoredDocument, error)
}

// publishCommand implements "publish <name> <file>". A file of "-" reads
// the document from stdin.
func publishCommand(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: publish <name> <file>")
	}

	content, err := readDocumentFile(args[1])
	if err != nil {
		return err
	}

	databaseURL, err := config.DatabaseURL()
	if err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	return publish(ctx, repository.NewPostgresRepository(pool), args[0], content, stdout)
}

// publish stores content only if it parses strictly, so a bad document
// never reaches running servers.
func publish(ctx context.Context, repo documentPublisher, name string, content []byte, stdout io.Writer) error {
	doc, err := core.Parse(content)
	if err != nil {
		return fmt.Errorf("validate document: %w", err)
	}

	stored, err := repo.PutDocument(ctx, name, content)
	if err != nil {
		return fmt.Errorf("publish document: %w", err)
	}

	_, err = fmt.Fprintf(stdout, "published %q version %d (%d flags)\n", stored.Name, stored.Version, doc.Len())
	return err
}

func readDocumentFile(path string) ([]byte, error) {
	if path == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read document from stdin: %w", err)
		}
		return content, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return content, nil
}
