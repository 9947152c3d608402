package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/matt-riley/flagdoc/internal/repository"
)

type documentRepository interface {
	GetDocument(ctx context.Context, name string) (repository.StoredDocument, error)
	SubscribeDocumentInvalidation(ctx context.Context, name string) (<-chan struct{}, error)
}

// Postgres reads a named row of the flag_documents table and watches it
// through LISTEN/NOTIFY.
type Postgres struct {
	repo documentRepository
	name string
}

func NewPostgres(repo documentRepository, name string) *Postgres {
	return &Postgres{repo: repo, name: name}
}

func (p *Postgres) Fetch(ctx context.Context) ([]byte, error) {
	doc, err := p.repo.GetDocument(ctx, p.name)
	if err != nil {
		if errors.Is(err, repository.ErrDocumentNotFound) {
			return nil, fmt.Errorf("postgres document %q: %w", p.name, ErrNotFound)
		}
		return nil, err
	}
	return doc.Content, nil
}

func (p *Postgres) Watch(ctx context.Context) (<-chan struct{}, error) {
	return p.repo.SubscribeDocumentInvalidation(ctx, p.name)
}
