// Package repository stores configuration documents in PostgreSQL and turns
// row changes into invalidation signals through LISTEN/NOTIFY.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "flag_document_events"
	listenRetryDelay     = time.Second
)

// ErrDocumentNotFound is returned when no row exists for a document name.
var ErrDocumentNotFound = errors.New("document not found")

// StoredDocument is a row of the flag_documents table. Content is the raw
// wire-format document exactly as it was written.
type StoredDocument struct {
	Name      string
	Content   []byte
	Version   int64
	UpdatedAt time.Time
}

// Notification is the payload the flag_documents trigger publishes.
type Notification struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

// PostgresRepository reads and writes documents through a pgxpool pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// Option configures a PostgresRepository.
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN channel. It must match the channel
// used by the flag_documents trigger.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:          pool,
		notifyChannel: defaultNotifyChannel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetDocument returns the named document. The content column is json, not
// jsonb, so member order survives the round trip.
func (r *PostgresRepository) GetDocument(ctx context.Context, name string) (StoredDocument, error) {
	var (
		doc     StoredDocument
		content string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT name, content::text, version, updated_at
		FROM flag_documents
		WHERE name = $1
	`, name).Scan(&doc.Name, &content, &doc.Version, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StoredDocument{}, fmt.Errorf("get document %q: %w", name, ErrDocumentNotFound)
		}
		return StoredDocument{}, fmt.Errorf("get document %q: %w", name, err)
	}

	doc.Content = []byte(content)
	return doc, nil
}

// PutDocument inserts or replaces the named document and returns the stored
// row. The caller is responsible for validating content first.
func (r *PostgresRepository) PutDocument(ctx context.Context, name string, content []byte) (StoredDocument, error) {
	var (
		doc    StoredDocument
		stored string
	)
	err := r.pool.QueryRow(ctx, `
		INSERT INTO flag_documents (name, content)
		VALUES ($1, $2::json)
		ON CONFLICT (name) DO UPDATE
		SET content = EXCLUDED.content,
		    version = flag_documents.version + 1,
		    updated_at = NOW()
		RETURNING name, content::text, version, updated_at
	`, name, string(content)).Scan(&doc.Name, &stored, &doc.Version, &doc.UpdatedAt)
	if err != nil {
		return StoredDocument{}, fmt.Errorf("put document %q: %w", name, err)
	}

	doc.Content = []byte(stored)
	return doc, nil
}

// SubscribeDocumentInvalidation returns a channel that receives a signal
// whenever the named document changes. The channel is closed when ctx ends.
// Lost connections are retried; signals are coalesced while the receiver is
// busy.
func (r *PostgresRepository) SubscribeDocumentInvalidation(ctx context.Context, name string) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, name, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, name string, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, name, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, name string, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	// A change may have landed between the last read and LISTEN taking
	// effect, so every (re)subscription starts with a signal.
	signal(invalidations)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for document notification: %w", err)
		}

		if !notificationMatches(notification.Payload, name) {
			continue
		}
		signal(invalidations)
	}
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// notificationMatches reports whether a NOTIFY payload concerns the named
// document. Payloads that cannot be decoded are treated as matching.
func notificationMatches(payload, name string) bool {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return true
	}
	return n.Name == "" || n.Name == name
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}
