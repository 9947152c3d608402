// Package store holds the currently installed configuration document and
// keeps it fresh from a source.
//
// The installed document is swapped as a whole. Readers take a snapshot and
// keep evaluating against it even while a refresh installs a newer one.
// A document that fails to fetch or parse is never installed; the previous
// one stays in place.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flagdoc/internal/core"
	"github.com/matt-riley/flagdoc/internal/source"
)

const (
	defaultRefreshInterval = 30 * time.Second
	defaultRefreshTimeout  = 10 * time.Second
	tracerName             = "github.com/matt-riley/flagdoc/internal/store"
)

// Load outcomes reported to the Recorder.
const (
	OutcomeInstalled  = "installed"
	OutcomeUnchanged  = "unchanged"
	OutcomeFetchError = "fetch_error"
	OutcomeParseError = "parse_error"
)

// ErrNoDocument is returned by LoadInitial when no document could be
// installed before the deadline.
var ErrNoDocument = errors.New("no configuration document installed")

// Recorder receives store metrics. *metrics.Metrics implements it.
type Recorder interface {
	RecordDocumentLoad(outcome string)
	SetDocumentInfo(flags int, loadedAt time.Time)
	IncInvalidations()
	RecordEvaluation(value, matched bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordDocumentLoad(string)      {}
func (nopRecorder) SetDocumentInfo(int, time.Time) {}
func (nopRecorder) IncInvalidations()              {}
func (nopRecorder) RecordEvaluation(bool, bool)    {}

type snapshot struct {
	doc         *core.Document
	fingerprint uint64
	loadedAt    time.Time
}

// Request is a single evaluation of a batch.
type Request struct {
	Name    string
	Context core.Context
	Default bool
}

// Store serves evaluations from the installed document.
type Store struct {
	src             source.Source
	logger          *slog.Logger
	recorder        Recorder
	tracer          trace.Tracer
	parseOpts       []core.ParseOption
	refreshInterval time.Duration
	refreshTimeout  time.Duration
	now             func() time.Time

	current   atomic.Pointer[snapshot]
	checkedAt atomic.Int64

	refreshMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(s *Store) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithParseOptions sets the options every fetched document is parsed with.
func WithParseOptions(opts ...core.ParseOption) Option {
	return func(s *Store) {
		s.parseOpts = append(s.parseOpts, opts...)
	}
}

// WithRefreshInterval sets how often Run polls the source.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.refreshInterval = d
		}
	}
}

// WithRefreshTimeout bounds each refresh started by Run.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.refreshTimeout = d
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(src source.Source, opts ...Option) (*Store, error) {
	if src == nil {
		return nil, errors.New("source is nil")
	}

	s := &Store{
		src:             src,
		logger:          slog.Default(),
		recorder:        nopRecorder{},
		tracer:          otel.Tracer(tracerName),
		refreshInterval: defaultRefreshInterval,
		refreshTimeout:  defaultRefreshTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Refresh fetches the document, and installs it when its content differs
// from the installed one and it parses. On failure the installed document is
// kept and the error is returned.
func (s *Store) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "store.Refresh")
	defer span.End()

	raw, err := s.src.Fetch(ctx)
	if errors.Is(err, source.ErrNotModified) {
		s.markChecked()
		s.recorder.RecordDocumentLoad(OutcomeUnchanged)
		span.SetAttributes(attribute.String("flagdoc.load_outcome", OutcomeUnchanged))
		return nil
	}
	if err != nil {
		s.recorder.RecordDocumentLoad(OutcomeFetchError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		s.logger.Warn("fetch configuration document failed", "error", err)
		return fmt.Errorf("fetch document: %w", err)
	}

	fingerprint := xxhash.Sum64(raw)
	span.SetAttributes(attribute.String("flagdoc.document_version", formatVersion(fingerprint)))
	if current := s.current.Load(); current != nil && current.fingerprint == fingerprint {
		s.markChecked()
		s.recorder.RecordDocumentLoad(OutcomeUnchanged)
		span.SetAttributes(attribute.String("flagdoc.load_outcome", OutcomeUnchanged))
		return nil
	}

	doc, err := core.Parse(raw, s.parseOpts...)
	if err != nil {
		s.recorder.RecordDocumentLoad(OutcomeParseError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "parse failed")
		s.logger.Error("rejected configuration document", "version", formatVersion(fingerprint), "error", err)
		return fmt.Errorf("parse document: %w", err)
	}

	loadedAt := s.now()
	s.current.Store(&snapshot{doc: doc, fingerprint: fingerprint, loadedAt: loadedAt})
	s.markChecked()

	s.recorder.RecordDocumentLoad(OutcomeInstalled)
	s.recorder.SetDocumentInfo(doc.Len(), loadedAt)
	span.SetAttributes(
		attribute.String("flagdoc.load_outcome", OutcomeInstalled),
		attribute.Int("flagdoc.flags", doc.Len()),
	)
	s.logger.Info("installed configuration document", "version", formatVersion(fingerprint), "flags", doc.Len())

	return nil
}

// RefreshIfStale refreshes only when no document is installed or the source
// was last checked more than maxAge ago.
func (s *Store) RefreshIfStale(ctx context.Context, maxAge time.Duration) error {
	if s.current.Load() != nil {
		checked := time.Unix(0, s.checkedAt.Load())
		if s.now().Sub(checked) < maxAge {
			return nil
		}
	}
	return s.Refresh(ctx)
}

// LoadInitial retries Refresh with exponential backoff until a document is
// installed or timeout elapses. A document that fails to parse is not
// retried.
func (s *Store) LoadInitial(ctx context.Context, timeout time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := s.Refresh(ctx); err != nil {
			if errors.Is(err, core.ErrMalformedDocument) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("initial document load failed, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoDocument, err)
	}
	return nil
}

// Run keeps the document fresh until ctx ends. It polls on the refresh
// interval and, when the source is a Watcher, refreshes on every change
// signal, resubscribing when the subscription is lost.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	watcher, canWatch := s.src.(source.Watcher)
	var changes <-chan struct{}
	subscribe := func() {
		next, err := watcher.Watch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("subscribe to document changes failed", "error", err)
			}
			changes = nil
			return
		}
		changes = next
	}
	if canWatch {
		subscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if canWatch && changes == nil {
				subscribe()
			}
			s.refreshWithTimeout(ctx)
		case _, ok := <-changes:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				subscribe()
				s.refreshWithTimeout(ctx)
				continue
			}
			s.recorder.IncInvalidations()
			s.refreshWithTimeout(ctx)
		}
	}
}

func (s *Store) refreshWithTimeout(ctx context.Context) {
	refreshCtx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()
	_ = s.Refresh(refreshCtx)
}

// Evaluate resolves one flag against the installed document. With no
// document installed it returns defaultIfMissing.
func (s *Store) Evaluate(name string, ctx core.Context, defaultIfMissing bool) core.Result {
	result := core.Evaluate(s.Document(), name, ctx, defaultIfMissing)
	s.recorder.RecordEvaluation(result.Value, result.MatchedRule != "")
	return result
}

// EvaluateBatch resolves every request against the same snapshot.
func (s *Store) EvaluateBatch(requests []Request) []core.Result {
	doc := s.Document()
	results := make([]core.Result, 0, len(requests))
	for _, req := range requests {
		result := core.Evaluate(doc, req.Name, req.Context, req.Default)
		s.recorder.RecordEvaluation(result.Value, result.MatchedRule != "")
		results = append(results, result)
	}
	return results
}

// EnabledFlags lists the flags that evaluate to true for ctx, in document
// order.
func (s *Store) EnabledFlags(ctx core.Context) []string {
	return core.EnabledFlags(s.Document(), ctx)
}

// Document returns the installed document, or nil.
func (s *Store) Document() *core.Document {
	if current := s.current.Load(); current != nil {
		return current.doc
	}
	return nil
}

// Version identifies the installed document content. It is empty when no
// document is installed.
func (s *Store) Version() string {
	if current := s.current.Load(); current != nil {
		return formatVersion(current.fingerprint)
	}
	return ""
}

// LoadedAt reports when the installed document was installed.
func (s *Store) LoadedAt() time.Time {
	if current := s.current.Load(); current != nil {
		return current.loadedAt
	}
	return time.Time{}
}

// Ready reports whether a document is installed.
func (s *Store) Ready() bool {
	return s.current.Load() != nil
}

func (s *Store) markChecked() {
	s.checkedAt.Store(s.now().UnixNano())
}

func formatVersion(fingerprint uint64) string {
	return fmt.Sprintf("%016x", fingerprint)
}
