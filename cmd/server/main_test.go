package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matt-riley/flagdoc/internal/middleware"
	"github.com/matt-riley/flagdoc/internal/repository"
)

func mustHashAPIKey(t *testing.T, apiKey string) string {
	t.Helper()

	hash, err := middleware.HashAPIKey(apiKey)
	if err != nil {
		t.Fatalf("HashAPIKey(%q) error = %v", apiKey, err)
	}

	return hash
}

func TestNewHTTPHandlerProtectsV1RoutesIncludingEscapedPaths(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("GET /v1/flags", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	validator := middleware.NewStaticKeyValidator(map[string]string{"ci": mustHashAPIKey(t, "s3cret")})
	handler := newHTTPHandler(apiHandler, validator)

	t.Run("unauthenticated escaped v1 path is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/%76%31/flags", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
			t.Fatalf("WWW-Authenticate = %q, want %q", got, "Bearer")
		}
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
		req.Header.Set("Authorization", "Bearer ci.wrong")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("authenticated v1 path is allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
		req.Header.Set("Authorization", "Bearer ci.s3cret")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})
}

func TestNewHTTPHandlerWithoutValidatorIsOpen(t *testing.T) {
	apiHandler := http.NewServeMux()
	apiHandler.HandleFunc("POST /v1/evaluate", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	newHTTPHandler(apiHandler, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestNewHTTPHandlerKeepsPublicEndpointsAccessible(t *testing.T) {
	apiHandler := http.NewServeMux()
	for _, pattern := range []string{"GET /healthz", "GET /readyz", "GET /metrics", "GET /debug"} {
		apiHandler.HandleFunc(pattern, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	handler := newHTTPHandler(apiHandler, &fakeHTTPTokenValidator{err: errors.New("invalid token")})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("Authorization", "Bearer bad")
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}

	t.Run("non-whitelisted public routes are not exposed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/debug", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})
}

func TestHashKeyCommand(t *testing.T) {
	t.Run("argument", func(t *testing.T) {
		var out bytes.Buffer
		if err := hashKeyCommand([]string{"s3cret"}, strings.NewReader(""), &out); err != nil {
			t.Fatalf("hashKeyCommand() error = %v", err)
		}
		hash := strings.TrimSpace(out.String())
		if !middleware.APIKeyMatchesHash(hash, "s3cret") {
			t.Fatalf("hash %q does not match secret", hash)
		}
	})

	t.Run("stdin", func(t *testing.T) {
		var out bytes.Buffer
		if err := hashKeyCommand([]string{"-"}, strings.NewReader("from-stdin\n"), &out); err != nil {
			t.Fatalf("hashKeyCommand() error = %v", err)
		}
		if !middleware.APIKeyMatchesHash(strings.TrimSpace(out.String()), "from-stdin") {
			t.Fatal("hash does not match stdin secret")
		}
	})

	t.Run("errors", func(t *testing.T) {
		for _, args := range [][]string{nil, {"a", "b"}, {""}} {
			if err := hashKeyCommand(args, strings.NewReader(""), &bytes.Buffer{}); err == nil {
				t.Fatalf("hashKeyCommand(%q) error = nil, want error", args)
			}
		}
	})
}

func TestPublish(t *testing.T) {
	t.Run("valid document is stored", func(t *testing.T) {
		repo := &fakePublisher{}
		var out bytes.Buffer
		content := []byte(`{"beta": {"default": false}, "dark_mode": {"default": true}}`)

		if err := publish(context.Background(), repo, "features", content, &out); err != nil {
			t.Fatalf("publish() error = %v", err)
		}
		if repo.name != "features" || !bytes.Equal(repo.content, content) {
			t.Fatalf("PutDocument(%q, %s), want features and original bytes", repo.name, repo.content)
		}
		if !strings.Contains(out.String(), `published "features" version 3 (2 flags)`) {
			t.Fatalf("output = %q", out.String())
		}
	})

	t.Run("invalid document is rejected before storing", func(t *testing.T) {
		repo := &fakePublisher{}
		err := publish(context.Background(), repo, "features", []byte(`{"beta": {"rules": {}}}`), &bytes.Buffer{})
		if err == nil || !strings.Contains(err.Error(), "validate document") {
			t.Fatalf("publish() error = %v, want validation error", err)
		}
		if repo.calls != 0 {
			t.Fatalf("PutDocument calls = %d, want 0", repo.calls)
		}
	})

	t.Run("repository error", func(t *testing.T) {
		repo := &fakePublisher{err: errors.New("connection refused")}
		err := publish(context.Background(), repo, "features", []byte(`{}`), &bytes.Buffer{})
		if err == nil || !strings.Contains(err.Error(), "publish document") {
			t.Fatalf("publish() error = %v, want wrapped repository error", err)
		}
	})
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"}, strings.NewReader(""), &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("run() error = %v, want unknown command", err)
	}
}

func TestMigrateCommandValidatesArguments(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	for _, args := range [][]string{{"sideways"}, {"up", "extra"}} {
		if err := migrateCommand(context.Background(), args); err == nil || !strings.Contains(err.Error(), "migrate:") {
			t.Fatalf("migrateCommand(%q) error = %v, want argument error", args, err)
		}
	}
	if err := migrateCommand(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("migrateCommand() error = %v, want DATABASE_URL error", err)
	}
}

type fakeHTTPTokenValidator struct {
	err   error
	calls int
}

func (f *fakeHTTPTokenValidator) ValidateToken(_ context.Context, _ string) (string, error) {
	f.calls++
	return "", f.err
}

type fakePublisher struct {
	name    string
	content []byte
	calls   int
	err     error
}

func (f *fakePublisher) PutDocument(_ context.Context, name string, content []byte) (repository.StoredDocument, error) {
	f.calls++
	if f.err != nil {
		return repository.StoredDocument{}, f.err
	}
	f.name, f.content = name, content
	return repository.StoredDocument{Name: name, Content: content, Version: 3, UpdatedAt: time.Now()}, nil
}
