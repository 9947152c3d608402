package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestHTTPFetchUsesETag(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{"f":{"default":true}}`))
	}))
	defer server.Close()

	src := NewHTTP(server.URL, WithHTTPClient(server.Client()))

	raw, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("first Fetch() error = %v", err)
	}
	if string(raw) != `{"f":{"default":true}}` {
		t.Fatalf("first Fetch() = %s", raw)
	}

	if _, err := src.Fetch(context.Background()); !errors.Is(err, ErrNotModified) {
		t.Fatalf("second Fetch() error = %v, want ErrNotModified", err)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("requests = %d, want 2", got)
	}
}

func TestHTTPFetchErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		maxSize int64
		wantErr error
		message string
	}{
		{name: "not found", status: http.StatusNotFound, wantErr: ErrNotFound},
		{name: "server error", status: http.StatusBadGateway, message: "unexpected status 502"},
		{name: "too large", status: http.StatusOK, body: strings.Repeat("x", 32), maxSize: 16, message: "exceeds 16 bytes"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(test.status)
				_, _ = w.Write([]byte(test.body))
			}))
			defer server.Close()

			opts := []HTTPOption{WithHTTPClient(server.Client())}
			if test.maxSize > 0 {
				opts = append(opts, WithMaxDocumentSize(test.maxSize))
			}

			_, err := NewHTTP(server.URL, opts...).Fetch(context.Background())
			if err == nil {
				t.Fatal("Fetch() error = nil, want error")
			}
			if test.wantErr != nil && !errors.Is(err, test.wantErr) {
				t.Fatalf("Fetch() error = %v, want %v", err, test.wantErr)
			}
			if test.message != "" && !strings.Contains(err.Error(), test.message) {
				t.Fatalf("Fetch() error = %q, want it to contain %q", err, test.message)
			}
		})
	}
}
