package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultHTTPTimeout     = 10 * time.Second
	defaultMaxDocumentSize = 10 << 20
)

// HTTP fetches a document with conditional GETs. The ETag of the last
// successful response is sent as If-None-Match.
type HTTP struct {
	url     string
	client  *http.Client
	maxSize int64

	mu   sync.Mutex
	etag string
}

// HTTPOption configures an HTTP source.
type HTTPOption func(*HTTP)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTP) {
		if client != nil {
			h.client = client
		}
	}
}

// WithMaxDocumentSize caps the response body size in bytes.
func WithMaxDocumentSize(n int64) HTTPOption {
	return func(h *HTTP) {
		if n > 0 {
			h.maxSize = n
		}
	}
}

func NewHTTP(url string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		url: url,
		client: &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxSize: defaultMaxDocumentSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTP) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	h.mu.Lock()
	etag := h.etag
	h.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", h.url, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		return nil, ErrNotModified
	case http.StatusNotFound:
		return nil, fmt.Errorf("get %s: %w", h.url, ErrNotFound)
	default:
		return nil, fmt.Errorf("get %s: unexpected status %d", h.url, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", h.url, err)
	}
	if int64(len(raw)) > h.maxSize {
		return nil, fmt.Errorf("get %s: document exceeds %d bytes", h.url, h.maxSize)
	}

	h.mu.Lock()
	h.etag = resp.Header.Get("ETag")
	h.mu.Unlock()

	return raw, nil
}
