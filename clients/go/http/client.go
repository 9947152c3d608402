// Package http provides an HTTP client for the flagdoc evaluation service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	flagdoc "github.com/matt-riley/flagdoc/clients/go"
)

// maxErrorBody caps how much of an error response is read into APIError.
const maxErrorBody = 64 << 10

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the flagdoc server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format. Empty sends no
	// Authorization header.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements flagdoc.Evaluator over HTTP and also exposes the raw
// document endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ flagdoc.Evaluator = (*Client)(nil)

// NewHTTPClient returns a new HTTP client for the flagdoc service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// Document is the raw configuration document served by GET /v1/flags.
type Document struct {
	// Content is the document in its wire format. It is nil when
	// NotModified is set.
	Content json.RawMessage
	// ETag identifies the document version; pass it back to skip unchanged
	// downloads.
	ETag        string
	NotModified bool
}

// -- wire types --------------------------------------------------------------

type wireEvalItem struct {
	Name    string          `json:"name"`
	Context flagdoc.Context `json:"context,omitempty"`
	Default bool            `json:"default,omitempty"`
}

type wireEvaluateReq struct {
	Name     string          `json:"name,omitempty"`
	Context  flagdoc.Context `json:"context,omitempty"`
	Default  bool            `json:"default,omitempty"`
	Requests []wireEvalItem  `json:"requests,omitempty"`
}

type wireResult struct {
	Name        string `json:"name"`
	Value       bool   `json:"value"`
	MatchedRule string `json:"matched_rule"`
}

type wireEvaluateResp struct {
	Results []wireResult `json:"results"`
}

type wireEnabledReq struct {
	Context flagdoc.Context `json:"context,omitempty"`
}

type wireEnabledResp struct {
	Flags []string `json:"flags"`
}

// -- helpers -----------------------------------------------------------------

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagdoc: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flagdoc: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flagdoc: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagdoc: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp.StatusCode, resp.Body)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

// decodeAPIError prefers the server's {"error": "..."} message and falls
// back to the raw body.
func decodeAPIError(status int, body io.Reader) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return &APIError{StatusCode: status, Message: payload.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(raw))}
}

func decodeResults(r io.Reader) ([]flagdoc.Result, error) {
	var out wireEvaluateResp
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("flagdoc: decode response: %w", err)
	}
	results := make([]flagdoc.Result, len(out.Results))
	for i, r := range out.Results {
		results[i] = flagdoc.Result{Name: r.Name, Value: r.Value, MatchedRule: r.MatchedRule}
	}
	return results, nil
}

// -- Evaluator ---------------------------------------------------------------

// Evaluate resolves one flag. On error the returned result carries
// defaultValue so callers can use it unconditionally.
func (c *Client) Evaluate(ctx context.Context, name string, evalCtx flagdoc.Context, defaultValue bool) (flagdoc.Result, error) {
	fallback := flagdoc.Result{Name: name, Value: defaultValue}

	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{
		Name:    name,
		Context: evalCtx,
		Default: defaultValue,
	})
	if err != nil {
		return fallback, err
	}
	defer resp.Body.Close()

	results, err := decodeResults(resp.Body)
	if err != nil {
		return fallback, err
	}
	if len(results) != 1 {
		return fallback, fmt.Errorf("flagdoc: expected 1 result, got %d", len(results))
	}
	return results[0], nil
}

// EvaluateBatch resolves every request in one round trip. Results are in
// request order.
func (c *Client) EvaluateBatch(ctx context.Context, reqs []flagdoc.EvaluateRequest) ([]flagdoc.Result, error) {
	if len(reqs) == 0 {
		return []flagdoc.Result{}, nil
	}
	items := make([]wireEvalItem, len(reqs))
	for i, r := range reqs {
		items[i] = wireEvalItem{Name: r.Name, Context: r.Context, Default: r.Default}
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Requests: items})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	results, err := decodeResults(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(results) != len(reqs) {
		return nil, fmt.Errorf("flagdoc: expected %d results, got %d", len(reqs), len(results))
	}
	return results, nil
}

// EnabledFlags returns the names of every flag that is on for evalCtx, in
// document order.
func (c *Client) EnabledFlags(ctx context.Context, evalCtx flagdoc.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/enabled", wireEnabledReq{Context: evalCtx})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out wireEnabledResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("flagdoc: decode response: %w", err)
	}
	if out.Flags == nil {
		out.Flags = []string{}
	}
	return out.Flags, nil
}

// -- Documents ---------------------------------------------------------------

// Document downloads the installed document. A non-empty etag is sent as
// If-None-Match and an unchanged document comes back with NotModified set.
func (c *Client) Document(ctx context.Context, etag string) (Document, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/flags", nil)
	if err != nil {
		return Document{}, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := c.send(req)
	if err != nil {
		return Document{}, err
	}
	defer resp.Body.Close()

	doc := Document{ETag: resp.Header.Get("ETag")}
	if resp.StatusCode == http.StatusNotModified {
		doc.NotModified = true
		if doc.ETag == "" {
			doc.ETag = etag
		}
		return doc, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, fmt.Errorf("flagdoc: read document: %w", err)
	}
	if !json.Valid(body) {
		return Document{}, fmt.Errorf("flagdoc: document is not valid JSON")
	}
	doc.Content = body
	return doc, nil
}

// Flag downloads a single flag definition in its wire format.
func (c *Client) Flag(ctx context.Context, name string) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("flagdoc: read flag: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("flagdoc: flag %q is not valid JSON", name)
	}
	return body, nil
}
