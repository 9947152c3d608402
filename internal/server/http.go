package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/matt-riley/flagdoc/internal/core"
	"github.com/matt-riley/flagdoc/internal/metrics"
)

const defaultMaxJSONBodyBytes int64 = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves flag evaluation and document reads over JSON.
type HTTPServer struct {
	evaluator       Evaluator
	metrics         *metrics.Metrics
	maxJSONBodySize int64
}

// HTTPOption configures optional HTTPServer behaviour.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize sets the maximum allowed JSON request body size in
// bytes. Values <= 0 are ignored and the default (1 MB) is kept.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodySize = n
		}
	}
}

// WithMetrics mounts GET /metrics and records per-route request metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) {
		s.metrics = m
	}
}

type evaluateJSONItem struct {
	Name    string         `json:"name"`
	Context map[string]any `json:"context,omitempty"`
	Default bool           `json:"default,omitempty"`
}

type evaluateJSONRequest struct {
	Name     string             `json:"name,omitempty"`
	Context  map[string]any     `json:"context,omitempty"`
	Default  bool               `json:"default,omitempty"`
	Requests []evaluateJSONItem `json:"requests,omitempty"`
}

type evaluateJSONResponse struct {
	Results []evaluationResult `json:"results"`
}

type enabledJSONRequest struct {
	Context map[string]any `json:"context,omitempty"`
}

type enabledJSONResponse struct {
	Flags []string `json:"flags"`
}

// NewHTTPHandler returns the HTTP API for evaluator.
func NewHTTPHandler(evaluator Evaluator, opts ...HTTPOption) http.Handler {
	if evaluator == nil {
		panic("evaluator is nil")
	}

	server := &HTTPServer{
		evaluator:       evaluator,
		maxJSONBodySize: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/enabled", server.handleEnabled)
	mux.HandleFunc("GET /v1/flags", server.handleGetDocument)
	mux.HandleFunc("GET /v1/flags/{name}", server.handleGetFlag)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.HandleFunc("GET /readyz", server.handleReadyz)

	if server.metrics == nil {
		return mux
	}
	mux.Handle("GET /metrics", server.metrics.Handler())
	return server.metrics.HTTPMiddleware(mux)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	evalCtx, err := normalizeContext(request.Context)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	input := evaluationInput{
		Name:    request.Name,
		Context: evalCtx,
		Default: request.Default,
	}
	for idx, item := range request.Requests {
		itemCtx, err := normalizeContext(item.Context)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d]: %v", idx, err))
			return
		}
		input.Requests = append(input.Requests, evaluationItem{
			Name:    item.Name,
			Context: itemCtx,
			Default: item.Default,
		})
	}

	requests, err := input.storeRequests()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, evaluateJSONResponse{Results: evaluate(s.evaluator, requests)})
}

func (s *HTTPServer) handleEnabled(w http.ResponseWriter, r *http.Request) {
	var request enabledJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	evalCtx, err := normalizeContext(request.Context)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	flags := s.evaluator.EnabledFlags(evalCtx)
	if flags == nil {
		flags = []string{}
	}
	writeJSON(w, http.StatusOK, enabledJSONResponse{Flags: flags})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, version, ok := s.loadedDocument(w)
	if !ok {
		return
	}

	etag := `"` + version + `"`
	w.Header().Set("ETag", etag)
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	payload, err := doc.MarshalJSON()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeRawJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	doc, version, ok := s.loadedDocument(w)
	if !ok {
		return
	}

	flag, found := doc.Flag(r.PathValue("name"))
	if !found {
		writeJSONError(w, http.StatusNotFound, "flag not found")
		return
	}

	payload, err := core.MarshalFlag(flag)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("ETag", `"`+version+`"`)
	writeRawJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.evaluator.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no document loaded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "version": s.evaluator.Version()})
}

// loadedDocument writes 503 and reports false when nothing is installed.
// Document and version are read back to back; a swap in between only makes
// the ETag conservative.
func (s *HTTPServer) loadedDocument(w http.ResponseWriter) (*core.Document, string, bool) {
	doc := s.evaluator.Document()
	if doc == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no document loaded")
		return nil, "", false
	}
	return doc, s.evaluator.Version(), true
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRawJSON(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodySize))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
