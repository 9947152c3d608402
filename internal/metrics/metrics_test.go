package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNew(t *testing.T) {
	m := New()
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}
	if _, err := m.Registry.Gather(); err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	m.IncInvalidations()
	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather after inc failed: %v", err)
	}
	if len(fams) == 0 {
		t.Fatal("expected at least one metric family after increment")
	}
}

func TestRecordEvaluation(t *testing.T) {
	m := New()

	m.RecordEvaluation(true, true)
	m.RecordEvaluation(true, false)
	m.RecordEvaluation(true, true)
	m.RecordEvaluation(false, false)

	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("true", "true")); v != 2 {
		t.Fatalf("expected true/matched count 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("true", "false")); v != 1 {
		t.Fatalf("expected true/unmatched count 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("false", "false")); v != 1 {
		t.Fatalf("expected false/unmatched count 1, got %v", v)
	}
}

func TestRecordDocumentLoad(t *testing.T) {
	m := New()

	m.RecordDocumentLoad("installed")
	m.RecordDocumentLoad("unchanged")
	m.RecordDocumentLoad("unchanged")

	if v := testutil.ToFloat64(m.DocumentLoadsTotal.WithLabelValues("unchanged")); v != 2 {
		t.Fatalf("expected unchanged count 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.DocumentLoadsTotal.WithLabelValues("installed")); v != 1 {
		t.Fatalf("expected installed count 1, got %v", v)
	}
}

func TestSetDocumentInfo(t *testing.T) {
	m := New()

	m.SetDocumentInfo(12, time.Unix(1700000000, 500000000))

	if v := testutil.ToFloat64(m.DocumentFlags); v != 12 {
		t.Fatalf("expected 12 flags, got %v", v)
	}
	if v := testutil.ToFloat64(m.DocumentLastLoad); v != 1700000000.5 {
		t.Fatalf("expected last load 1700000000.5, got %v", v)
	}
}

func TestIncCounters(t *testing.T) {
	m := New()

	m.IncInvalidations()
	m.IncInvalidations()
	m.IncAuthFailures("invalid_token")
	m.IncAuthFailures("rate_limited")
	m.IncAuthFailures("rate_limited")

	if v := testutil.ToFloat64(m.InvalidationsTotal); v != 2 {
		t.Fatalf("expected invalidations 2, got %v", v)
	}
	if v := testutil.ToFloat64(m.AuthFailuresTotal.WithLabelValues("invalid_token")); v != 1 {
		t.Fatalf("expected invalid_token failures 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.AuthFailuresTotal.WithLabelValues("rate_limited")); v != 2 {
		t.Fatalf("expected rate_limited failures 2, got %v", v)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordDocumentLoad("installed")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body, _ := io.ReadAll(rec.Result().Body)
	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(string(body), "flagdoc_document_loads_total") {
		t.Fatal("expected response to contain flagdoc_document_loads_total")
	}
}

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/flags/{name}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	handler := m.HTTPMiddleware(mux)

	for _, target := range []string{"/v1/flags/a", "/v1/flags/b"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /v1/flags/{name}", "404")); v != 2 {
		t.Fatalf("expected 2 requests for the flag route, got %v", v)
	}
	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")); v != 1 {
		t.Fatalf("expected 1 unmatched request, got %v", v)
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	m := New()
	interceptor := m.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/flagdoc.v1.Evaluator/Evaluate"}

	_, _ = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	_, err := interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.InvalidArgument, "bad")
	})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("interceptor changed the handler error: %v", err)
	}
	_, _ = interceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, errors.New("plain")
	})

	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Evaluate", "OK")); v != 1 {
		t.Fatalf("expected 1 OK request, got %v", v)
	}
	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Evaluate", "InvalidArgument")); v != 1 {
		t.Fatalf("expected 1 InvalidArgument request, got %v", v)
	}
	if v := testutil.ToFloat64(m.GRPCRequestsTotal.WithLabelValues("Evaluate", "Unknown")); v != 1 {
		t.Fatalf("expected 1 Unknown request, got %v", v)
	}
}
