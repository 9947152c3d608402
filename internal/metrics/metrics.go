// Package metrics provides Prometheus instrumentation for the flagdoc server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flagdoc metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds all Prometheus collectors used by the flagdoc server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
	EvaluationsTotal    *prometheus.CounterVec
	DocumentLoadsTotal  *prometheus.CounterVec
	DocumentFlags       prometheus.Gauge
	DocumentLastLoad    prometheus.Gauge
	InvalidationsTotal  prometheus.Counter
	AuthFailuresTotal   *prometheus.CounterVec
}

// New creates and registers all flagdoc metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagdoc_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagdoc_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagdoc_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagdoc_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagdoc_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result", "matched"}),

		DocumentLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagdoc_document_loads_total",
			Help: "Total number of document refresh attempts by outcome.",
		}, []string{"outcome"}),

		DocumentFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagdoc_document_flags",
			Help: "Number of flags in the installed document.",
		}),

		DocumentLastLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagdoc_document_last_load_timestamp_seconds",
			Help: "Unix time the installed document was installed.",
		}),

		InvalidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagdoc_invalidations_total",
			Help: "Total number of change signals received from the document source.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagdoc_auth_failures_total",
			Help: "Total number of rejected authentication attempts by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.EvaluationsTotal,
		m.DocumentLoadsTotal,
		m.DocumentFlags,
		m.DocumentLastLoad,
		m.InvalidationsTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency. The route label is the
// matched ServeMux pattern so that path values do not explode cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// RecordEvaluation counts one evaluation by its value and whether a rule
// decided it.
func (m *Metrics) RecordEvaluation(value, matched bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(value), strconv.FormatBool(matched)).Inc()
}

// RecordDocumentLoad counts one refresh attempt.
func (m *Metrics) RecordDocumentLoad(outcome string) {
	m.DocumentLoadsTotal.WithLabelValues(outcome).Inc()
}

// SetDocumentInfo describes the newly installed document.
func (m *Metrics) SetDocumentInfo(flags int, loadedAt time.Time) {
	m.DocumentFlags.Set(float64(flags))
	m.DocumentLastLoad.Set(float64(loadedAt.UnixNano()) / float64(time.Second))
}

// IncInvalidations increments the change signal counter.
func (m *Metrics) IncInvalidations() {
	m.InvalidationsTotal.Inc()
}

// IncAuthFailures counts a rejected request. reason is "invalid_token" or
// "rate_limited".
func (m *Metrics) IncAuthFailures(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}
