package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader carries the request ID on HTTP requests and responses.
// gRPC uses the lower-case form as a metadata key.
const RequestIDHeader = "X-Request-ID"

const (
	requestIDMetadataKey = "x-request-id"
	maxRequestIDLength   = 128
)

type logContextKey string

const (
	requestIDKey logContextKey = "request_id"
	loggerKey    logContextKey = "logger"
)

// RequestIDFromContext retrieves the request ID from the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// LoggerFromContext retrieves the request-scoped logger from the context.
// Falls back to slog.Default() if none is set.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// requestID returns the caller-supplied ID when it is usable, otherwise a
// fresh UUID.
func requestID(incoming string) string {
	if incoming != "" && len(incoming) <= maxRequestIDLength && printableASCII(incoming) {
		return incoming
	}
	return uuid.NewString()
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func withRequestLogger(ctx context.Context, logger *slog.Logger, reqID string) (context.Context, *slog.Logger) {
	reqLogger := logger.With(slog.String("request_id", reqID))
	ctx = context.WithValue(ctx, requestIDKey, reqID)
	ctx = context.WithValue(ctx, loggerKey, reqLogger)
	return ctx, reqLogger
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that unwrap writers.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPRequestLogging returns middleware that logs each HTTP request with a
// request ID, method, path, status code, and duration. An incoming
// X-Request-ID is reused and the ID is echoed on the response.
func HTTPRequestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := requestID(r.Header.Get(RequestIDHeader))
			ctx, reqLogger := withRequestLogger(r.Context(), logger, reqID)
			w.Header().Set(RequestIDHeader, reqID)

			reqLogger.InfoContext(ctx, "request started",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			duration := time.Since(start)

			reqLogger.InfoContext(ctx, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status_code", wrapped.statusCode),
				slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
			)
		})
	}
}

// UnaryRequestLoggingInterceptor returns a gRPC unary server interceptor that
// logs each call with a request ID, method, status code, and duration.
// The ID comes from x-request-id metadata when present and is sent back as a
// response header.
func UnaryRequestLoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var incoming string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(requestIDMetadataKey); len(vals) > 0 {
				incoming = vals[0]
			}
		}
		reqID := requestID(incoming)
		ctx, reqLogger := withRequestLogger(ctx, logger, reqID)
		// Fails outside a real transport stream, e.g. direct interceptor calls.
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, reqID))

		reqLogger.InfoContext(ctx, "request started",
			slog.String("method", info.FullMethod),
		)

		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		code := status.Code(err)
		reqLogger.InfoContext(ctx, "request completed",
			slog.String("method", info.FullMethod),
			slog.Int("status_code", int(code)),
			slog.String("status", code.String()),
			slog.Float64("duration_ms", float64(duration.Nanoseconds())/1e6),
		)

		return resp, err
	}
}
