package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// Reasons passed to the WithOnAuthFailure callback.
const (
	FailureInvalidToken = "invalid_token"
	FailureRateLimited  = "rate_limited"
)

// TokenValidator validates a bearer token and returns the principal it
// authenticates.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure     func(reason string)
	rateLimiter   *RateLimiter
	publicMethods map[string]bool
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{publicMethods: make(map[string]bool)}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// WithOnAuthFailure registers a callback invoked with FailureInvalidToken or
// FailureRateLimited for every rejected request.
func WithOnAuthFailure(fn func(reason string)) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

// WithPublicMethods lets the listed full gRPC method names through without a
// token. Health checks are the usual case.
func WithPublicMethods(methods ...string) AuthOption {
	return func(c *authConfig) {
		for _, m := range methods {
			c.publicMethods[m] = true
		}
	}
}

func (c authConfig) report(reason string) {
	if c.onFailure != nil {
		c.onFailure(reason)
	}
}

// blocked refuses an IP that already spent its failure budget, before its
// token costs a bcrypt comparison.
func (c authConfig) blocked(ip string) bool {
	if c.rateLimiter == nil || ip == "" || !c.rateLimiter.Blocked(ip) {
		return false
	}
	c.report(FailureRateLimited)
	return true
}

func (c authConfig) fail(ip string) (limited bool) {
	limited = c.rateLimiter != nil && ip != "" && c.rateLimiter.Fail(ip)
	if limited {
		c.report(FailureRateLimited)
	} else {
		c.report(FailureInvalidToken)
	}
	return limited
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r.RemoteAddr)
			if cfg.blocked(ip) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			principal, err := authorizeHTTP(r.Context(), r.Header.Get("Authorization"), validator)
			if err != nil {
				if cfg.fail(ip) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				writeHTTPUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info != nil && cfg.publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		ip := grpcPeerIP(ctx)
		if cfg.blocked(ip) {
			return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}
		principal, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if cfg.fail(ip) {
				return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(NewContextWithPrincipal(ctx, principal), req)
	}
}

// StreamBearerAuthInterceptor enforces bearer-token auth for streaming gRPC requests.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if info != nil && cfg.publicMethods[info.FullMethod] {
			return handler(srv, ss)
		}

		ctx := ss.Context()
		ip := grpcPeerIP(ctx)
		if cfg.blocked(ip) {
			return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}
		principal, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if cfg.fail(ip) {
				return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          NewContextWithPrincipal(ctx, principal),
		})
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFromContext retrieves the authenticated API key ID.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalKey).(string)
	return id, ok
}

// NewContextWithPrincipal returns a new context carrying the authenticated
// API key ID.
func NewContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	principal, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(principal) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return principal, nil
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingAuthorizationHeader
	}

	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return "", errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		token, err := parseBearerToken(authorizationHeader)
		if err != nil {
			continue
		}
		principal, err := validator.ValidateToken(ctx, token)
		if err == nil {
			if strings.TrimSpace(principal) == "" {
				return "", errInvalidAuthorizationHeader
			}
			return principal, nil
		}
	}

	return "", errInvalidAuthorizationHeader
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func grpcPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return clientIP(p.Addr.String())
}

// clientIP strips the port from a host:port address.
func clientIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
