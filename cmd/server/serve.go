package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/matt-riley/flagdoc/internal/config"
	"github.com/matt-riley/flagdoc/internal/core"
	"github.com/matt-riley/flagdoc/internal/logging"
	"github.com/matt-riley/flagdoc/internal/metrics"
	"github.com/matt-riley/flagdoc/internal/middleware"
	"github.com/matt-riley/flagdoc/internal/server"
	"github.com/matt-riley/flagdoc/internal/store"
	"github.com/matt-riley/flagdoc/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"tailscale.com/tsnet"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
	healthPollInterval    = time.Second
)

// serve runs the evaluation servers until ctx is cancelled.
func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	m := metrics.New()

	src, closeSource, err := newSource(ctx, cfg, log, m)
	if err != nil {
		return fmt.Errorf("init source: %w", err)
	}
	defer closeSource()

	storeOpts := []store.Option{
		store.WithLogger(log.With("component", "store")),
		store.WithRecorder(m),
		store.WithTracer(tracing.Tracer("github.com/matt-riley/flagdoc/internal/store")),
		store.WithRefreshInterval(cfg.RefreshInterval),
	}
	if cfg.SkipUnknownActions {
		storeOpts = append(storeOpts, store.WithParseOptions(core.WithSkipUnknownActions()))
	}
	st, err := store.New(src, storeOpts...)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	// A missing document is fatal at startup; afterwards the last good
	// document keeps serving.
	if err := st.LoadInitial(ctx, cfg.InitialLoadTimeout); err != nil {
		return fmt.Errorf("load initial document: %w", err)
	}
	go st.Run(ctx)

	validator, authOpts := newAuth(ctx, cfg, m, log)

	apiHandler := server.NewHTTPHandler(st,
		server.WithMaxJSONBodySize(cfg.MaxJSONBodySize),
		server.WithMetrics(m),
	)
	httpHandler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, validator, authOpts...))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "flagdoc-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	unary := []grpc.UnaryServerInterceptor{
		middleware.UnaryRequestLoggingInterceptor(log),
		m.UnaryServerInterceptor(),
	}
	serverOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if validator != nil {
		unary = append(unary, middleware.UnaryBearerAuthInterceptor(validator, authOpts...))
		serverOpts = append(serverOpts, grpc.ChainStreamInterceptor(middleware.StreamBearerAuthInterceptor(validator, authOpts...)))
	}
	serverOpts = append(serverOpts, grpc.ChainUnaryInterceptor(unary...))
	grpcServer := grpc.NewServer(serverOpts...)
	server.RegisterEvaluatorServer(grpcServer, server.NewGRPCServer(st))
	healthServer := server.NewHealthServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	go server.TrackReadiness(ctx, healthServer, st, healthPollInterval)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}
	defer grpcListener.Close()

	serveErrCh := make(chan error, 3)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			serveErrCh <- fmt.Errorf("serve gRPC: %w", err)
		}
	}()

	// The tailnet listener serves the same HTTP API to tailnet peers only.
	var tsServer *tsnet.Server
	var tailnetHTTP *http.Server
	if cfg.TSHostname != "" {
		if err := os.MkdirAll(cfg.TSStateDir, 0o700); err != nil {
			return fmt.Errorf("create ts-state dir: %w", err)
		}
		tsServer = &tsnet.Server{
			Hostname: cfg.TSHostname,
			AuthKey:  cfg.TSAuthKey,
			Dir:      cfg.TSStateDir,
			Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
		}
		tsListener, err := tsServer.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("listen tailnet: %w", err)
		}
		tailnetHTTP = &http.Server{
			Handler:           httpServer.Handler,
			ReadHeaderTimeout: httpReadHeaderTimeout,
			ReadTimeout:       httpReadTimeout,
			IdleTimeout:       httpIdleTimeout,
		}
		go func() {
			if err := tailnetHTTP.Serve(tsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErrCh <- fmt.Errorf("serve tailnet HTTP: %w", err)
			}
		}()
		log.Info("tailnet listener started", "hostname", cfg.TSHostname)
	}

	log.Info("server started",
		"http_addr", cfg.HTTPAddr,
		"grpc_addr", cfg.GRPCAddr,
		"source", cfg.Source,
		"document_version", st.Version(),
		"auth", validator != nil,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}
	if tailnetHTTP != nil {
		if err := tailnetHTTP.Shutdown(httpShutdownCtx); err != nil {
			log.Error("tailnet HTTP shutdown error", "error", err)
		}
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		grpcServer.Stop()
	}

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

// newAuth returns a nil validator when no API keys are configured.
func newAuth(ctx context.Context, cfg config.Config, m *metrics.Metrics, log *slog.Logger) (middleware.TokenValidator, []middleware.AuthOption) {
	if len(cfg.APIKeyHashes) == 0 {
		log.Warn("API_KEY_HASHES is empty; evaluation endpoints are unauthenticated")
		return nil, nil
	}
	return middleware.NewStaticKeyValidator(cfg.APIKeyHashes), []middleware.AuthOption{
		middleware.WithOnAuthFailure(m.IncAuthFailures),
		middleware.WithRateLimiter(middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)),
		middleware.WithPublicMethods(
			healthpb.Health_Check_FullMethodName,
			healthpb.Health_Watch_FullMethodName,
		),
	}
}

// newHTTPHandler puts /v1/ behind bearer auth when validator is set and keeps
// the probe and metrics endpoints public.
func newHTTPHandler(apiHandler http.Handler, validator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protected := apiHandler
	if validator != nil {
		protected = middleware.HTTPBearerAuthMiddleware(validator, opts...)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", protected)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /readyz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}
