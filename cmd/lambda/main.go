// Package main is the AWS Lambda entry point. Each invocation evaluates the
// flag named by FLAG_NAME for the event's user_id against a document read
// from S3 and cached for MAX_AGE.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/matt-riley/flagdoc/internal/config"
	"github.com/matt-riley/flagdoc/internal/core"
	"github.com/matt-riley/flagdoc/internal/logging"
	"github.com/matt-riley/flagdoc/internal/source"
	"github.com/matt-riley/flagdoc/internal/store"
	"github.com/matt-riley/flagdoc/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		slog.Error("lambda init failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadLambda()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)

	ctx := context.Background()
	shutdownTracer, err := tracing.Init(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	storeOpts := []store.Option{
		store.WithLogger(log.With("component", "store")),
		store.WithTracer(tracing.Tracer("github.com/matt-riley/flagdoc/internal/store")),
	}
	if cfg.SkipUnknownActions {
		storeOpts = append(storeOpts, store.WithParseOptions(core.WithSkipUnknownActions()))
	}
	st, err := store.New(source.NewS3(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Key), storeOpts...)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	h := &handler{
		cache:    st,
		flagName: cfg.FlagName,
		maxAge:   cfg.MaxAge,
		logger:   log,
	}
	lambda.Start(h.Handle)
	return nil
}
