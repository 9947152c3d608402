package main

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matt-riley/flagdoc/internal/config"
	"github.com/matt-riley/flagdoc/internal/metrics"
	"github.com/matt-riley/flagdoc/internal/repository"
	"github.com/matt-riley/flagdoc/internal/source"
	"github.com/redis/go-redis/v9"
)

// newSource builds the document source selected by cfg.Source. The returned
// close function releases connections and is never nil.
func newSource(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics) (source.Source, func(), error) {
	noop := func() {}

	switch cfg.Source {
	case config.SourceFile:
		return source.NewFile(cfg.SourceFile, source.WithFileLogger(log.With("component", "source"))), noop, nil

	case config.SourceHTTP:
		return source.NewHTTP(cfg.SourceURL), noop, nil

	case config.SourcePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("connect postgres: %w", err)
		}
		if err := runMigrations(pool); err != nil {
			pool.Close()
			return nil, noop, err
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)
		repo := repository.NewPostgresRepository(pool)
		return source.NewPostgres(repo, cfg.DocumentName), pool.Close, nil

	case config.SourceRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		closeClient := func() {
			if err := client.Close(); err != nil {
				log.Error("close redis client", "error", err)
			}
		}
		return source.NewRedis(client, cfg.RedisKey, cfg.RedisChannel), closeClient, nil

	case config.SourceS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("load AWS config: %w", err)
		}
		return source.NewS3(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Key), noop, nil

	default:
		return nil, noop, fmt.Errorf("unsupported source %q", cfg.Source)
	}
}
