// Package config loads flagdoc configuration from environment variables.
//
// [Load] serves the long-running server. SOURCE selects where the flag
// document comes from and decides which other variables are required:
//   - file: SOURCE_FILE.
//   - http: SOURCE_URL.
//   - postgres: DATABASE_URL, DOCUMENT_NAME (default "features").
//   - redis: REDIS_ADDR, REDIS_KEY (default "flagdoc:features"),
//     REDIS_CHANNEL (default "flagdoc:updates").
//   - s3: S3_BUCKET, S3_KEY.
//
// Optional variables:
//   - REFRESH_INTERVAL: polling interval for the document (default "30s",
//     must be > 0 if set).
//   - INITIAL_LOAD_TIMEOUT: how long startup retries the first load
//     (default "30s", must be > 0 if set).
//   - SKIP_UNKNOWN_ACTIONS: drop rules with unrecognised actions instead of
//     rejecting the document (default false).
//   - HTTP_ADDR, GRPC_ADDR: listen addresses (default ":8080", ":9090").
//   - LOG_LEVEL, LOG_FORMAT: logger settings (default "info", "json").
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - API_KEY_HASHES: comma-separated keyID=hash pairs. Empty disables auth.
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per IP (default 10).
//   - TS_HOSTNAME, TS_AUTH_KEY, TS_STATE_DIR: optional tailnet listener.
//
// [LoadLambda] serves the Lambda handler, which always reads from S3.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Document source kinds accepted in SOURCE.
const (
	SourceFile     = "file"
	SourceHTTP     = "http"
	SourcePostgres = "postgres"
	SourceRedis    = "redis"
	SourceS3       = "s3"
)

const (
	defaultHTTPAddr                 = ":8080"
	defaultGRPCAddr                 = ":9090"
	defaultTSStateDir               = "tsnet-state"
	defaultAuthRateLimit            = 10
	defaultMaxJSONBodySize    int64 = 1 << 20 // 1MB
	defaultRefreshInterval          = 30 * time.Second
	defaultInitialLoadTimeout       = 30 * time.Second
	defaultDocumentName             = "features"
	defaultRedisKey                 = "flagdoc:features"
	defaultRedisChannel             = "flagdoc:updates"
	defaultLambdaMaxAge             = 5 * time.Second
)

// Config holds the runtime configuration for the flagdoc server.
type Config struct {
	Source             string
	SourceFile         string
	SourceURL          string
	DatabaseURL        string
	DocumentName       string
	RedisAddr          string
	RedisKey           string
	RedisChannel       string
	S3Bucket           string
	S3Key              string
	RefreshInterval    time.Duration
	InitialLoadTimeout time.Duration
	SkipUnknownActions bool
	HTTPAddr           string
	GRPCAddr           string
	LogLevel           string
	LogFormat          string
	MaxJSONBodySize    int64
	APIKeyHashes       map[string]string
	AuthRateLimit      int
	TSHostname         string
	TSAuthKey          string
	TSStateDir         string
}

// LambdaConfig holds the configuration for the Lambda handler.
type LambdaConfig struct {
	S3Bucket           string
	S3Key              string
	FlagName           string
	MaxAge             time.Duration
	SkipUnknownActions bool
	LogLevel           string
	LogFormat          string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	cfg := Config{
		Source:       strings.ToLower(strings.TrimSpace(os.Getenv("SOURCE"))),
		SourceFile:   strings.TrimSpace(os.Getenv("SOURCE_FILE")),
		SourceURL:    strings.TrimSpace(os.Getenv("SOURCE_URL")),
		DatabaseURL:  strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DocumentName: envOrDefault("DOCUMENT_NAME", defaultDocumentName),
		RedisAddr:    strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisKey:     envOrDefault("REDIS_KEY", defaultRedisKey),
		RedisChannel: envOrDefault("REDIS_CHANNEL", defaultRedisChannel),
		S3Bucket:     strings.TrimSpace(os.Getenv("S3_BUCKET")),
		S3Key:        strings.TrimSpace(os.Getenv("S3_KEY")),
		HTTPAddr:     envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:     envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:     envOrDefault("LOG_LEVEL", "info"),
		LogFormat:    envOrDefault("LOG_FORMAT", "json"),
		TSHostname:   strings.TrimSpace(os.Getenv("TS_HOSTNAME")),
		TSAuthKey:    os.Getenv("TS_AUTH_KEY"),
		TSStateDir:   envOrDefault("TS_STATE_DIR", defaultTSStateDir),
	}

	if err := cfg.validateSource(); err != nil {
		return Config{}, err
	}

	var err error
	if cfg.RefreshInterval, err = positiveDuration("REFRESH_INTERVAL", defaultRefreshInterval); err != nil {
		return Config{}, err
	}
	if cfg.InitialLoadTimeout, err = positiveDuration("INITIAL_LOAD_TIMEOUT", defaultInitialLoadTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SkipUnknownActions, err = boolValue("SKIP_UNKNOWN_ACTIONS"); err != nil {
		return Config{}, err
	}

	cfg.AuthRateLimit = defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		cfg.AuthRateLimit = parsed
	}

	cfg.MaxJSONBodySize = defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		cfg.MaxJSONBodySize = n
	}

	if cfg.APIKeyHashes, err = ParseAPIKeyHashes(os.Getenv("API_KEY_HASHES")); err != nil {
		return Config{}, fmt.Errorf("parse API_KEY_HASHES: %w", err)
	}

	if cfg.TSHostname != "" && strings.TrimSpace(cfg.TSAuthKey) == "" {
		return Config{}, errors.New("TS_AUTH_KEY is required when TS_HOSTNAME is set")
	}

	return cfg, nil
}

// LoadLambda reads the Lambda handler configuration from environment
// variables.
func LoadLambda() (LambdaConfig, error) {
	cfg := LambdaConfig{
		S3Bucket:  strings.TrimSpace(os.Getenv("S3_BUCKET")),
		S3Key:     strings.TrimSpace(os.Getenv("S3_KEY")),
		FlagName:  strings.TrimSpace(os.Getenv("FLAG_NAME")),
		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "json"),
	}
	switch {
	case cfg.S3Bucket == "":
		return LambdaConfig{}, errors.New("S3_BUCKET is required")
	case cfg.S3Key == "":
		return LambdaConfig{}, errors.New("S3_KEY is required")
	case cfg.FlagName == "":
		return LambdaConfig{}, errors.New("FLAG_NAME is required")
	}

	var err error
	if cfg.MaxAge, err = positiveDuration("MAX_AGE", defaultLambdaMaxAge); err != nil {
		return LambdaConfig{}, err
	}
	if cfg.SkipUnknownActions, err = boolValue("SKIP_UNKNOWN_ACTIONS"); err != nil {
		return LambdaConfig{}, err
	}
	return cfg, nil
}

// DatabaseURL returns DATABASE_URL for the commands that only talk to
// PostgreSQL.
func DatabaseURL() (string, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return "", errors.New("DATABASE_URL is required")
	}
	return databaseURL, nil
}

// ParseAPIKeyHashes parses comma-separated keyID=hash pairs. Blank entries
// are ignored; an empty input yields an empty map.
func ParseAPIKeyHashes(raw string) (map[string]string, error) {
	hashes := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, hash, ok := strings.Cut(entry, "=")
		id, hash = strings.TrimSpace(id), strings.TrimSpace(hash)
		if !ok || id == "" || hash == "" {
			return nil, fmt.Errorf("entry %q must be keyID=hash", entry)
		}
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("key id %q must not contain '.'", id)
		}
		if _, dup := hashes[id]; dup {
			return nil, fmt.Errorf("duplicate key id %q", id)
		}
		hashes[id] = hash
	}
	return hashes, nil
}

func (c Config) validateSource() error {
	switch c.Source {
	case "":
		return errors.New("SOURCE is required")
	case SourceFile:
		if c.SourceFile == "" {
			return errors.New("SOURCE_FILE is required when SOURCE=file")
		}
	case SourceHTTP:
		if c.SourceURL == "" {
			return errors.New("SOURCE_URL is required when SOURCE=http")
		}
		if !strings.HasPrefix(c.SourceURL, "http://") && !strings.HasPrefix(c.SourceURL, "https://") {
			return errors.New("SOURCE_URL must be an http or https URL")
		}
	case SourcePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when SOURCE=postgres")
		}
	case SourceRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when SOURCE=redis")
		}
	case SourceS3:
		if c.S3Bucket == "" || c.S3Key == "" {
			return errors.New("S3_BUCKET and S3_KEY are required when SOURCE=s3")
		}
	default:
		return fmt.Errorf("unsupported SOURCE %q", c.Source)
	}
	return nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return parsed, nil
}

func boolValue(key string) (bool, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
