package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/matt-riley/flagdoc/internal/core"
)

// Event is the invocation payload. UserID is merged into Context under
// "user_id" and wins over any value already there.
type Event struct {
	UserID  any            `json:"user_id"`
	Context map[string]any `json:"context,omitempty"`
}

// Response reports the evaluation of the configured flag.
type Response struct {
	Flag        string `json:"flag"`
	Enabled     bool   `json:"enabled"`
	MatchedRule string `json:"matched_rule,omitempty"`
	Version     string `json:"version,omitempty"`
}

var errMissingUserID = errors.New("event is missing user_id")

type documentCache interface {
	RefreshIfStale(ctx context.Context, maxAge time.Duration) error
	Evaluate(name string, ctx core.Context, defaultIfMissing bool) core.Result
	Version() string
}

type handler struct {
	cache    documentCache
	flagName string
	maxAge   time.Duration
	logger   *slog.Logger
}

// Handle evaluates the configured flag for the event's user. A failed
// refresh is logged and the cached document, or false, is used.
func (h *handler) Handle(ctx context.Context, event Event) (Response, error) {
	if event.UserID == nil {
		return Response{}, errMissingUserID
	}

	if err := h.cache.RefreshIfStale(ctx, h.maxAge); err != nil {
		h.logger.WarnContext(ctx, "document refresh failed, using cached document", "error", err)
	}

	evalCtx := make(core.Context, len(event.Context)+1)
	for k, v := range event.Context {
		evalCtx[k] = v
	}
	evalCtx["user_id"] = event.UserID

	result := h.cache.Evaluate(h.flagName, evalCtx, false)
	h.logger.InfoContext(ctx, "flag evaluated",
		"flag", h.flagName,
		"enabled", result.Value,
		"matched_rule", result.MatchedRule,
		"found", result.Found,
	)

	return Response{
		Flag:        h.flagName,
		Enabled:     result.Value,
		MatchedRule: result.MatchedRule,
		Version:     h.cache.Version(),
	}, nil
}
