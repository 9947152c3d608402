package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/matt-riley/flagdoc/internal/source"
	"github.com/matt-riley/flagdoc/internal/store"
)

const lambdaDocument = `{
	"dynamic_hogehoge_flags": {
		"default": false,
		"rules": {
			"hoge rule 1": {
				"when_match": true,
				"conditions": [{"action": "EQUALS", "key": "user_id", "value": "hoge"}]
			},
			"premium tier": {
				"when_match": true,
				"conditions": [
					{"action": "EQUALS", "key": "tier", "value": "premium"},
					{"action": "KEY_GREATER_THAN_OR_EQUAL_VALUE", "key": "user_id", "value": 1000}
				]
			}
		}
	}
}`

func newTestHandler(t *testing.T, src source.Source) (*handler, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	st, err := store.New(src, store.WithLogger(logger))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	return &handler{cache: st, flagName: "dynamic_hogehoge_flags", maxAge: time.Minute, logger: logger}, &logs
}

func TestHandle(t *testing.T) {
	h, logs := newTestHandler(t, source.Static(lambdaDocument))

	tests := []struct {
		name  string
		event Event
		want  Response
	}{
		{
			name:  "matching user",
			event: Event{UserID: "hoge"},
			want:  Response{Flag: "dynamic_hogehoge_flags", Enabled: true, MatchedRule: "hoge rule 1"},
		},
		{
			name:  "other user",
			event: Event{UserID: "fuga"},
			want:  Response{Flag: "dynamic_hogehoge_flags", Enabled: false},
		},
		{
			name:  "extra context",
			event: Event{UserID: float64(1200), Context: map[string]any{"tier": "premium"}},
			want:  Response{Flag: "dynamic_hogehoge_flags", Enabled: true, MatchedRule: "premium tier"},
		},
		{
			name:  "user_id overrides context",
			event: Event{UserID: "fuga", Context: map[string]any{"user_id": "hoge"}},
			want:  Response{Flag: "dynamic_hogehoge_flags", Enabled: false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Handle(context.Background(), tt.event)
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got.Version == "" {
				t.Fatal("Version is empty after refresh")
			}
			got.Version = ""
			if got != tt.want {
				t.Fatalf("Handle() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if !strings.Contains(logs.String(), `"msg":"flag evaluated"`) {
		t.Fatalf("expected evaluation log, got: %s", logs.String())
	}
}

func TestHandleRequiresUserID(t *testing.T) {
	h, _ := newTestHandler(t, source.Static(lambdaDocument))
	if _, err := h.Handle(context.Background(), Event{}); !errors.Is(err, errMissingUserID) {
		t.Fatalf("Handle() error = %v, want %v", err, errMissingUserID)
	}
}

type failingSource struct{}

func (failingSource) Fetch(context.Context) ([]byte, error) {
	return nil, errors.New("s3 unavailable")
}

func TestHandleFallsBackWhenSourceFails(t *testing.T) {
	h, logs := newTestHandler(t, failingSource{})

	got, err := h.Handle(context.Background(), Event{UserID: "hoge"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got.Enabled || got.MatchedRule != "" {
		t.Fatalf("Handle() = %+v, want disabled default", got)
	}
	if !strings.Contains(logs.String(), "document refresh failed") {
		t.Fatalf("expected refresh warning, got: %s", logs.String())
	}
}
