package server

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/matt-riley/flagdoc/internal/core"
	"github.com/matt-riley/flagdoc/internal/store"
)

// Evaluator is the read side of the document store served by the HTTP and
// gRPC transports.
type Evaluator interface {
	Evaluate(name string, ctx core.Context, defaultIfMissing bool) core.Result
	EvaluateBatch(requests []store.Request) []core.Result
	EnabledFlags(ctx core.Context) []string
	Document() *core.Document
	Version() string
	Ready() bool
}

var _ Evaluator = (*store.Store)(nil)

// evaluationResult is the per-flag answer shared by both transports.
type evaluationResult struct {
	Name        string `json:"name"`
	Value       bool   `json:"value"`
	MatchedRule string `json:"matched_rule,omitempty"`
}

type evaluationItem struct {
	Name    string
	Context core.Context
	Default bool
}

// evaluationInput is a decoded evaluate call: either a single flag or a
// batch, never both.
type evaluationInput struct {
	Name     string
	Context  core.Context
	Default  bool
	Requests []evaluationItem
}

func (in evaluationInput) storeRequests() ([]store.Request, error) {
	hasName := strings.TrimSpace(in.Name) != ""
	switch {
	case len(in.Requests) > 0 && hasName:
		return nil, errInvalidInput("use either name or requests")
	case len(in.Requests) > 0:
		requests := make([]store.Request, 0, len(in.Requests))
		for idx, item := range in.Requests {
			if strings.TrimSpace(item.Name) == "" {
				return nil, errInvalidInput(fmt.Sprintf("requests[%d].name is required", idx))
			}
			requests = append(requests, store.Request{Name: item.Name, Context: item.Context, Default: item.Default})
		}
		return requests, nil
	case hasName:
		return []store.Request{{Name: in.Name, Context: in.Context, Default: in.Default}}, nil
	default:
		return nil, errInvalidInput("name or requests is required")
	}
}

func evaluate(evaluator Evaluator, requests []store.Request) []evaluationResult {
	results := evaluator.EvaluateBatch(requests)
	out := make([]evaluationResult, len(results))
	for i, result := range results {
		out[i] = evaluationResult{
			Name:        requests[i].Name,
			Value:       result.Value,
			MatchedRule: result.MatchedRule,
		}
	}
	return out
}

type errInvalidInput string

func (e errInvalidInput) Error() string { return string(e) }

// normalizeContext replaces json.Number leaves with int64 when integral
// (uint64 above math.MaxInt64) and float64 otherwise, so condition values
// compare numerically. Numbers outside the float64 range are rejected.
func normalizeContext(ctx map[string]any) (core.Context, error) {
	if ctx == nil {
		return nil, nil
	}
	out := make(core.Context, len(ctx))
	for k, v := range ctx {
		normalized, err := normalizeValue(v)
		if err != nil {
			return nil, errInvalidInput(fmt.Sprintf("context %q: %v", k, err))
		}
		out[k] = normalized
	}
	return out, nil
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		if u, err := strconv.ParseUint(v.String(), 10, 64); err == nil {
			return u, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %s out of range", v.String())
		}
		return f, nil
	case map[string]any:
		nested, err := normalizeContext(v)
		if err != nil {
			return nil, err
		}
		return map[string]any(nested), nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			normalized, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	default:
		return value, nil
	}
}
