// Package flagdoc provides client interfaces and types for the flagdoc
// evaluation service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import flagdochttp "github.com/matt-riley/flagdoc/clients/go/http"
//	import flagdocgrpc "github.com/matt-riley/flagdoc/clients/go/grpc"
package flagdoc

import "context"

// Evaluator resolves flags against an evaluation context on the server.
type Evaluator interface {
	Evaluate(ctx context.Context, name string, evalCtx Context, defaultValue bool) (Result, error)
	EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) ([]Result, error)
	EnabledFlags(ctx context.Context, evalCtx Context) ([]string, error)
}

// Context holds the attributes rule conditions are matched against. Values
// should be strings, numbers or booleans.
type Context map[string]any

// EvaluateRequest is a single flag evaluation request.
type EvaluateRequest struct {
	Name    string
	Context Context
	Default bool
}

// Result is the outcome of a single flag evaluation. MatchedRule is empty
// when the flag default (or the request default) decided the value.
type Result struct {
	Name        string
	Value       bool
	MatchedRule string
}
