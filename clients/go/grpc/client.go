// Package grpc provides a gRPC client for the flagdoc evaluation service.
//
// The service exchanges google.protobuf.Struct messages shaped like the HTTP
// JSON bodies, so no generated stubs are needed.
package grpc

import (
	"context"
	"fmt"

	flagdoc "github.com/matt-riley/flagdoc/clients/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names of the flagdoc.v1.Evaluator service.
const (
	EvaluateMethod     = "/flagdoc.v1.Evaluator/Evaluate"
	EnabledFlagsMethod = "/flagdoc.v1.Evaluator/EnabledFlags"
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the flagdoc gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format. Empty sends no
	// authorization metadata.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements flagdoc.Evaluator over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

var _ flagdoc.Evaluator = (*Client)(nil)

// NewGRPCClient creates a client for the flagdoc gRPC server. The connection
// is established lazily. Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("flagdoc: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	if c.cfg.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("flagdoc: encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.authCtx(ctx), method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// -- wire helpers ------------------------------------------------------------

// contextValue converts an evaluation context into a map structpb accepts.
// Integer types are widened by structpb itself.
func contextValue(evalCtx flagdoc.Context) map[string]any {
	m := make(map[string]any, len(evalCtx))
	for k, v := range evalCtx {
		m[k] = v
	}
	return m
}

func itemRequest(name string, evalCtx flagdoc.Context, defaultValue bool) map[string]any {
	item := map[string]any{"name": name, "default": defaultValue}
	if len(evalCtx) > 0 {
		item["context"] = contextValue(evalCtx)
	}
	return item
}

func decodeResults(resp *structpb.Struct) ([]flagdoc.Result, error) {
	list := resp.GetFields()["results"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("flagdoc: response has no results list")
	}
	results := make([]flagdoc.Result, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			return nil, fmt.Errorf("flagdoc: results[%d] is not an object", i)
		}
		value, ok := fields["value"].GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return nil, fmt.Errorf("flagdoc: results[%d].value is not a boolean", i)
		}
		results = append(results, flagdoc.Result{
			Name:        fields["name"].GetStringValue(),
			Value:       value.BoolValue,
			MatchedRule: fields["matched_rule"].GetStringValue(),
		})
	}
	return results, nil
}

// -- Evaluator ---------------------------------------------------------------

// Evaluate resolves one flag. On error the returned result carries
// defaultValue so callers can use it unconditionally.
func (c *Client) Evaluate(ctx context.Context, name string, evalCtx flagdoc.Context, defaultValue bool) (flagdoc.Result, error) {
	fallback := flagdoc.Result{Name: name, Value: defaultValue}

	resp, err := c.invoke(ctx, EvaluateMethod, itemRequest(name, evalCtx, defaultValue))
	if err != nil {
		return fallback, fmt.Errorf("flagdoc: Evaluate: %w", err)
	}
	results, err := decodeResults(resp)
	if err != nil {
		return fallback, err
	}
	if len(results) != 1 {
		return fallback, fmt.Errorf("flagdoc: expected 1 result, got %d", len(results))
	}
	return results[0], nil
}

// EvaluateBatch resolves every request in one call. Results are in request
// order.
func (c *Client) EvaluateBatch(ctx context.Context, reqs []flagdoc.EvaluateRequest) ([]flagdoc.Result, error) {
	if len(reqs) == 0 {
		return []flagdoc.Result{}, nil
	}
	items := make([]any, len(reqs))
	for i, r := range reqs {
		items[i] = itemRequest(r.Name, r.Context, r.Default)
	}
	resp, err := c.invoke(ctx, EvaluateMethod, map[string]any{"requests": items})
	if err != nil {
		return nil, fmt.Errorf("flagdoc: Evaluate: %w", err)
	}
	results, err := decodeResults(resp)
	if err != nil {
		return nil, err
	}
	if len(results) != len(reqs) {
		return nil, fmt.Errorf("flagdoc: expected %d results, got %d", len(reqs), len(results))
	}
	return results, nil
}

// EnabledFlags returns the names of every flag that is on for evalCtx, in
// document order.
func (c *Client) EnabledFlags(ctx context.Context, evalCtx flagdoc.Context) ([]string, error) {
	req := map[string]any{}
	if len(evalCtx) > 0 {
		req["context"] = contextValue(evalCtx)
	}
	resp, err := c.invoke(ctx, EnabledFlagsMethod, req)
	if err != nil {
		return nil, fmt.Errorf("flagdoc: EnabledFlags: %w", err)
	}
	values := resp.GetFields()["flags"].GetListValue().GetValues()
	flags := make([]string, 0, len(values))
	for i, v := range values {
		name, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("flagdoc: flags[%d] is not a string", i)
		}
		flags = append(flags, name.StringValue)
	}
	return flags, nil
}
