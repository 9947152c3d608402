package server

import (
	"context"
	"fmt"
	"time"

	"github.com/matt-riley/flagdoc/internal/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// EvaluatorServiceName is the fully qualified gRPC service name.
const EvaluatorServiceName = "flagdoc.v1.Evaluator"

// Full method names, usable with grpc.ClientConn.Invoke.
const (
	EvaluateMethod     = "/" + EvaluatorServiceName + "/Evaluate"
	EnabledFlagsMethod = "/" + EvaluatorServiceName + "/EnabledFlags"
)

// EvaluatorServer is the gRPC evaluation API. Requests and responses are
// google.protobuf.Struct values shaped like the HTTP JSON bodies.
type EvaluatorServer interface {
	Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	EnabledFlags(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var evaluatorServiceDesc = grpc.ServiceDesc{
	ServiceName: EvaluatorServiceName,
	HandlerType: (*EvaluatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryStructHandler(EvaluateMethod, EvaluatorServer.Evaluate)},
		{MethodName: "EnabledFlags", Handler: unaryStructHandler(EnabledFlagsMethod, EvaluatorServer.EnabledFlags)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flagdoc/v1/evaluator.proto",
}

// RegisterEvaluatorServer registers srv on s.
func RegisterEvaluatorServer(s grpc.ServiceRegistrar, srv EvaluatorServer) {
	s.RegisterService(&evaluatorServiceDesc, srv)
}

func unaryStructHandler(fullMethod string, call func(EvaluatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EvaluatorServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer implements EvaluatorServer on top of an Evaluator.
type GRPCServer struct {
	evaluator Evaluator
}

var _ EvaluatorServer = (*GRPCServer)(nil)

// NewGRPCServer returns the gRPC API for evaluator.
func NewGRPCServer(evaluator Evaluator) *GRPCServer {
	if evaluator == nil {
		panic("evaluator is nil")
	}
	return &GRPCServer{evaluator: evaluator}
}

// Evaluate resolves one flag ({name, context, default}) or a batch
// ({requests: [...]}) and returns {results: [...]}.
func (s *GRPCServer) Evaluate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	input, err := decodeEvaluateStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	requests, err := input.storeRequests()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	results := evaluate(s.evaluator, requests)
	items := make([]any, 0, len(results))
	for _, result := range results {
		item := map[string]any{"name": result.Name, "value": result.Value}
		if result.MatchedRule != "" {
			item["matched_rule"] = result.MatchedRule
		}
		items = append(items, item)
	}

	resp, err := structpb.NewStruct(map[string]any{"results": items})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return resp, nil
}

// EnabledFlags returns {flags: [...]} for the optional {context}.
func (s *GRPCServer) EnabledFlags(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	for key := range fields {
		if key != "context" {
			return nil, status.Errorf(codes.InvalidArgument, "unknown field %q", key)
		}
	}
	evalCtx, err := structContext(fields["context"], "context")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	names := s.evaluator.EnabledFlags(evalCtx)
	flags := make([]any, len(names))
	for i, name := range names {
		flags[i] = name
	}
	resp, err := structpb.NewStruct(map[string]any{"flags": flags})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return resp, nil
}

func decodeEvaluateStruct(req *structpb.Struct) (evaluationInput, error) {
	var input evaluationInput
	fields := req.GetFields()
	for key, value := range fields {
		switch key {
		case "name", "context", "default":
		case "requests":
			list, ok := value.GetKind().(*structpb.Value_ListValue)
			if !ok {
				return evaluationInput{}, errInvalidInput("requests must be a list")
			}
			for idx, entry := range list.ListValue.GetValues() {
				itemStruct, ok := entry.GetKind().(*structpb.Value_StructValue)
				if !ok {
					return evaluationInput{}, errInvalidInput(fmt.Sprintf("requests[%d] must be an object", idx))
				}
				item, err := decodeEvaluationItem(itemStruct.StructValue.GetFields(), fmt.Sprintf("requests[%d].", idx))
				if err != nil {
					return evaluationInput{}, err
				}
				input.Requests = append(input.Requests, item)
			}
		default:
			return evaluationInput{}, errInvalidInput(fmt.Sprintf("unknown field %q", key))
		}
	}

	single, err := decodeEvaluationItem(map[string]*structpb.Value{
		"name":    fields["name"],
		"context": fields["context"],
		"default": fields["default"],
	}, "")
	if err != nil {
		return evaluationInput{}, err
	}
	input.Name, input.Context, input.Default = single.Name, single.Context, single.Default
	return input, nil
}

func decodeEvaluationItem(fields map[string]*structpb.Value, prefix string) (evaluationItem, error) {
	var item evaluationItem
	for key, value := range fields {
		if value == nil {
			continue
		}
		switch key {
		case "name":
			kind, ok := value.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return evaluationItem{}, errInvalidInput(prefix + "name must be a string")
			}
			item.Name = kind.StringValue
		case "default":
			kind, ok := value.GetKind().(*structpb.Value_BoolValue)
			if !ok {
				return evaluationItem{}, errInvalidInput(prefix + "default must be a boolean")
			}
			item.Default = kind.BoolValue
		case "context":
			evalCtx, err := structContext(value, prefix+"context")
			if err != nil {
				return evaluationItem{}, err
			}
			item.Context = evalCtx
		default:
			return evaluationItem{}, errInvalidInput(fmt.Sprintf("unknown field %q", prefix+key))
		}
	}
	return item, nil
}

// structContext converts an optional struct value into an evaluation
// context. Numbers arrive as float64, which compare equal to integral
// condition values.
func structContext(value *structpb.Value, field string) (core.Context, error) {
	if value == nil {
		return nil, nil
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil, nil
	case *structpb.Value_StructValue:
		return core.Context(kind.StructValue.AsMap()), nil
	default:
		return nil, errInvalidInput(field + " must be an object")
	}
}

// NewHealthServer returns a health server reporting NOT_SERVING for the
// overall server and the evaluator service until [TrackReadiness] sees a
// document.
func NewHealthServer() *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(EvaluatorServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// TrackReadiness mirrors evaluator.Ready into hs every interval until ctx
// ends, then marks everything NOT_SERVING.
func TrackReadiness(ctx context.Context, hs *health.Server, evaluator Evaluator, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	set := func(ready bool) {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if ready {
			st = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(EvaluatorServiceName, st)
	}

	set(evaluator.Ready())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			set(evaluator.Ready())
		}
	}
}
