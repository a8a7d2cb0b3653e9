// Package grpcapi serves the assist pipeline as the unary gRPC method
// /maestro.Maestro/Assist. Messages are JSON-coded with [grpcjson], so no
// generated code is involved; the standard gRPC health service is registered
// next to it.
package grpcapi

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/maestro/internal/observe"
	"github.com/MrWong99/maestro/internal/pipeline"
	"github.com/MrWong99/maestro/pkg/grpcjson"
	"github.com/MrWong99/maestro/pkg/stage"
)

const (
	// Binding is the binding name reported in metrics and events.
	Binding = "grpc"

	// ServiceName is the gRPC service name.
	ServiceName = "maestro.Maestro"

	// MethodAssist is the full method name of the assist call.
	MethodAssist = "/maestro.Maestro/Assist"

	// requestIDKey is the metadata key carrying the request ID.
	requestIDKey = "x-request-id"
)

// AssistRequest is the request message of [MethodAssist].
type AssistRequest struct {
	Audio       []byte `json:"audio"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// AssistReply is the response message of [MethodAssist].
type AssistReply struct {
	RequestID  string            `json:"request_id"`
	Audio      []byte            `json:"audio"`
	Transcript string            `json:"transcript,omitempty"`
	Reply      string            `json:"reply,omitempty"`
	Cache      map[string]string `json:"cache,omitempty"`
}

// assister is the service implementation handed to RegisterService.
type assister interface {
	assist(ctx context.Context, in *AssistRequest) (*AssistReply, error)
}

type service struct {
	runner pipeline.Runner
}

// Register serves r as maestro.Maestro on s.
func Register(s grpc.ServiceRegistrar, r pipeline.Runner) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*assister)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Assist",
			Handler:    assistHandler,
		}},
	}, &service{runner: r})
}

// NewServer returns a gRPC server with the JSON codec limits, the request ID
// interceptor, the assist service and a health service reporting SERVING.
func NewServer(r pipeline.Runner, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(append(grpcjson.ServerOptions(), grpc.ChainUnaryInterceptor(RequestIDInterceptor)), opts...)
	srv := grpc.NewServer(opts...)
	Register(srv, r)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return srv, hs
}

func assistHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AssistRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(assister).assist(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodAssist}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(assister).assist(ctx, req.(*AssistRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *service) assist(ctx context.Context, in *AssistRequest) (*AssistReply, error) {
	res, err := s.runner.Run(ctx, pipeline.AssistRequest{
		Audio:       in.Audio,
		Filename:    in.Filename,
		ContentType: in.ContentType,
		Binding:     Binding,
	})
	if err != nil {
		return nil, StatusError(err)
	}
	reply := &AssistReply{
		RequestID:  res.RequestID,
		Audio:      res.Audio,
		Transcript: res.Transcript,
		Reply:      res.Reply,
		Cache:      make(map[string]string, len(res.Cache)),
	}
	for n, out := range res.Cache {
		reply.Cache[string(n)] = string(out)
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDKey, res.RequestID))
	return reply, nil
}

// Code maps a pipeline error to a gRPC status code.
func Code(err error) codes.Code {
	switch stage.StatusCode(err) {
	case 200:
		return codes.OK
	case 400:
		return codes.InvalidArgument
	case 504:
		return codes.DeadlineExceeded
	default:
		return codes.Unavailable
	}
}

// StatusError converts a pipeline error into a gRPC status error whose
// message is "<stage> <kind>: <message>".
func StatusError(err error) error {
	return status.Error(Code(err), err.Error())
}

// RequestIDInterceptor adopts the caller's x-request-id metadata as the
// pipeline request ID and logs each call.
func RequestIDInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(requestIDKey); len(ids) > 0 && ids[0] != "" {
			ctx = observe.WithRequestID(ctx, ids[0])
		}
	}
	ctx, span := observe.StartSpan(ctx, "gRPC "+info.FullMethod)
	defer span.End()

	resp, err := handler(ctx, req)
	observe.Logger(ctx).Log(ctx, levelFor(err), "grpc call", "method", info.FullMethod, "code", status.Code(err).String())
	return resp, err
}

func levelFor(err error) slog.Level {
	switch status.Code(err) {
	case codes.OK:
		return slog.LevelDebug
	case codes.InvalidArgument:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}
