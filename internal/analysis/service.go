package analysis

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"
)

// Request is the decoded form of an analysis call.
type Request struct {
	Path     string
	Modality pipeline.Modality
	Index    int
	Duration time.Duration
	Prompt   string
}

// Handler serves analysis calls.
type Handler interface {
	Analyze(ctx context.Context, req Request) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (map[string]any, error)

func (f HandlerFunc) Analyze(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// ServiceDesc describes the analysis service without generated stubs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Analyze", Handler: analyzeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "capture/v1/analysis.proto",
}

// Register installs h on s.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

func analyzeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	h := srv.(Handler)
	call := func(ctx context.Context, req any) (any, error) {
		return serve(ctx, h, req.(*structpb.Struct))
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodAnalyze}, call)
}

func serve(ctx context.Context, h Handler, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	req := Request{
		Path:     f[fieldPath].GetStringValue(),
		Modality: pipeline.Modality(f[fieldModality].GetStringValue()),
		Index:    int(f[fieldIndex].GetNumberValue()),
		Duration: time.Duration(f[fieldDurationMS].GetNumberValue()) * time.Millisecond,
		Prompt:   f[fieldPrompt].GetStringValue(),
	}
	if req.Path == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}
	out, err := h.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode analysis: %v", err)
	}
	return resp, nil
}
