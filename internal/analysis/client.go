// Package analysis talks to the segment analysis service over gRPC.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/trace"
)

// Client analyzes segments through the remote service.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	prompts map[pipeline.Modality]string
}

// Dial connects to addr. Extra options are appended to the defaults.
func Dial(addr string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(trace.UnaryClientInterceptor()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                DefaultKeepaliveTime,
			Timeout:             DefaultKeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(MaxMessageSize)),
	}
	conn, err := grpc.NewClient(addr, append(base, opts...)...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ConfigInvalid, "analysis address %q", addr)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	slog.Info("analysis client ready", "addr", addr, "timeout", timeout)
	return &Client{
		conn:    conn,
		timeout: timeout,
		prompts: map[pipeline.Modality]string{
			pipeline.Audio: DefaultPrompt(pipeline.Audio),
			pipeline.Video: DefaultPrompt(pipeline.Video),
		},
	}, nil
}

// SetPrompt overrides the instruction sent for a modality.
func (c *Client) SetPrompt(m pipeline.Modality, prompt string) {
	c.prompts[m] = prompt
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Analyze implements pipeline.Analyzer.
func (c *Client) Analyze(ctx context.Context, seg pipeline.Segment) (any, error) {
	req, err := structpb.NewStruct(map[string]any{
		fieldPath:       seg.Path,
		fieldModality:   string(seg.Modality),
		fieldIndex:      seg.Index,
		fieldDurationMS: seg.Duration.Milliseconds(),
		fieldPrompt:     c.prompts[seg.Modality],
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "build analysis request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, MethodAnalyze, req, resp); err != nil {
		return nil, apperrors.Wrap(apperrors.FromGRPCError(err), apperrors.AnalysisFailed, "analyze segment").
			WithMetadata("modality", string(seg.Modality)).
			WithMetadata("index", fmt.Sprint(seg.Index))
	}
	return resp.AsMap(), nil
}
