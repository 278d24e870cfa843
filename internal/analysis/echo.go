package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"
)

// EchoHandler answers with segment metadata in the shape real analyzers use.
// It backs the local development server and end-to-end tests.
type EchoHandler struct{}

func (EchoHandler) Analyze(_ context.Context, req Request) (map[string]any, error) {
	info, err := os.Stat(req.Path)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "segment %s: %v", req.Path, err)
	}
	name := filepath.Base(req.Path)
	if req.Modality == pipeline.Video {
		return map[string]any{
			"video_analysis": fmt.Sprintf("segment %d (%s, %d bytes, %dms)", req.Index, name, info.Size(), req.Duration.Milliseconds()),
		}, nil
	}
	return map[string]any{
		"transcript": fmt.Sprintf("segment %d", req.Index),
		"audio_analysis": map[string]any{
			"file":        name,
			"bytes":       info.Size(),
			"duration_ms": req.Duration.Milliseconds(),
		},
	}, nil
}
