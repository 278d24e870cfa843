// Package pipeline slices a live device stream into fixed-duration segment
// files and analyzes each one in order without ever stalling capture.
package pipeline

import (
	"context"
	"time"
)

// Modality is the kind of media a pipeline captures.
type Modality string

const (
	Audio Modality = "audio"
	Video Modality = "video"
)

// Segment is one fully written segment file.
type Segment struct {
	Index          int           `json:"index"`
	Path           string        `json:"path"`
	Modality       Modality      `json:"modality"`
	Frames         int           `json:"frames"`
	Duration       time.Duration `json:"duration_ns"`
	Fingerprint    uint64        `json:"fingerprint,omitempty"`
	HasFingerprint bool          `json:"-"`
}

// WriteInfo is what a writer learned while encoding a segment.
type WriteInfo struct {
	Fingerprint    uint64
	HasFingerprint bool
}

// SegmentWriter materializes buffered chunks as one media file.
type SegmentWriter[T any] interface {
	// Ext is the file extension including the dot.
	Ext() string
	// Write encodes chunks captured at rate frames per second to path.
	Write(path string, chunks []T, rate float64) (WriteInfo, error)
}

// Analyzer turns one segment into an opaque payload.
type Analyzer interface {
	Analyze(ctx context.Context, seg Segment) (any, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, seg Segment) (any, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, seg Segment) (any, error) { return f(ctx, seg) }

// Result is the analysis outcome of one segment.
type Result struct {
	Index   int    `json:"index"`
	Path    string `json:"path"`
	Payload any    `json:"payload,omitempty"`
	Text    string `json:"text,omitempty"`
	Failed  bool   `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
	Reused  bool   `json:"reused,omitempty"`
}

// Summarizer derives text from payloads and folds a run into one summary.
type Summarizer interface {
	Text(payload any) string
	Summarize(results []Result) string
}
