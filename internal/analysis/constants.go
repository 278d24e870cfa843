package analysis

import "time"

// Service identity. Messages are google.protobuf.Struct on both sides.
const (
	ServiceName   = "capture.v1.SegmentAnalysis"
	MethodAnalyze = "/" + ServiceName + "/Analyze"
)

// Client defaults
const (
	DefaultTimeout          = 60 * time.Second
	DefaultKeepaliveTime    = 30 * time.Second
	DefaultKeepaliveTimeout = 5 * time.Second
	MaxMessageSize          = 16 << 20
)

// Request field names.
const (
	fieldPath       = "path"
	fieldModality   = "modality"
	fieldIndex      = "index"
	fieldDurationMS = "duration_ms"
	fieldPrompt     = "prompt"
)
