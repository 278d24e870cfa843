package pipeline

import "time"

const (
	// DefaultDequeueWait bounds one analysis dequeue.
	DefaultDequeueWait = time.Second
	// AnalysisLogName holds the ordered raw analysis payloads of a run.
	AnalysisLogName = "analysis.json"
	// TranscriptLogName holds the ordered derived text of a run.
	TranscriptLogName = "transcripts.json"

	runStampLayout = "20060102_150405"
	tempPrefix     = ".tmp-"
	idLength       = 8
)
