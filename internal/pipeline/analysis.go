package pipeline

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/events"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/media/fingerprint"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/trace"
)

// AnalysisConfig describes the consumer side of one run.
type AnalysisConfig struct {
	RunID    string
	Modality Modality
	Dir      string
	Wait     time.Duration
	// ReuseDistance enables static-frame reuse when positive: a segment whose
	// fingerprint is within this Hamming distance of the previous analyzed
	// segment reuses its payload.
	ReuseDistance int
}

// AnalysisWorker drains a queue in order and analyzes each segment.
type AnalysisWorker struct {
	cfg         AnalysisConfig
	queue       *Queue
	analyzer    Analyzer
	summarizer  Summarizer
	captureDone <-chan struct{}
	emitter     events.Emitter
	logger      *slog.Logger

	last *reference
}

type reference struct {
	fingerprint uint64
	result      Result
}

// NewAnalysisWorker wires a worker. captureDone is the paired capture
// worker's Done channel, used to stop waiting if the sentinel never comes.
func NewAnalysisWorker(cfg AnalysisConfig, queue *Queue, analyzer Analyzer, summarizer Summarizer, captureDone <-chan struct{}, emitter events.Emitter) *AnalysisWorker {
	if cfg.Wait <= 0 {
		cfg.Wait = DefaultDequeueWait
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &AnalysisWorker{
		cfg:         cfg,
		queue:       queue,
		analyzer:    analyzer,
		summarizer:  summarizer,
		captureDone: captureDone,
		emitter:     emitter,
		logger:      slog.With("modality", cfg.Modality, "run_id", cfg.RunID),
	}
}

// Run drains until the sentinel, persists the result log and returns it.
// Cancelling ctx fails the remaining analyses fast but the queue is still
// drained so every written segment gets a result.
func (w *AnalysisWorker) Run(ctx context.Context) ([]Result, error) {
	var results []Result
	for {
		item, ok := w.queue.Get(context.Background(), w.cfg.Wait)
		if !ok {
			if !closed(w.captureDone) {
				continue
			}
			// The sentinel precedes Done, so an empty queue now means it is missing.
			if item, ok = w.queue.TryGet(); !ok {
				w.logger.Warn("capture ended without end of stream",
					"code", apperrors.QueueProtocol, "results", len(results))
				break
			}
		}
		if item.End {
			break
		}
		results = append(results, w.analyze(ctx, item.Segment))
	}

	w.logger.Info("analysis drained", "results", len(results))
	err := writeResultLogs(w.cfg.Dir, results)
	if err != nil {
		w.logger.Error("persist result log", "error", err)
	}
	return results, err
}

func (w *AnalysisWorker) analyze(ctx context.Context, seg Segment) Result {
	res := Result{Index: seg.Index, Path: seg.Path}

	if prev, ok := w.reusable(seg); ok {
		res.Payload, res.Text, res.Reused = prev.Payload, prev.Text, true
		w.logger.Debug("reusing analysis of static segment", "index", seg.Index, "from", prev.Index)
		w.publish(res)
		return res
	}

	ctx, span := trace.StartSpan(ctx, "analyze_segment")
	span.SetAttr("modality", string(seg.Modality))
	span.SetAttr("index", seg.Index)
	defer span.End()

	var (
		payload any
		err     error
	)
	if ctx.Err() != nil {
		err = apperrors.Wrap(ctx.Err(), apperrors.Cancelled, "analysis cancelled")
	} else {
		payload, err = w.analyzer.Analyze(ctx, seg)
	}
	if err != nil {
		res.Failed = true
		res.Error = err.Error()
		span.SetAttr("error", res.Error)
		trace.Logger(ctx).Warn("segment analysis failed",
			"modality", seg.Modality, "index", seg.Index, "code", apperrors.CodeOf(err), "error", err)
		w.last = nil
	} else {
		res.Payload = payload
		res.Text = w.summarizer.Text(payload)
		if seg.HasFingerprint {
			w.last = &reference{fingerprint: seg.Fingerprint, result: res}
		}
	}
	w.publish(res)
	return res
}

func (w *AnalysisWorker) reusable(seg Segment) (Result, bool) {
	if w.cfg.ReuseDistance <= 0 || !seg.HasFingerprint || w.last == nil {
		return Result{}, false
	}
	if fingerprint.Distance(w.last.fingerprint, seg.Fingerprint) > w.cfg.ReuseDistance {
		return Result{}, false
	}
	return w.last.result, true
}

func (w *AnalysisWorker) publish(res Result) {
	w.emitter.Emit(events.Event{
		Type:     events.SegmentAnalyzed,
		Modality: string(w.cfg.Modality),
		RunID:    w.cfg.RunID,
		Index:    res.Index,
		Path:     res.Path,
		Failed:   res.Failed,
		Text:     res.Text,
	})
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
