package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/device"
	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/events"
)

// CaptureConfig describes one capture run.
type CaptureConfig struct {
	RunID    string
	Modality Modality
	Dir      string
	Target   time.Duration
}

// CaptureWorker reads a device, cuts the stream into segment files and
// enqueues each one. It always closes its source and enqueues the sentinel.
type CaptureWorker[T any] struct {
	cfg     CaptureConfig
	source  device.Source[T]
	writer  SegmentWriter[T]
	queue   *Queue
	emitter events.Emitter
	logger  *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	next     int
	segments []Segment
}

// NewCaptureWorker wires a worker; Run starts it.
func NewCaptureWorker[T any](cfg CaptureConfig, source device.Source[T], writer SegmentWriter[T], queue *Queue, emitter events.Emitter) *CaptureWorker[T] {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &CaptureWorker[T]{
		cfg:     cfg,
		source:  source,
		writer:  writer,
		queue:   queue,
		emitter: emitter,
		logger:  slog.With("modality", cfg.Modality, "run_id", cfg.RunID),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Stop asks the worker to flush and exit after the in-flight read.
func (w *CaptureWorker[T]) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done is closed after the sentinel has been enqueued.
func (w *CaptureWorker[T]) Done() <-chan struct{} { return w.done }

// Segments lists the written segments. Valid once Done is closed.
func (w *CaptureWorker[T]) Segments() []Segment { return w.segments }

// Threshold is the number of frames in one full segment.
func Threshold(target time.Duration, rate float64) int {
	n := int(math.Round(target.Seconds() * rate))
	if n < 1 {
		return 1
	}
	return n
}

// Run captures until stop, context cancellation, end of stream or failure.
func (w *CaptureWorker[T]) Run(ctx context.Context) error {
	defer close(w.done)
	defer func() {
		if err := w.queue.Close(); err != nil {
			w.logger.Error("enqueue end of stream", "error", err)
		}
	}()
	defer func() {
		if err := w.source.Close(); err != nil {
			w.logger.Warn("close device", "error", err)
		}
	}()

	rate := w.source.Rate()
	threshold := Threshold(w.cfg.Target, rate)
	w.logger.Info("capture started", "rate", rate, "threshold_frames", threshold)

	var (
		buf    []T
		frames int
	)
	for {
		select {
		case <-w.stopCh:
			return w.flush(buf, frames, rate, "stop")
		case <-ctx.Done():
			return w.flush(buf, frames, rate, "cancelled")
		default:
		}

		chunk, err := w.source.Read(ctx)
		if err != nil {
			switch {
			case errors.Is(err, device.ErrEndOfStream):
				return w.flush(buf, frames, rate, "end of stream")
			case ctx.Err() != nil:
				return w.flush(buf, frames, rate, "cancelled")
			}
			readErr := apperrors.Wrap(err, apperrors.DeviceRead, "read device").
				WithMetadata("modality", string(w.cfg.Modality))
			if ferr := w.flush(buf, frames, rate, "read failure"); ferr != nil {
				return errors.Join(readErr, ferr)
			}
			return readErr
		}

		buf = append(buf, chunk.Data)
		frames += chunk.Frames
		if frames >= threshold {
			if err := w.emit(buf, frames, rate); err != nil {
				return err
			}
			buf, frames = nil, 0
		}
	}
}

// flush writes a non-empty partial buffer as the final segment.
func (w *CaptureWorker[T]) flush(buf []T, frames int, rate float64, reason string) error {
	w.logger.Info("capture stopping", "reason", reason, "pending_frames", frames, "segments", w.next)
	if len(buf) == 0 {
		return nil
	}
	return w.emit(buf, frames, rate)
}

func (w *CaptureWorker[T]) emit(buf []T, frames int, rate float64) error {
	index := w.next
	name := fmt.Sprintf("%s_%d%s", w.cfg.Modality, index, w.writer.Ext())
	final := filepath.Join(w.cfg.Dir, name)
	tmp := filepath.Join(w.cfg.Dir, tempPrefix+name)

	info, err := w.writer.Write(tmp, buf, rate)
	if err == nil {
		err = os.Rename(tmp, final)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return apperrors.Wrapf(err, apperrors.StorageFailed, "write segment %s", name).
			WithMetadata("index", fmt.Sprint(index))
	}

	seg := Segment{
		Index:          index,
		Path:           final,
		Modality:       w.cfg.Modality,
		Frames:         frames,
		Duration:       framesDuration(frames, rate),
		Fingerprint:    info.Fingerprint,
		HasFingerprint: info.HasFingerprint,
	}
	if err := w.queue.Put(seg); err != nil {
		return err
	}
	w.segments = append(w.segments, seg)
	w.next++

	w.logger.Debug("segment written", "index", index, "path", final, "frames", frames)
	w.emitter.Emit(events.Event{
		Type:     events.SegmentWritten,
		Modality: string(w.cfg.Modality),
		RunID:    w.cfg.RunID,
		Index:    index,
		Path:     final,
	})
	return nil
}

func framesDuration(frames int, rate float64) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(frames) / rate * float64(time.Second))
}
