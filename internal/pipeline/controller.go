package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/device"
	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/events"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/syncx"
)

// ErrNotRunning is returned by Stop when no run is active.
var ErrNotRunning = apperrors.New(apperrors.StopWithoutStart, "no run is active")

// State is the lifecycle stage of a run.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	return [...]string{"idle", "running", "stopping", "stopped"}[s]
}

// Config configures a controller.
type Config struct {
	Modality        Modality
	Root            string
	SegmentDuration time.Duration
	DequeueWait     time.Duration
	ReuseDistance   int
}

// Ack acknowledges a started run.
type Ack struct {
	RunID     string    `json:"run_id"`
	Modality  Modality  `json:"modality"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"started_at"`
}

// Summary is the aggregated view of a stopped run.
type Summary struct {
	RunID        string    `json:"run_id,omitempty"`
	Modality     Modality  `json:"modality"`
	Dir          string    `json:"dir"`
	Text         string    `json:"text"`
	Segments     []Segment `json:"segments,omitempty"`
	Results      []Result  `json:"results"`
	CaptureError string    `json:"capture_error,omitempty"`
	PersistError string    `json:"persist_error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
}

// Pipeline is the modality-independent lifecycle of a controller.
type Pipeline interface {
	Modality() Modality
	StartIn(ctx context.Context, parent string) (Ack, error)
	Stop(ctx context.Context) (Summary, error)
	State() State
}

// Controller owns one capture/analysis worker pair per run.
type Controller[T any] struct {
	cfg        Config
	open       device.Opener[T]
	writer     SegmentWriter[T]
	analyzer   Analyzer
	summarizer Summarizer
	emitter    events.Emitter

	active syncx.Slot[*run[T]]
	last   atomic.Int32
}

type run[T any] struct {
	ack      Ack
	state    atomic.Int32
	launched chan struct{}
	startErr error

	capture  *CaptureWorker[T]
	analysis *AnalysisWorker
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	captureErr error
	results    []Result
	persistErr error
}

// NewController builds a controller. The device is opened on every Start.
func NewController[T any](cfg Config, open device.Opener[T], writer SegmentWriter[T], analyzer Analyzer, summarizer Summarizer, emitter events.Emitter) *Controller[T] {
	if summarizer == nil {
		summarizer = SummarizerFor(cfg.Modality)
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Controller[T]{
		cfg:        cfg,
		open:       open,
		writer:     writer,
		analyzer:   analyzer,
		summarizer: summarizer,
		emitter:    emitter,
	}
}

// Modality implements Pipeline.
func (c *Controller[T]) Modality() Modality { return c.cfg.Modality }

// State reports the active run's state, or the last run's when idle.
func (c *Controller[T]) State() State {
	if r, ok := c.active.Peek(); ok {
		return State(r.state.Load())
	}
	return State(c.last.Load())
}

// RunDirName names a run directory after its start time and id.
func RunDirName(started time.Time, id string) string {
	if len(id) > idLength {
		id = id[:idLength]
	}
	return started.Format(runStampLayout) + "_" + id
}

// Start begins a run in a fresh directory under the configured root.
func (c *Controller[T]) Start(ctx context.Context) (Ack, error) {
	return c.start(ctx, "")
}

// StartIn begins a run in <parent>/<modality>, for sessions sharing a parent.
func (c *Controller[T]) StartIn(ctx context.Context, parent string) (Ack, error) {
	if parent == "" {
		return Ack{}, apperrors.New(apperrors.ConfigInvalid, "empty session directory")
	}
	return c.start(ctx, parent)
}

func (c *Controller[T]) start(ctx context.Context, parent string) (Ack, error) {
	id := uuid.NewString()
	now := time.Now()
	if parent == "" {
		parent = filepath.Join(c.cfg.Root, RunDirName(now, id))
	}
	r := &run[T]{
		ack: Ack{
			RunID:     id,
			Modality:  c.cfg.Modality,
			Dir:       filepath.Join(parent, string(c.cfg.Modality)),
			StartedAt: now,
		},
		launched: make(chan struct{}),
	}
	if !c.active.TrySet(r) {
		return Ack{}, apperrors.Newf(apperrors.AlreadyRunning, "%s capture is already running", c.cfg.Modality)
	}
	defer close(r.launched)

	if err := c.launch(ctx, r); err != nil {
		r.startErr = err
		c.active.TakeIf(func(cur *run[T]) bool { return cur == r })
		return Ack{}, err
	}

	slog.Info("run started", "modality", c.cfg.Modality, "run_id", id, "dir", r.ack.Dir)
	c.emitter.Emit(events.Event{Type: events.RunStarted, Modality: string(c.cfg.Modality), RunID: id, Path: r.ack.Dir})
	return r.ack, nil
}

func (c *Controller[T]) launch(ctx context.Context, r *run[T]) error {
	src, err := c.open(ctx)
	if err != nil {
		if apperrors.IsCode(err, apperrors.DeviceUnavailable) {
			return err
		}
		return apperrors.Wrapf(err, apperrors.DeviceUnavailable, "open %s device", c.cfg.Modality)
	}
	if err := os.MkdirAll(r.ack.Dir, 0o755); err != nil {
		_ = src.Close()
		return apperrors.Wrapf(err, apperrors.StorageFailed, "create run directory %s", r.ack.Dir)
	}

	queue := NewQueue()
	r.capture = NewCaptureWorker(CaptureConfig{
		RunID:    r.ack.RunID,
		Modality: c.cfg.Modality,
		Dir:      r.ack.Dir,
		Target:   c.cfg.SegmentDuration,
	}, src, c.writer, queue, c.emitter)
	r.analysis = NewAnalysisWorker(AnalysisConfig{
		RunID:         r.ack.RunID,
		Modality:      c.cfg.Modality,
		Dir:           r.ack.Dir,
		Wait:          c.cfg.DequeueWait,
		ReuseDistance: c.cfg.ReuseDistance,
	}, queue, c.analyzer, c.summarizer, r.capture.Done(), c.emitter)

	// Workers outlive the request that started them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.state.Store(int32(Running))

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.captureErr = r.capture.Run(runCtx)
		if r.captureErr != nil {
			slog.Error("capture failed", "modality", c.cfg.Modality, "run_id", r.ack.RunID, "error", r.captureErr)
		}
	}()
	go func() {
		defer r.wg.Done()
		r.results, r.persistErr = r.analysis.Run(runCtx)
	}()
	return nil
}

// Stop flushes the active run and blocks until both workers have exited.
// If ctx ends first, in-flight analyses are cancelled but Stop still waits.
// The summary is returned even when an error is.
func (c *Controller[T]) Stop(ctx context.Context) (Summary, error) {
	r, ok := c.active.Peek()
	if !ok {
		return Summary{}, ErrNotRunning
	}
	<-r.launched
	if r.startErr != nil || !r.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return Summary{}, ErrNotRunning
	}

	slog.Info("run stopping", "modality", c.cfg.Modality, "run_id", r.ack.RunID)
	r.capture.Stop()

	joined := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-ctx.Done():
		slog.Warn("stop deadline reached, cancelling analysis", "modality", c.cfg.Modality, "run_id", r.ack.RunID)
		r.cancel()
		<-joined
	}
	r.cancel()

	sum := Summary{
		RunID:     r.ack.RunID,
		Modality:  c.cfg.Modality,
		Dir:       r.ack.Dir,
		Text:      c.summarizer.Summarize(r.results),
		Segments:  r.capture.Segments(),
		Results:   r.results,
		StartedAt: r.ack.StartedAt,
		StoppedAt: time.Now(),
	}
	if sum.Results == nil {
		sum.Results = []Result{}
	}
	if r.captureErr != nil {
		sum.CaptureError = r.captureErr.Error()
	}
	if r.persistErr != nil {
		sum.PersistError = r.persistErr.Error()
	}

	r.state.Store(int32(Stopped))
	c.last.Store(int32(Stopped))
	c.active.TakeIf(func(cur *run[T]) bool { return cur == r })

	slog.Info("run stopped", "modality", c.cfg.Modality, "run_id", r.ack.RunID,
		"segments", len(sum.Segments), "results", len(sum.Results))
	c.emitter.Emit(events.Event{
		Type:     events.RunStopped,
		Modality: string(c.cfg.Modality),
		RunID:    r.ack.RunID,
		Index:    len(sum.Results),
		Path:     r.ack.Dir,
		Failed:   r.captureErr != nil,
	})

	return sum, errors.Join(r.captureErr, r.persistErr)
}

// LoadSummary rebuilds the summary of a persisted run directory.
func LoadSummary(dir string, s Summarizer) (Summary, error) {
	results, err := ReadResults(dir)
	if err != nil {
		return Summary{Dir: dir}, err
	}
	m := Modality(filepath.Base(dir))
	if s == nil {
		s = SummarizerFor(m)
	}
	return Summary{Modality: m, Dir: dir, Text: s.Summarize(results), Results: results}, nil
}
