// Package session runs the audio and video pipelines as one capture session
// per interview answer.
package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/events"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"
)

// NoSessionMessage is reported by Stop when nothing is recording.
const NoSessionMessage = "no capture session is running"

// Result merges both modalities of a stopped session.
type Result struct {
	SessionID    string    `json:"session_id,omitempty"`
	AudioSummary string    `json:"audio_summary"`
	VideoSummary string    `json:"video_summary"`
	AudioDir     string    `json:"audio_dir"`
	VideoDir     string    `json:"video_dir"`
	AudioError   string    `json:"audio_error,omitempty"`
	VideoError   string    `json:"video_error,omitempty"`
	Error        string    `json:"error,omitempty"`
	Expired      bool      `json:"expired,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	StoppedAt    time.Time `json:"stopped_at,omitzero"`
}

// Ack acknowledges a started session. A modality that failed to start
// reports its error while the other keeps recording.
type Ack struct {
	SessionID   string        `json:"session_id"`
	Dir         string        `json:"dir"`
	Audio       *pipeline.Ack `json:"audio,omitempty"`
	Video       *pipeline.Ack `json:"video,omitempty"`
	AudioError  string        `json:"audio_error,omitempty"`
	VideoError  string        `json:"video_error,omitempty"`
	MaxDuration time.Duration `json:"max_duration_ns,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
}

// StartOptions tunes one session.
type StartOptions struct {
	// MaxDuration stops the session automatically; zero uses the
	// controller default and a negative value disables the watchdog.
	MaxDuration time.Duration
}

// Record is what a Recorder persists for a finished session.
type Record struct {
	Result Result
	Audio  pipeline.Summary
	Video  pipeline.Summary
}

// Recorder persists finished sessions.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Options configures a Controller.
type Options struct {
	Root        string
	LockPath    string // empty disables the cross-process device lock
	Recorder    Recorder
	Emitter     events.Emitter
	MaxDuration time.Duration
}

// Controller coordinates one audio and one video pipeline.
type Controller struct {
	audio pipeline.Pipeline
	video pipeline.Pipeline
	opts  Options

	mu      sync.Mutex
	active  *session
	expired *session // stopped by the watchdog, held for the next Stop
}

type session struct {
	ack      Ack
	lock     *flock.Flock
	watchdog *time.Timer
	stopping bool
	byTimer  bool
	audioErr error
	videoErr error

	done   chan struct{}
	result Result
	err    error
}

// New creates a controller over an audio and a video pipeline.
func New(audio, video pipeline.Pipeline, opts Options) *Controller {
	if opts.Emitter == nil {
		opts.Emitter = events.Nop{}
	}
	return &Controller{audio: audio, video: video, opts: opts}
}

// Active returns the running session's ack.
func (c *Controller) Active() (Ack, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return Ack{}, false
	}
	return c.active.ack, true
}

// Start launches both pipelines in a fresh session directory. It fails only
// when neither modality could start.
func (c *Controller) Start(ctx context.Context, opts StartOptions) (Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return Ack{}, apperrors.New(apperrors.AlreadyRunning, "a capture session is already running")
	}
	if c.expired != nil {
		slog.Warn("discarding unclaimed expired session", "session_id", c.expired.ack.SessionID)
		c.expired = nil
	}

	lock, err := c.acquire()
	if err != nil {
		return Ack{}, err
	}

	id := uuid.NewString()
	now := time.Now()
	s := &session{
		ack: Ack{
			SessionID: id,
			Dir:       filepath.Join(c.opts.Root, pipeline.RunDirName(now, id)),
			StartedAt: now,
		},
		lock: lock,
		done: make(chan struct{}),
	}
	if err := os.MkdirAll(s.ack.Dir, 0o755); err != nil {
		c.release(s)
		return Ack{}, apperrors.Wrapf(err, apperrors.StorageFailed, "create session directory %s", s.ack.Dir)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.ack.Audio, s.audioErr = startOne(ctx, c.audio, s.ack.Dir)
	}()
	go func() {
		defer wg.Done()
		s.ack.Video, s.videoErr = startOne(ctx, c.video, s.ack.Dir)
	}()
	wg.Wait()

	if s.audioErr != nil && s.videoErr != nil {
		c.release(s)
		return Ack{}, errors.Join(s.audioErr, s.videoErr)
	}
	if s.audioErr != nil {
		s.ack.AudioError = s.audioErr.Error()
		slog.Warn("audio failed to start, recording video only", "session_id", id, "error", s.audioErr)
	}
	if s.videoErr != nil {
		s.ack.VideoError = s.videoErr.Error()
		slog.Warn("video failed to start, recording audio only", "session_id", id, "error", s.videoErr)
	}

	limit := opts.MaxDuration
	if limit == 0 {
		limit = c.opts.MaxDuration
	}
	if limit > 0 {
		s.ack.MaxDuration = limit
		s.watchdog = time.AfterFunc(limit, func() { c.expire(s) })
	}

	c.active = s
	slog.Info("session started", "session_id", id, "dir", s.ack.Dir, "max_duration", limit)
	return s.ack, nil
}

func startOne(ctx context.Context, p pipeline.Pipeline, dir string) (*pipeline.Ack, error) {
	if p == nil {
		return nil, apperrors.New(apperrors.DeviceUnavailable, "modality not configured")
	}
	ack, err := p.StartIn(ctx, dir)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// Stop stops both pipelines concurrently and merges their summaries. With no
// session running it returns a Result carrying NoSessionMessage and no error,
// unless the watchdog stopped a session nobody has collected yet.
func (c *Controller) Stop(ctx context.Context) (Result, error) {
	c.mu.Lock()
	s := c.active
	switch {
	case s == nil && c.expired != nil:
		held := c.expired
		c.expired = nil
		c.mu.Unlock()
		return held.result, held.err
	case s == nil:
		c.mu.Unlock()
		return Result{Error: NoSessionMessage}, nil
	case s.stopping && s.byTimer:
		// The watchdog is already stopping it; collect its result.
		c.mu.Unlock()
		<-s.done
		c.mu.Lock()
		if c.expired == s {
			c.expired = nil
		}
		c.mu.Unlock()
		return s.result, s.err
	case s.stopping:
		c.mu.Unlock()
		return Result{Error: NoSessionMessage}, nil
	}
	s.stopping = true
	c.mu.Unlock()

	c.finish(ctx, s)
	return s.result, s.err
}

// expire is the watchdog callback.
func (c *Controller) expire(s *session) {
	c.mu.Lock()
	if c.active != s || s.stopping {
		c.mu.Unlock()
		return
	}
	s.stopping = true
	s.byTimer = true
	c.mu.Unlock()

	slog.Info("max duration reached, stopping session", "session_id", s.ack.SessionID, "max_duration", s.ack.MaxDuration)
	c.finish(context.Background(), s)
	c.opts.Emitter.Emit(events.Event{Type: events.SessionExpired, RunID: s.ack.SessionID, Path: s.ack.Dir})
}

// finish stops the pipelines, fills s.result and s.err, releases the
// session and closes s.done.
func (c *Controller) finish(ctx context.Context, s *session) {
	if s.watchdog != nil {
		s.watchdog.Stop()
	}

	var audio, video pipeline.Summary
	var audioErr, videoErr error
	var wg sync.WaitGroup
	if s.ack.Audio != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			audio, audioErr = c.audio.Stop(ctx)
		}()
	}
	if s.ack.Video != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			video, videoErr = c.video.Stop(ctx)
		}()
	}
	wg.Wait()

	res := Result{
		SessionID:    s.ack.SessionID,
		AudioSummary: audio.Text,
		VideoSummary: video.Text,
		AudioDir:     filepath.Join(s.ack.Dir, string(pipeline.Audio)),
		VideoDir:     filepath.Join(s.ack.Dir, string(pipeline.Video)),
		AudioError:   errString(s.audioErr, audioErr),
		VideoError:   errString(s.videoErr, videoErr),
		Expired:      s.byTimer,
		StartedAt:    s.ack.StartedAt,
		StoppedAt:    time.Now(),
	}
	if s.ack.Audio != nil {
		res.AudioDir = s.ack.Audio.Dir
	}
	if s.ack.Video != nil {
		res.VideoDir = s.ack.Video.Dir
	}
	if res.AudioError != "" && res.VideoError != "" {
		res.Error = "both modalities failed"
	}
	s.result = res
	s.err = errors.Join(audioErr, videoErr)

	c.mu.Lock()
	c.release(s)
	if c.active == s {
		c.active = nil
	}
	if s.byTimer {
		c.expired = s
	}
	c.mu.Unlock()
	close(s.done)

	slog.Info("session stopped", "session_id", res.SessionID, "expired", res.Expired,
		"audio_segments", len(audio.Results), "video_segments", len(video.Results))

	if c.opts.Recorder != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.opts.Recorder.Record(rctx, Record{Result: res, Audio: audio, Video: video}); err != nil {
			slog.Error("failed to record session", "session_id", res.SessionID, "error", err)
		}
	}
}

// Record runs one session until stop is closed, ctx ends or maxDuration
// elapses, and returns the merged result.
func (c *Controller) Record(ctx context.Context, maxDuration time.Duration, stop <-chan struct{}) (Result, error) {
	if _, err := c.Start(ctx, StartOptions{MaxDuration: -1}); err != nil {
		return Result{Error: err.Error()}, err
	}

	var timeout <-chan time.Time
	if maxDuration > 0 {
		t := time.NewTimer(maxDuration)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-stop:
	case <-ctx.Done():
		slog.Info("recording cancelled")
	case <-timeout:
		slog.Info("max duration reached", "max_duration", maxDuration)
	}
	return c.Stop(ctx)
}

func (c *Controller) acquire() (*flock.Flock, error) {
	if c.opts.LockPath == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.opts.LockPath), 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.StorageFailed, "create lock directory")
	}
	lock := flock.New(c.opts.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.DeviceUnavailable, "acquire device lock %s", c.opts.LockPath)
	}
	if !ok {
		return nil, apperrors.Newf(apperrors.AlreadyRunning, "capture devices are locked by another process (%s)", c.opts.LockPath)
	}
	return lock, nil
}

func (c *Controller) release(s *session) {
	if s.lock == nil {
		return
	}
	if err := s.lock.Unlock(); err != nil {
		slog.Warn("failed to release device lock", "path", c.opts.LockPath, "error", err)
	}
	s.lock = nil
}

func errString(errs ...error) string {
	if err := errors.Join(errs...); err != nil {
		return err.Error()
	}
	return ""
}
