package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/events"
	"github.com/GriffinCanCode/good-listener/backend/capture/internal/pipeline"
)

// fakePipeline records lifecycle calls. onStop runs inside Stop before it returns.
type fakePipeline struct {
	modality pipeline.Modality
	startErr error
	stopErr  error
	text     string
	onStop   func()

	mu      sync.Mutex
	running bool
	dirs    []string
	starts  int
	stops   int
}

func newFake(m pipeline.Modality) *fakePipeline {
	return &fakePipeline{modality: m, text: string(m) + " summary"}
}

func (f *fakePipeline) Modality() pipeline.Modality { return f.modality }

func (f *fakePipeline) StartIn(_ context.Context, parent string) (pipeline.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return pipeline.Ack{}, f.startErr
	}
	if f.running {
		return pipeline.Ack{}, apperrors.New(apperrors.AlreadyRunning, "running")
	}
	f.running = true
	dir := filepath.Join(parent, string(f.modality))
	f.dirs = append(f.dirs, dir)
	return pipeline.Ack{RunID: "run", Modality: f.modality, Dir: dir, StartedAt: time.Now()}, nil
}

func (f *fakePipeline) Stop(context.Context) (pipeline.Summary, error) {
	if f.onStop != nil {
		f.onStop()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if !f.running {
		return pipeline.Summary{}, pipeline.ErrNotRunning
	}
	f.running = false
	return pipeline.Summary{Modality: f.modality, Dir: f.dirs[len(f.dirs)-1], Text: f.text}, f.stopErr
}

func (f *fakePipeline) State() pipeline.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return pipeline.Running
	}
	return pipeline.Idle
}

func (f *fakePipeline) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type memRecorder struct {
	mu   sync.Mutex
	recs []Record
}

func (m *memRecorder) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func newController(t *testing.T, opts Options) (*Controller, *fakePipeline, *fakePipeline) {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	a, v := newFake(pipeline.Audio), newFake(pipeline.Video)
	return New(a, v, opts), a, v
}

func TestStartStopMergesSummaries(t *testing.T) {
	rec := &memRecorder{}
	c, a, v := newController(t, Options{Recorder: rec})

	ack, err := c.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ack.Audio == nil || ack.Video == nil {
		t.Fatalf("ack = %+v, want both modalities", ack)
	}
	if filepath.Dir(ack.Audio.Dir) != ack.Dir || filepath.Dir(ack.Video.Dir) != ack.Dir {
		t.Errorf("modality dirs %s, %s not under session dir %s", ack.Audio.Dir, ack.Video.Dir, ack.Dir)
	}
	if got, ok := c.Active(); !ok || got.SessionID != ack.SessionID {
		t.Errorf("Active() = %+v, %v", got, ok)
	}

	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	want := Result{
		SessionID:    ack.SessionID,
		AudioSummary: "audio summary",
		VideoSummary: "video summary",
		AudioDir:     ack.Audio.Dir,
		VideoDir:     ack.Video.Dir,
	}
	if res.SessionID != want.SessionID || res.AudioSummary != want.AudioSummary || res.VideoSummary != want.VideoSummary ||
		res.AudioDir != want.AudioDir || res.VideoDir != want.VideoDir || res.Error != "" {
		t.Errorf("Stop() = %+v, want %+v", res, want)
	}
	if a.State() != pipeline.Idle || v.State() != pipeline.Idle {
		t.Error("pipelines still running after Stop")
	}
	if _, ok := c.Active(); ok {
		t.Error("session still active after Stop")
	}
	if len(rec.recs) != 1 || rec.recs[0].Result.SessionID != ack.SessionID || rec.recs[0].Audio.Text != "audio summary" {
		t.Errorf("recorder got %+v", rec.recs)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"audio_summary"`, `"video_summary"`, `"audio_dir"`, `"video_dir"`} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("JSON %s missing %s", raw, key)
		}
	}
}

func TestStartWhileRunning(t *testing.T) {
	c, a, _ := newController(t, Options{})
	if _, err := c.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(context.Background())

	_, err := c.Start(context.Background(), StartOptions{})
	if !apperrors.IsCode(err, apperrors.AlreadyRunning) {
		t.Errorf("second Start() error = %v, want ALREADY_RUNNING", err)
	}
	if starts, _ := a.counts(); starts != 1 {
		t.Errorf("audio started %d times, want 1", starts)
	}
}

func TestStopWithoutSession(t *testing.T) {
	c, a, v := newController(t, Options{})

	for i := 0; i < 2; i++ {
		res, err := c.Stop(context.Background())
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		if res.Error != NoSessionMessage {
			t.Errorf("Stop() = %+v, want error %q", res, NoSessionMessage)
		}
	}
	if _, stops := a.counts(); stops != 0 {
		t.Errorf("audio stopped %d times, want 0", stops)
	}
	if _, stops := v.counts(); stops != 0 {
		t.Errorf("video stopped %d times, want 0", stops)
	}
}

func TestOneModalityFailsToStart(t *testing.T) {
	c, a, v := newController(t, Options{})
	v.startErr = apperrors.New(apperrors.DeviceUnavailable, "no camera")

	ack, err := c.Start(context.Background(), StartOptions{})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if ack.Video != nil || ack.VideoError == "" || ack.Audio == nil {
		t.Errorf("ack = %+v, want audio only with video error", ack)
	}

	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if res.AudioSummary != "audio summary" || res.VideoSummary != "" {
		t.Errorf("summaries = %q / %q", res.AudioSummary, res.VideoSummary)
	}
	if !strings.Contains(res.VideoError, "no camera") {
		t.Errorf("VideoError = %q, want start failure", res.VideoError)
	}
	if _, stops := v.counts(); stops != 0 {
		t.Errorf("video stopped %d times, want 0", stops)
	}
	if _, stops := a.counts(); stops != 1 {
		t.Errorf("audio stopped %d times, want 1", stops)
	}
}

func TestBothModalitiesFailToStart(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "capture.lock")
	c, a, v := newController(t, Options{LockPath: lock})
	a.startErr = apperrors.New(apperrors.DeviceUnavailable, "no mic")
	v.startErr = apperrors.New(apperrors.DeviceUnavailable, "no camera")

	_, err := c.Start(context.Background(), StartOptions{})
	if !apperrors.IsCode(err, apperrors.DeviceUnavailable) {
		t.Fatalf("Start() error = %v, want DEVICE_UNAVAILABLE", err)
	}
	if _, ok := c.Active(); ok {
		t.Error("failed start left a session active")
	}

	// The lock was released, so a healthy controller can take it.
	other, _, _ := newController(t, Options{LockPath: lock})
	if _, err := other.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatalf("Start() after failed start error = %v", err)
	}
	other.Stop(context.Background())
}

func TestDeviceLockAcrossControllers(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "locks", "capture.lock")
	first, _, _ := newController(t, Options{LockPath: lock})
	second, _, _ := newController(t, Options{LockPath: lock})

	if _, err := first.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := second.Start(context.Background(), StartOptions{}); !apperrors.IsCode(err, apperrors.AlreadyRunning) {
		t.Errorf("second controller Start() error = %v, want ALREADY_RUNNING", err)
	}
	if _, err := first.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := second.Start(context.Background(), StartOptions{}); err != nil {
		t.Errorf("Start() after release error = %v", err)
	}
	second.Stop(context.Background())
}

func TestStopsModalitiesConcurrently(t *testing.T) {
	c, a, v := newController(t, Options{})
	var entered sync.WaitGroup
	entered.Add(2)
	both := make(chan struct{})
	go func() {
		entered.Wait()
		close(both)
	}()
	wait := func() {
		entered.Done()
		select {
		case <-both:
		case <-time.After(2 * time.Second):
			t.Error("modalities were not stopped concurrently")
		}
	}
	a.onStop, v.onStop = wait, wait

	if _, err := c.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestStopReportsLifecycleErrors(t *testing.T) {
	c, a, _ := newController(t, Options{})
	a.stopErr = apperrors.New(apperrors.DeviceRead, "mic unplugged")

	if _, err := c.Start(context.Background(), StartOptions{}); err != nil {
		t.Fatal(err)
	}
	res, err := c.Stop(context.Background())
	if !apperrors.IsCode(err, apperrors.DeviceRead) {
		t.Errorf("Stop() error = %v, want DEVICE_READ", err)
	}
	if res.AudioSummary != "audio summary" || res.VideoSummary != "video summary" {
		t.Errorf("summaries lost on error: %+v", res)
	}
	if !strings.Contains(res.AudioError, "mic unplugged") || res.VideoError != "" {
		t.Errorf("errors = %q / %q", res.AudioError, res.VideoError)
	}
}

func TestWatchdogHoldsResult(t *testing.T) {
	bus := events.NewBus(10, 10)
	c, a, _ := newController(t, Options{Emitter: bus})

	ack, err := c.Start(context.Background(), StartOptions{MaxDuration: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-bus.Events():
		if e.Type != events.SessionExpired || e.RunID != ack.SessionID {
			t.Errorf("event = %+v, want session_expired for %s", e, ack.SessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	if a.State() != pipeline.Idle {
		t.Error("audio still running after watchdog")
	}

	res, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !res.Expired || res.SessionID != ack.SessionID || res.AudioSummary != "audio summary" {
		t.Errorf("held result = %+v", res)
	}
	if res, _ = c.Stop(context.Background()); res.Error != NoSessionMessage {
		t.Errorf("second Stop() = %+v, want no session", res)
	}
}

func TestDefaultMaxDurationAndOptOut(t *testing.T) {
	c, a, _ := newController(t, Options{MaxDuration: 10 * time.Millisecond})
	if _, err := c.Start(context.Background(), StartOptions{MaxDuration: -1}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if a.State() != pipeline.Running {
		t.Error("watchdog fired although disabled")
	}
	if res, _ := c.Stop(context.Background()); res.Expired {
		t.Error("result marked expired")
	}
}

func TestRecord(t *testing.T) {
	t.Run("stop signal", func(t *testing.T) {
		c, _, _ := newController(t, Options{})
		stop := make(chan struct{})
		time.AfterFunc(10*time.Millisecond, func() { close(stop) })

		res, err := c.Record(context.Background(), time.Minute, stop)
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if res.AudioSummary != "audio summary" || res.Expired {
			t.Errorf("Record() = %+v", res)
		}
	})

	t.Run("max duration", func(t *testing.T) {
		c, _, _ := newController(t, Options{})
		res, err := c.Record(context.Background(), 10*time.Millisecond, nil)
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
		if res.VideoSummary != "video summary" {
			t.Errorf("Record() = %+v", res)
		}
	})

	t.Run("start failure", func(t *testing.T) {
		c, a, v := newController(t, Options{})
		a.startErr = errors.New("no mic")
		v.startErr = errors.New("no camera")
		res, err := c.Record(context.Background(), time.Second, nil)
		if err == nil || res.Error == "" {
			t.Errorf("Record() = %+v, %v; want start error", res, err)
		}
	})
}

func TestRepeatedRoundsUseFreshDirectories(t *testing.T) {
	c, a, _ := newController(t, Options{})
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		ack, err := c.Start(context.Background(), StartOptions{})
		if err != nil {
			t.Fatalf("round %d Start() error = %v", i, err)
		}
		if seen[ack.Dir] {
			t.Errorf("round %d reused directory %s", i, ack.Dir)
		}
		seen[ack.Dir] = true
		if _, err := c.Stop(context.Background()); err != nil {
			t.Fatalf("round %d Stop() error = %v", i, err)
		}
	}
	if starts, stops := a.counts(); starts != 3 || stops != 3 {
		t.Errorf("audio starts/stops = %d/%d, want 3/3", starts, stops)
	}
}
