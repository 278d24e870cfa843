package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/device"
)

// fakeSource yields chunks of chunkFrames samples at rate samples/s.
type fakeSource struct {
	rate        float64
	chunkFrames int
	limit       int // chunks before end of stream; 0 means endless
	failAt      int // read number that fails; 0 means never
	pace        time.Duration
	onRead      func(n int) // called with the 1-based read number before it returns

	reads   atomic.Int32
	closes  atomic.Int32
	drained chan struct{}
	once    sync.Once
}

func newFakeSource(rate float64, chunkFrames, limit int) *fakeSource {
	return &fakeSource{rate: rate, chunkFrames: chunkFrames, limit: limit, drained: make(chan struct{})}
}

func (s *fakeSource) Read(ctx context.Context) (device.Chunk[[]float32], error) {
	if s.pace > 0 {
		select {
		case <-time.After(s.pace):
		case <-ctx.Done():
			return device.Chunk[[]float32]{}, ctx.Err()
		}
	}
	if s.limit > 0 && int(s.reads.Load()) >= s.limit {
		s.once.Do(func() { close(s.drained) })
		return device.Chunk[[]float32]{}, device.ErrEndOfStream
	}
	n := int(s.reads.Add(1))
	if s.failAt > 0 && n == s.failAt {
		return device.Chunk[[]float32]{}, errors.New("usb unplugged")
	}
	data := make([]float32, s.chunkFrames)
	for i := range data {
		data[i] = float32(n)
	}
	if s.onRead != nil {
		s.onRead(n)
	}
	return device.Chunk[[]float32]{Data: data, Frames: s.chunkFrames, Captured: time.Now()}, nil
}

func (s *fakeSource) Rate() float64 { return s.rate }

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSource) opener() device.Opener[[]float32] {
	return func(context.Context) (device.Source[[]float32], error) { return s, nil }
}

// fakeWriter writes the frame count of each segment as the file body.
type fakeWriter struct {
	mu     sync.Mutex
	failOn int // 1-based write call that fails; 0 means never
	calls  int
	info   func(call int) WriteInfo
}

func (w *fakeWriter) Ext() string { return ".seg" }

func (w *fakeWriter) Write(path string, chunks [][]float32, rate float64) (WriteInfo, error) {
	w.mu.Lock()
	w.calls++
	call := w.calls
	w.mu.Unlock()

	if w.failOn > 0 && call == w.failOn {
		_ = os.WriteFile(path, []byte("partial"), 0o644)
		return WriteInfo{}, errors.New("disk full")
	}
	frames := 0
	for _, c := range chunks {
		frames += len(c)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprint(frames)), 0o644); err != nil {
		return WriteInfo{}, err
	}
	if w.info != nil {
		return w.info(call), nil
	}
	return WriteInfo{}, nil
}

// transcriptAnalyzer answers like the audio analysis service.
func transcriptAnalyzer() AnalyzerFunc {
	return func(_ context.Context, seg Segment) (any, error) {
		return map[string]any{
			"transcript":     fmt.Sprintf("part %d", seg.Index),
			"audio_analysis": map[string]any{"tone": "calm"},
		}, nil
	}
}

// drain collects every queued item without waiting.
func drain(q *Queue) []Item {
	var items []Item
	for {
		it, ok := q.TryGet()
		if !ok {
			return items
		}
		items = append(items, it)
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			t.Errorf("temp file left behind: %s", filepath.Join(dir, e.Name()))
		}
	}
}

// assertContiguous checks indices 0..n-1 and that only the last segment is short.
func assertContiguous(t *testing.T, segs []Segment, threshold int) {
	t.Helper()
	for i, s := range segs {
		if s.Index != i {
			t.Fatalf("segment %d has index %d", i, s.Index)
		}
		if i < len(segs)-1 && s.Frames < threshold {
			t.Errorf("segment %d has %d frames, only the last may be short", i, s.Frames)
		}
		if _, err := os.Stat(s.Path); err != nil {
			t.Errorf("segment %d not on disk: %v", i, err)
		}
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}
