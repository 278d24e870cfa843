// Package screen records the primary display as a stream of JPEG frames by
// driving the platform's screenshot tool at a fixed rate.
package screen

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/device"
	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
)

const (
	shotName    = "screenshot.jpg"
	jpegQuality = 85
	// maxFailures is how many screenshots in a row may fail before the
	// source gives up; until then the previous frame is repeated.
	maxFailures = 5
)

// backend grabs one screenshot into path.
type backend interface {
	name() string
	grab(ctx context.Context, path string) error
}

// Source is a device.Source of JPEG screenshots.
type Source struct {
	mu       sync.Mutex
	b        backend
	tempDir  string
	interval time.Duration
	rate     float64
	next     time.Time
	last     []byte
	failures int
	closed   bool
}

// Opener returns a device.Opener taking rate screenshots per second.
func Opener(rate float64) device.Opener[[]byte] {
	return func(ctx context.Context) (device.Source[[]byte], error) {
		return Open(rate)
	}
}

// Open creates a screen source for the current platform.
func Open(rate float64) (*Source, error) {
	b, err := newBackend()
	if err != nil {
		return nil, err
	}
	return newSource(b, rate)
}

func newSource(b backend, rate float64) (*Source, error) {
	if rate <= 0 {
		return nil, apperrors.Newf(apperrors.ConfigInvalid, "screen capture rate must be positive, got %v", rate)
	}
	tmpDir, err := os.MkdirTemp("", "capture-screen-*")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.DeviceUnavailable, "create screenshot dir")
	}
	slog.Info("screen capture ready", "tool", b.name(), "rate", rate)
	return &Source{
		b:        b,
		tempDir:  tmpDir,
		interval: time.Duration(float64(time.Second) / rate),
		rate:     rate,
	}, nil
}

// Rate implements device.Source.
func (s *Source) Rate() float64 { return s.rate }

// Read waits for the next tick and returns one screenshot.
func (s *Source) Read(ctx context.Context) (device.Chunk[[]byte], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.Chunk[[]byte]{}, device.ErrEndOfStream
	}
	if err := s.wait(ctx); err != nil {
		return device.Chunk[[]byte]{}, err
	}

	data, err := s.grab(ctx)
	switch {
	case err == nil:
		s.failures = 0
		s.last = data
	case ctx.Err() != nil:
		return device.Chunk[[]byte]{}, ctx.Err()
	default:
		s.failures++
		if s.last == nil || s.failures > maxFailures {
			return device.Chunk[[]byte]{}, apperrors.Wrapf(err, apperrors.DeviceRead, "%s screenshot", s.b.name())
		}
		slog.Warn("screenshot failed, repeating previous frame", "tool", s.b.name(), "failures", s.failures, "error", err)
		data = s.last
	}
	return device.Chunk[[]byte]{Data: data, Frames: 1, Captured: time.Now()}, nil
}

// wait sleeps until the next frame is due. A slow tool drops frames
// instead of bursting to catch up.
func (s *Source) wait(ctx context.Context) error {
	now := time.Now()
	if s.next.IsZero() || s.next.Before(now) {
		s.next = now
	}
	if d := s.next.Sub(now); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	s.next = s.next.Add(s.interval)
	return nil
}

func (s *Source) grab(ctx context.Context) ([]byte, error) {
	path := filepath.Join(s.tempDir, shotName)
	if err := s.b.grab(ctx, path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	return toJPEG(data)
}

// Close removes the screenshot directory.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return os.RemoveAll(s.tempDir)
}

// toJPEG re-encodes data unless it already is a JPEG image.
func toJPEG(data []byte) ([]byte, error) {
	if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

// run executes a screenshot tool, folding stderr into the error.
func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
