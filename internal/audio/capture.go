// Package audio captures the interview microphone through PortAudio.
package audio

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/device"
	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
)

// Device classes.
const (
	classUser   = "user"
	classSystem = "system"
)

// Config selects and parameterizes the input device.
type Config struct {
	SampleRate      int
	FramesPerBuffer int
	Excluded        []string
}

// Microphone is a device.Source of mono float32 samples.
type Microphone struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	rate   float64
	name   string
	closed bool
}

// Opener returns a device.Opener for the best available microphone.
func Opener(cfg Config) device.Opener[[]float32] {
	return func(ctx context.Context) (device.Source[[]float32], error) {
		return Open(cfg)
	}
}

// Open initializes PortAudio and starts a blocking input stream on the
// preferred microphone.
func Open(cfg Config) (*Microphone, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.DeviceUnavailable, "initialize portaudio")
	}
	m, err := open(cfg)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	return m, nil
}

func open(cfg Config) (*Microphone, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.DeviceUnavailable, "list audio devices")
	}
	dev := pickDevice(devices, cfg.Excluded)
	if dev == nil {
		if dev, err = portaudio.DefaultInputDevice(); err != nil || dev == nil || isExcluded(dev.Name, cfg.Excluded) {
			return nil, apperrors.New(apperrors.DeviceUnavailable, "no usable input device")
		}
	}

	buf := make([]float32, cfg.FramesPerBuffer)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FramesPerBuffer,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.DeviceUnavailable, "open input %q", dev.Name)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, apperrors.Wrapf(err, apperrors.DeviceUnavailable, "start input %q", dev.Name)
	}

	slog.Info("started audio capture", "device", dev.Name, "rate", cfg.SampleRate, "frames_per_buffer", cfg.FramesPerBuffer)
	return &Microphone{stream: stream, buf: buf, rate: float64(cfg.SampleRate), name: dev.Name}, nil
}

// Rate implements device.Source.
func (m *Microphone) Rate() float64 { return m.rate }

// Name returns the selected device name.
func (m *Microphone) Name() string { return m.name }

// Read blocks for one buffer of samples.
func (m *Microphone) Read(ctx context.Context) (device.Chunk[[]float32], error) {
	if err := ctx.Err(); err != nil {
		return device.Chunk[[]float32]{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return device.Chunk[[]float32]{}, device.ErrEndOfStream
	}

	if err := m.stream.Read(); err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			return device.Chunk[[]float32]{}, apperrors.Wrapf(err, apperrors.DeviceRead, "read %q", m.name)
		}
		slog.Debug("audio input overflowed", "device", m.name)
	}
	data := append([]float32(nil), m.buf...)
	return device.Chunk[[]float32]{Data: data, Frames: len(data), Captured: time.Now()}, nil
}

// Close stops the stream and releases PortAudio.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := errors.Join(m.stream.Stop(), m.stream.Close())
	return errors.Join(err, portaudio.Terminate())
}

// pickDevice returns the preferred microphone among devices, or nil.
// Loopback devices are never picked.
func pickDevice(devices []*portaudio.DeviceInfo, excluded []string) *portaudio.DeviceInfo {
	var best *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 || isExcluded(dev.Name, excluded) {
			continue
		}
		if classifyDevice(dev.Name) != classUser {
			continue
		}
		if best == nil || preferDevice(dev.Name, best.Name) {
			best = dev
		}
	}
	return best
}

func classifyDevice(name string) string {
	for _, kw := range []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower"} {
		if containsIgnoreCase(name, kw) {
			return classSystem
		}
	}
	for _, kw := range []string{"microphone", "input", "mic", "built-in"} {
		if containsIgnoreCase(name, kw) {
			return classUser
		}
	}
	return ""
}

func isExcluded(name string, excluded []string) bool {
	for _, ex := range excluded {
		if ex != "" && containsIgnoreCase(name, ex) {
			return true
		}
	}
	return false
}

// preferDevice prefers built-in laptop microphones over external ones.
func preferDevice(name, current string) bool {
	for _, p := range []string{"macbook", "built-in"} {
		if containsIgnoreCase(name, p) && !containsIgnoreCase(current, p) {
			return true
		}
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
