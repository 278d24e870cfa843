// Package video captures camera frames and writes them as MP4 segments.
package video

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/GriffinCanCode/good-listener/backend/capture/internal/device"
	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
)

// DefaultFPS is used when the device does not report a frame rate.
const DefaultFPS = 20.0

// Camera is a device.Source of JPEG-encoded frames.
type Camera struct {
	mu    sync.Mutex
	cam   *gocv.VideoCapture
	frame gocv.Mat
	fps   float64
	done  bool
}

// CameraOpener returns an opener for the camera at index dev.
func CameraOpener(dev int, fallbackFPS float64) device.Opener[[]byte] {
	return func(ctx context.Context) (device.Source[[]byte], error) {
		return OpenCamera(dev, fallbackFPS)
	}
}

// OpenCamera opens the camera at index dev.
func OpenCamera(dev int, fallbackFPS float64) (*Camera, error) {
	cam, err := gocv.VideoCaptureDevice(dev)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.DeviceUnavailable, "open camera %d", dev)
	}
	if !cam.IsOpened() {
		_ = cam.Close()
		return nil, apperrors.Newf(apperrors.DeviceUnavailable, "camera %d not available", dev)
	}
	cam.Set(gocv.VideoCaptureBufferSize, 1)

	fps := frameRate(cam.Get(gocv.VideoCaptureFPS), fallbackFPS)
	slog.Info("camera opened", "device", dev, "fps", fps,
		"width", cam.Get(gocv.VideoCaptureFrameWidth), "height", cam.Get(gocv.VideoCaptureFrameHeight))
	return &Camera{cam: cam, frame: gocv.NewMat(), fps: fps}, nil
}

// frameRate picks the device rate when it is plausible.
func frameRate(reported, fallback float64) float64 {
	if reported > 0 && reported <= 240 {
		return reported
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultFPS
}

// Rate implements device.Source.
func (c *Camera) Rate() float64 { return c.fps }

// Read grabs one frame and encodes it as JPEG.
func (c *Camera) Read(ctx context.Context) (device.Chunk[[]byte], error) {
	if err := ctx.Err(); err != nil {
		return device.Chunk[[]byte]{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return device.Chunk[[]byte]{}, device.ErrEndOfStream
	}

	if ok := c.cam.Read(&c.frame); !ok || c.frame.Empty() {
		return device.Chunk[[]byte]{}, apperrors.New(apperrors.DeviceRead, "camera returned no frame")
	}
	captured := time.Now()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, c.frame)
	if err != nil {
		return device.Chunk[[]byte]{}, apperrors.Wrap(err, apperrors.DeviceRead, "encode frame")
	}
	defer buf.Close()
	data := append([]byte(nil), buf.GetBytes()...)
	return device.Chunk[[]byte]{Data: data, Frames: 1, Captured: captured}, nil
}

// Close releases the camera.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return nil
	}
	c.done = true
	_ = c.frame.Close()
	return c.cam.Close()
}
