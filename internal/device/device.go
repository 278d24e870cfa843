// Package device defines the contract between capture hardware and the
// segment pipeline.
package device

import (
	"context"
	"errors"
	"time"
)

// ErrEndOfStream is returned by Read once the device has no more data.
var ErrEndOfStream = errors.New("device: end of stream")

// Chunk is one block read from a device.
type Chunk[T any] struct {
	Data     T
	Frames   int // samples for audio, frames for video
	Captured time.Time
}

// Source is a blocking device reader. A Source is owned by one goroutine.
type Source[T any] interface {
	// Read blocks until the next chunk is available.
	Read(ctx context.Context) (Chunk[T], error)
	// Rate is the number of frames per second the source produces.
	Rate() float64
	// Close releases the device. It is safe to call more than once.
	Close() error
}

// Opener acquires a fresh Source for one capture run.
type Opener[T any] func(ctx context.Context) (Source[T], error)
