//go:build darwin

package screen

import "context"

type darwinBackend struct{}

func newBackend() (backend, error) { return darwinBackend{}, nil }

func (darwinBackend) name() string { return "screencapture" }

// grab runs screencapture silently (-x) on the main display (-m) as JPEG.
func (darwinBackend) grab(ctx context.Context, path string) error {
	return run(ctx, "screencapture", "-x", "-t", "jpg", "-m", path)
}
