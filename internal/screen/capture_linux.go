//go:build linux

package screen

import (
	"context"
	"os/exec"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
)

type linuxBackend struct{ tool string }

// newBackend prefers gnome-screenshot and falls back to scrot.
func newBackend() (backend, error) {
	for _, tool := range []string{"gnome-screenshot", "scrot"} {
		if _, err := exec.LookPath(tool); err == nil {
			return linuxBackend{tool: tool}, nil
		}
	}
	return nil, apperrors.New(apperrors.DeviceUnavailable, "no screenshot tool found (install gnome-screenshot or scrot)")
}

func (l linuxBackend) name() string { return l.tool }

func (l linuxBackend) grab(ctx context.Context, path string) error {
	if l.tool == "scrot" {
		return run(ctx, "scrot", "-o", path)
	}
	return run(ctx, "gnome-screenshot", "-f", path)
}
