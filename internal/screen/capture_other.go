//go:build !darwin && !linux

package screen

import (
	"runtime"

	apperrors "github.com/GriffinCanCode/good-listener/backend/capture/internal/errors"
)

func newBackend() (backend, error) {
	return nil, apperrors.Newf(apperrors.DeviceUnavailable, "screen capture is not supported on %s", runtime.GOOS)
}
