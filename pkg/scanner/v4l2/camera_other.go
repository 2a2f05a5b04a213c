//go:build !linux

package v4l2

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/toolcrib/lendscan/pkg/scanner"
)

var errUnsupported = errors.New("v4l2 capture is only available on linux")

// Camera is unavailable on this platform; it reports no devices
type Camera struct {
	logger *zap.SugaredLogger
}

// NewCamera creates a camera facility that never finds a camera
func NewCamera(logger *zap.SugaredLogger) *Camera {
	return &Camera{logger: logger.Named("v4l2")}
}

func (c *Camera) Devices(ctx context.Context) ([]scanner.CameraDevice, error) {
	return nil, errUnsupported
}

func (c *Camera) Open(ctx context.Context, req scanner.OpenRequest) (scanner.Stream, error) {
	return nil, &scanner.CameraError{Cause: scanner.CauseNotFound, DeviceID: req.DeviceID, Err: errUnsupported}
}
