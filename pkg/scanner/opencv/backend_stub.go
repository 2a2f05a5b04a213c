//go:build !opencv

package opencv

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/toolcrib/lendscan/pkg/scanner"
)

var errNotBuilt = errors.New("built without opencv support")

// Backend is a placeholder for builds without OpenCV
type Backend struct {
	logger *zap.SugaredLogger
}

// New creates the placeholder backend
func New(logger *zap.SugaredLogger) *Backend {
	return &Backend{logger: logger.Named("opencv")}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Available() bool {
	return false
}

func (b *Backend) StartDecoding(ctx context.Context, src scanner.FrameSource, onRaw func(payload, format string)) (scanner.DecodeHandle, error) {
	return nil, errNotBuilt
}
