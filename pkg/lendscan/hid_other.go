//go:build !linux

package lendscan

import (
	"fmt"

	"go.uber.org/zap"
)

func openInputDevice(_ *zap.SugaredLogger, name string) (keySource, error) {
	return nil, fmt.Errorf("%w: %q: input devices can only be grabbed on Linux", ErrHIDNotFound, name)
}
