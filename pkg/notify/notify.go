// Package notify sends desktop notifications
package notify

import (
	"os"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier shows notifications through the desktop's notification
// service (D-Bus on Linux, toasts on Windows, Notification Center on macOS)
type ToastNotifier struct {
	logger      *zap.SugaredLogger
	appIconPath string
	send        func(title, message, appIcon string) error
}

func NewToastNotifier(logger *zap.SugaredLogger, appIcon []byte) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger, send: beeep.Notify}

	// notification services want a path rather than image data
	if len(appIcon) > 0 {
		path := filepath.Join(os.TempDir(), "lendscan.png")
		if err := os.WriteFile(path, appIcon, 0o644); err != nil {
			logger.Warnw("Failed to write notification icon", "path", path, "error", err)
		} else {
			tn.appIconPath = path
		}
	}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Debugw("Sending notification", "title", title, "message", message)

	if err := tn.send(title, message, tn.appIconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}
