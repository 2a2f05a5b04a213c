package lendscan

import (
	"fmt"
	"strings"

	evdev "github.com/gvalkov/golang-evdev"
	"go.uber.org/zap"
)

// evdevSource reads key presses from a grabbed evdev input device
type evdevSource struct {
	device  *evdev.InputDevice
	pending []string
}

// openInputDevice grabs the first input device whose name contains name
// (case-insensitive)
func openInputDevice(logger *zap.SugaredLogger, name string) (keySource, error) {
	devices, err := evdev.ListInputDevices()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}

	path := ""
	for _, dev := range devices {
		logger.Debugw("Found input device", "path", dev.Fn, "name", dev.Name)
		if path == "" && strings.Contains(strings.ToLower(dev.Name), strings.ToLower(name)) {
			path = dev.Fn
		}
	}

	if path == "" {
		return nil, fmt.Errorf("%w: %q", ErrHIDNotFound, name)
	}

	device, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input device %s: %w", path, err)
	}

	// keep the barcodes from being typed into whatever window has focus
	if err := device.Grab(); err != nil {
		device.File.Close()
		return nil, fmt.Errorf("grab input device %s: %w", path, err)
	}

	return &evdevSource{device: device}, nil
}

func (s *evdevSource) Path() string {
	return s.device.Fn
}

func (s *evdevSource) NextKey() (string, error) {
	for len(s.pending) == 0 {
		events, err := s.device.Read()
		if err != nil {
			return "", fmt.Errorf("read input events: %w", err)
		}

		for _, ev := range events {
			// key presses only; releases and autorepeat carry no new text
			if ev.Type != evdev.EV_KEY || ev.Value != 1 {
				continue
			}

			key, ok := evdev.KEY[int(ev.Code)]
			if !ok {
				continue
			}
			s.pending = append(s.pending, key)
		}
	}

	key := s.pending[0]
	s.pending = s.pending[1:]

	return key, nil
}

func (s *evdevSource) Close() error {
	releaseErr := s.device.Release()

	if err := s.device.File.Close(); err != nil {
		return fmt.Errorf("close input device: %w", err)
	}
	if releaseErr != nil {
		return fmt.Errorf("release input device: %w", releaseErr)
	}

	return nil
}
