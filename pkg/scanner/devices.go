package scanner

import (
	"context"
	"regexp"

	"github.com/thoas/go-funk"
)

// labels of cameras that usually face away from the user
var rearCameraPattern = regexp.MustCompile(`(?i)back|rear|environment`)

// GuessRearCamera picks the first device whose label looks rear-facing. When
// none does it falls back to the last enumerated device, which on most
// hardware is the system camera. This is a heuristic: labels are free text and
// may be empty until the platform discloses them.
func GuessRearCamera(devices []CameraDevice) (CameraDevice, bool) {
	if len(devices) == 0 {
		return CameraDevice{}, false
	}

	for _, device := range devices {
		if rearCameraPattern.MatchString(device.Label) {
			return device, true
		}
	}

	return devices[len(devices)-1], true
}

// RefreshDevices re-enumerates cameras and publishes the list. Enumeration is
// best-effort: failures are logged and reported as an empty list. If no device
// was chosen explicitly, the selection is (re)guessed from the new list, but
// never away from a camera that is currently open.
func (s *Scanner) RefreshDevices(ctx context.Context) []CameraDevice {
	devices, err := s.camera.Devices(ctx)
	if err != nil {
		s.logger.Warnw("Failed to enumerate cameras", "error", err)
		devices = nil
	}

	// drop nameless entries and duplicates some drivers report for metadata nodes
	seen := map[string]bool{}
	devices = funk.Filter(devices, func(device CameraDevice) bool {
		if device.ID == "" || seen[device.ID] {
			return false
		}
		seen[device.ID] = true
		return true
	}).([]CameraDevice)

	s.mu.Lock()
	s.devices = devices

	if s.selectedID == "" || (s.selectionGuessed && s.stream == nil && s.state != StateSwitching) {
		if guess, ok := GuessRearCamera(devices); ok {
			if guess.ID != s.selectedID {
				s.logger.Debugw("Guessed camera", "device", guess.ID, "label", guess.Label)
			}
			s.selectedID = guess.ID
			s.selectionGuessed = true
		}
	}
	s.mu.Unlock()

	s.notifyChange()

	result := make([]CameraDevice, len(devices))
	copy(result, devices)

	return result
}
