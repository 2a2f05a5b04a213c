package scanner

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a scanning session
type State int

const (
	// StateIdle means no stream is open and none is being acquired
	StateIdle State = iota
	// StateStarting means a camera stream is being acquired
	StateStarting
	// StateRunning means a stream is bound to the sink and a decode loop is attached
	StateRunning
	// StateSwitching means the previous device was released and a new one is being acquired
	StateSwitching
	// StateStopping means the session's resources are being released
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateSwitching:
		return "switching"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SourceCamera marks detections produced by the camera decode loop
const SourceCamera = "camera"

// CameraDevice is a camera as reported by the platform. Label may be empty
// until the platform is willing to disclose it.
type CameraDevice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// DetectionEvent is a single decoded payload
type DetectionEvent struct {
	Payload   string    `json:"payload"`
	Format    string    `json:"format,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Config is supplied by the embedding UI and stays fixed for the lifetime of
// a Scanner. Sound and device selection are only initial values; both can be
// changed later through the facade.
type Config struct {
	// AutoStart makes Initialize start a session right away
	AutoStart bool
	// Cooldown is how long scanning stays disabled after an accepted detection
	Cooldown time.Duration
	// EmitLastPayload publishes the last accepted payload in snapshots
	EmitLastPayload bool
	// AutoReArmAfterCooldown enables the cool-down window at all
	AutoReArmAfterCooldown bool
	// SoundEnabled is the initial state of the audible cue
	SoundEnabled bool
	// DeviceID is the initially selected camera; empty lets the enumerator guess
	DeviceID string
	// SettleDelay is the pause between releasing one device and acquiring the next
	SettleDelay time.Duration
	// Formats restricts accepted symbologies (lowercase, e.g. "qr_code"); empty accepts all
	Formats []string

	OnDetected func(DetectionEvent)
	OnClose    func()
	OnError    func(error)
}

const (
	// DefaultCooldown matches the re-arm window of the handheld scanning UI
	DefaultCooldown = 1500 * time.Millisecond
	// DefaultSettleDelay lets the OS reclaim a camera before it's reopened
	DefaultSettleDelay = 80 * time.Millisecond
)

// Snapshot is a copy of the session state, safe to hand to any goroutine
type Snapshot struct {
	State            State          `json:"-"`
	StateName        string         `json:"state"`
	SessionID        string         `json:"sessionId,omitempty"`
	Running          bool           `json:"running"`
	ScanningEnabled  bool           `json:"scanningEnabled"`
	ActiveDeviceID   string         `json:"activeDeviceId,omitempty"`
	SelectedDeviceID string         `json:"selectedDeviceId,omitempty"`
	Devices          []CameraDevice `json:"devices"`
	Backend          string         `json:"backend,omitempty"`
	LastPayload      string         `json:"lastPayload,omitempty"`
	LastFormat       string         `json:"lastFormat,omitempty"`
	DetectionCount   uint64         `json:"detectionCount"`
	TorchEnabled     bool           `json:"torchEnabled"`
	TorchSupported   bool           `json:"torchSupported"`
	SoundEnabled     bool           `json:"soundEnabled"`
	LastError        error          `json:"-"`
}
