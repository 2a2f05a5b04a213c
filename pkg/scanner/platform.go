package scanner

import (
	"context"
	"image"
	"time"
)

// Facing is a capability hint used when no device id is requested
type Facing int

const (
	FacingAny Facing = iota
	FacingEnvironment
	FacingUser
)

// OpenRequest selects the camera to open. An empty DeviceID means "whatever
// camera best matches Facing".
type OpenRequest struct {
	DeviceID string
	Facing   Facing
}

// Camera is the platform's camera facility
type Camera interface {
	// Devices lists the cameras currently available
	Devices(ctx context.Context) ([]CameraDevice, error)

	// Open acquires a stream. Failures should be *CameraError values so the
	// session can tell denied, missing and busy cameras apart.
	Open(ctx context.Context, req OpenRequest) (Stream, error)
}

// FrameSource yields decoded video frames. NextFrame blocks until a frame is
// available, ctx is done or the source is closed (ErrStreamClosed).
type FrameSource interface {
	NextFrame(ctx context.Context) (image.Image, error)
}

// Stream is an open camera capture. Close stops every track of the stream and
// must be safe to call more than once.
type Stream interface {
	FrameSource

	DeviceID() string

	// Torch returns the torch control of the video track, or nil when the
	// track can't drive a torch
	Torch() TorchControl

	Close() error
}

// TorchControl switches the camera's torch (flash LED in continuous mode)
type TorchControl interface {
	SetTorch(on bool) error
}

// AudioContext is a session-owned audio output used for the success cue
type AudioContext interface {
	PlayTone(tone Tone) error
	Close() error
}

// AudioFactory opens an AudioContext. It's called lazily on the first cue of
// a session.
type AudioFactory func() (AudioContext, error)

// Vibrator triggers haptic feedback
type Vibrator interface {
	Supported() bool
	Vibrate(d time.Duration) error
}
