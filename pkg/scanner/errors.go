package scanner

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means the platform refused access to the camera
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrNoCamera means no camera matched the request
	ErrNoCamera = errors.New("no camera found")
	// ErrCameraBusy means the camera exists but couldn't be read, usually because another process holds it
	ErrCameraBusy = errors.New("camera busy or unreadable")
	// ErrDecoderInit means no decoding backend could be started
	ErrDecoderInit = errors.New("decoding backend failed to initialize")
	// ErrUnknownCamera covers every other acquisition failure
	ErrUnknownCamera = errors.New("camera error")

	// ErrCanceled is returned by Start when the session was stopped or superseded before it came up
	ErrCanceled = errors.New("scanner: start canceled")
	// ErrClosed is returned by actions on a closed Scanner
	ErrClosed = errors.New("scanner: closed")
	// ErrStreamClosed is returned by FrameSource implementations once their stream is released
	ErrStreamClosed = errors.New("stream closed")
)

// Cause classifies fatal session errors
type Cause int

const (
	CauseUnknown Cause = iota
	CauseDenied
	CauseNotFound
	CauseBusy
	CauseDecoder
)

func (c Cause) String() string {
	switch c {
	case CauseDenied:
		return "denied"
	case CauseNotFound:
		return "not_found"
	case CauseBusy:
		return "busy"
	case CauseDecoder:
		return "decoder"
	default:
		return "unknown"
	}
}

func (c Cause) sentinel() error {
	switch c {
	case CauseDenied:
		return ErrPermissionDenied
	case CauseNotFound:
		return ErrNoCamera
	case CauseBusy:
		return ErrCameraBusy
	case CauseDecoder:
		return ErrDecoderInit
	default:
		return ErrUnknownCamera
	}
}

// CameraError is a fatal session error. errors.Is matches both the cause
// sentinel (ErrCameraBusy etc.) and the underlying platform error.
type CameraError struct {
	Cause    Cause
	DeviceID string
	Err      error
}

func (e *CameraError) Error() string {
	msg := e.Cause.sentinel().Error()
	if e.DeviceID != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.DeviceID)
	}
	if e.Err != nil && e.Err != e.Cause.sentinel() {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}

	return msg
}

func (e *CameraError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Cause.sentinel()}
	}

	return []error{e.Cause.sentinel(), e.Err}
}

// ClassifyError returns the cause of a fatal session error
func ClassifyError(err error) Cause {
	var camErr *CameraError
	if errors.As(err, &camErr) {
		return camErr.Cause
	}

	switch {
	case errors.Is(err, ErrPermissionDenied):
		return CauseDenied
	case errors.Is(err, ErrNoCamera):
		return CauseNotFound
	case errors.Is(err, ErrCameraBusy):
		return CauseBusy
	case errors.Is(err, ErrDecoderInit):
		return CauseDecoder
	default:
		return CauseUnknown
	}
}

func asCameraError(err error, deviceID string) *CameraError {
	var camErr *CameraError
	if errors.As(err, &camErr) {
		if camErr.DeviceID == "" {
			camErr.DeviceID = deviceID
		}
		return camErr
	}

	return &CameraError{Cause: ClassifyError(err), DeviceID: deviceID, Err: err}
}
