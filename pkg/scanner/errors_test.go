package scanner

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestCameraError(t *testing.T) {
	err := &CameraError{Cause: CauseBusy, DeviceID: "/dev/video0", Err: syscall.EBUSY}

	if !errors.Is(err, ErrCameraBusy) {
		t.Error("errors.Is(ErrCameraBusy) = false")
	}
	if !errors.Is(err, syscall.EBUSY) {
		t.Error("errors.Is(EBUSY) = false")
	}
	if errors.Is(err, ErrPermissionDenied) {
		t.Error("errors.Is(ErrPermissionDenied) = true")
	}

	want := "camera busy or unreadable (/dev/video0): device or resource busy"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := fmt.Errorf("start scanner: %w", err)
	if cause := ClassifyError(wrapped); cause != CauseBusy {
		t.Errorf("ClassifyError(wrapped) = %v, want busy", cause)
	}
}

func TestAsCameraError(t *testing.T) {
	camErr := asCameraError(fmt.Errorf("open: %w", ErrPermissionDenied), "/dev/video2")
	if camErr.Cause != CauseDenied || camErr.DeviceID != "/dev/video2" {
		t.Errorf("asCameraError() = %+v", camErr)
	}

	existing := &CameraError{Cause: CauseNotFound}
	if got := asCameraError(existing, "usb-1"); got != existing || got.DeviceID != "usb-1" {
		t.Errorf("asCameraError(existing) = %+v", got)
	}

	if msg := (&CameraError{Cause: CauseNotFound, Err: ErrNoCamera}).Error(); msg != "no camera found" {
		t.Errorf("Error() = %q, want no repeated sentinel", msg)
	}
}

func TestCauseString(t *testing.T) {
	for cause, want := range map[Cause]string{
		CauseUnknown:  "unknown",
		CauseDenied:   "denied",
		CauseNotFound: "not_found",
		CauseBusy:     "busy",
		CauseDecoder:  "decoder",
	} {
		if got := cause.String(); got != want {
			t.Errorf("Cause(%d).String() = %q, want %q", int(cause), got, want)
		}
	}
}
