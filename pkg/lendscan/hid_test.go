package lendscan

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWedge(t *testing.T) {
	tests := []struct {
		name string
		keys []string
		want string
	}{
		{"digits", []string{"KEY_7", "KEY_7", "KEY_9", "KEY_1", "KEY_ENTER"}, "7791"},
		{"shifted letter", []string{"KEY_LEFTSHIFT", "KEY_T", "KEY_O", "KEY_O", "KEY_L", "KEY_MINUS", "KEY_4", "KEY_2", "KEY_ENTER"}, "Tool-42"},
		{"shifted symbols", []string{"KEY_RIGHTSHIFT", "KEY_1", "KEY_RIGHTSHIFT", "KEY_SEMICOLON", "KEY_SLASH", "KEY_KPENTER"}, "!:/"},
		{"keypad digits", []string{"KEY_KP1", "KEY_KP0", "KEY_KPDOT", "KEY_KP5", "KEY_ENTER"}, "10.5"},
		{"unknown keys skipped", []string{"KEY_A", "KEY_F1", "KEY_LEFTCTRL", "KEY_B", "KEY_ENTER"}, "ab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w wedge
			var got string
			var done bool

			for i, key := range tt.keys {
				payload, ok := w.press(key)
				if ok != (i == len(tt.keys)-1) {
					t.Fatalf("press(%q) ok = %v at key %d", key, ok, i)
				}
				got, done = payload, ok
			}

			if !done || got != tt.want {
				t.Errorf("payload = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWedgeEnterWithoutPayload(t *testing.T) {
	var w wedge
	if payload, ok := w.press("KEY_ENTER"); ok {
		t.Errorf("press(ENTER) = %q on an empty buffer", payload)
	}

	w.press("KEY_X")
	if payload, ok := w.flush(); !ok || payload != "x" {
		t.Errorf("flush() = %q, %v", payload, ok)
	}
	if _, ok := w.flush(); ok {
		t.Error("flush() returned the payload twice")
	}
}

type fakeKeySource struct {
	keys   chan string
	closed chan struct{}
	once   sync.Once
}

func newFakeKeySource() *fakeKeySource {
	return &fakeKeySource{keys: make(chan string, 64), closed: make(chan struct{})}
}

func (s *fakeKeySource) NextKey() (string, error) {
	select {
	case key := <-s.keys:
		return key, nil
	case <-s.closed:
		return "", errors.New("file already closed")
	}
}

func (s *fakeKeySource) Path() string {
	return "/dev/input/event7"
}

func (s *fakeKeySource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeKeySource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func newTestHIDReader(t *testing.T, source *fakeKeySource) (*HIDReader, *fakeNotifier, chan submission) {
	t.Helper()

	station, notifier := newTestStation(t, map[string]interface{}{
		configKeyHIDName: "symbol",
	})

	submissions := make(chan submission, 8)

	h := NewHIDReader(station, station.logger)
	h.openSource = func(_ *zap.SugaredLogger, name string) (keySource, error) {
		if name != "symbol" {
			t.Errorf("openSource(%q)", name)
		}
		return source, nil
	}
	h.submit = func(source, payload, format string) {
		submissions <- submission{source, payload, format}
	}

	return h, notifier, submissions
}

func expectSubmission(t *testing.T, submissions chan submission, want submission) {
	t.Helper()

	select {
	case got := <-submissions:
		if got != want {
			t.Errorf("submitted %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %+v", want)
	}
}

func TestHIDReaderSubmits(t *testing.T) {
	source := newFakeKeySource()
	h, notifier, submissions := newTestHIDReader(t, source)

	h.Start()

	for _, key := range []string{"KEY_LEFTSHIFT", "KEY_T", "KEY_1", "KEY_ENTER"} {
		source.keys <- key
	}
	expectSubmission(t, submissions, submission{sourceHID, "T1", ""})

	// no Enter: the burst ends after the key timeout
	for _, key := range []string{"KEY_4", "KEY_2"} {
		source.keys <- key
	}
	expectSubmission(t, submissions, submission{sourceHID, "42", ""})

	if !notifier.has("Connected to /dev/input/event7.") {
		t.Errorf("notifications = %v", notifier.all())
	}

	h.Stop()

	if !source.isClosed() {
		t.Error("input device not released after Stop()")
	}
}

func TestHIDReaderDisabled(t *testing.T) {
	station, _ := newTestStation(t, nil)

	h := NewHIDReader(station, station.logger)
	h.openSource = func(*zap.SugaredLogger, string) (keySource, error) {
		t.Error("openSource() called without a device name")
		return nil, ErrHIDNotFound
	}

	h.Start()
	h.Stop()
}
