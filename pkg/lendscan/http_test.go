package lendscan

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/toolcrib/lendscan/pkg/scanner"
)

type fakeController struct {
	mu       sync.Mutex
	snapshot scanner.Snapshot
	startErr error
	torchErr error
	selected []string
	calls    []string
}

func (c *fakeController) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, call)
}

func (c *fakeController) Snapshot() scanner.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshot
}

func (c *fakeController) Start(ctx context.Context) error {
	c.record("start")
	return c.startErr
}

func (c *fakeController) Stop()         { c.record("stop") }
func (c *fakeController) ResetScanner() { c.record("reset") }

func (c *fakeController) ToggleTorch() error {
	c.record("torch")
	return c.torchErr
}

func (c *fakeController) SetSoundEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshot.SoundEnabled = enabled
}

func (c *fakeController) SetSelectedDeviceID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.selected = append(c.selected, id)
	if id == "/dev/video9" {
		return &scanner.CameraError{Cause: scanner.CauseNotFound, DeviceID: id}
	}
	c.snapshot.SelectedDeviceID = id
	return nil
}

func (c *fakeController) RefreshDevices(ctx context.Context) []scanner.CameraDevice {
	return []scanner.CameraDevice{{ID: "/dev/video0", Label: "Integrated Camera"}}
}

func (c *fakeController) Sink() *scanner.Sink {
	return nil
}

// oneFrame hands out a single frame, then reports the stream as gone
type oneFrame struct {
	img image.Image
}

func (f oneFrame) Wait(ctx context.Context, after uint64) (image.Image, uint64, error) {
	if after == 0 {
		return f.img, 1, nil
	}
	return nil, after, context.Canceled
}

func newTestServer(t *testing.T) (*Server, *fakeController) {
	t.Helper()

	ctrl := &fakeController{snapshot: scanner.Snapshot{StateName: "running", Running: true}}
	history := NewHistory(defaultHistorySize)
	history.Add(scanner.DetectionEvent{Payload: "TOOL-0042", Source: "camera"})

	return NewServer(zaptest.NewLogger(t).Sugar(), ctrl, history, ""), ctrl
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandleState(t *testing.T) {
	s, ctrl := newTestServer(t)
	ctrl.snapshot.LastError = &scanner.CameraError{Cause: scanner.CauseBusy, DeviceID: "/dev/video0"}

	rec := serve(s, "GET", "/state")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var state struct {
		State     string                   `json:"state"`
		Running   bool                     `json:"running"`
		LastError string                   `json:"lastError"`
		History   []scanner.DetectionEvent `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}

	if state.State != "running" || !state.Running {
		t.Errorf("state = %+v", state)
	}
	if state.LastError != "camera busy or unreadable (/dev/video0)" {
		t.Errorf("lastError = %q", state.LastError)
	}
	if len(state.History) != 1 || state.History[0].Payload != "TOOL-0042" {
		t.Errorf("history = %+v", state.History)
	}
}

func TestHandleStartErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		cause  string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"busy", &scanner.CameraError{Cause: scanner.CauseBusy}, http.StatusServiceUnavailable, "busy"},
		{"denied", &scanner.CameraError{Cause: scanner.CauseDenied}, http.StatusServiceUnavailable, "denied"},
		{"missing", &scanner.CameraError{Cause: scanner.CauseNotFound}, http.StatusNotFound, "not_found"},
		{"canceled", scanner.ErrCanceled, http.StatusConflict, ""},
		{"closed", scanner.ErrClosed, http.StatusGone, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ctrl := newTestServer(t)
			ctrl.startErr = tt.err

			rec := serve(s, "POST", "/start")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}

			if tt.err == nil {
				return
			}

			var response errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if response.Cause != tt.cause || response.Error != tt.err.Error() {
				t.Errorf("response = %+v", response)
			}
		})
	}
}

func TestHandleActions(t *testing.T) {
	s, ctrl := newTestServer(t)

	for _, target := range []string{"/stop", "/reset", "/torch"} {
		if rec := serve(s, "POST", target); rec.Code != http.StatusOK {
			t.Errorf("POST %s status = %d", target, rec.Code)
		}
	}

	if rec := serve(s, "GET", "/stop"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /stop status = %d", rec.Code)
	}

	want := []string{"stop", "reset", "torch"}
	if len(ctrl.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", ctrl.calls, want)
	}
	for i := range want {
		if ctrl.calls[i] != want[i] {
			t.Errorf("calls = %v, want %v", ctrl.calls, want)
		}
	}

	ctrl.torchErr = scanner.ErrClosed
	if rec := serve(s, "POST", "/torch"); rec.Code != http.StatusGone {
		t.Errorf("torch on closed scanner status = %d", rec.Code)
	}
}

func TestHandleSound(t *testing.T) {
	s, ctrl := newTestServer(t)

	serve(s, "PUT", "/sound/on")
	if !ctrl.Snapshot().SoundEnabled {
		t.Error("sound not enabled")
	}

	serve(s, "PUT", "/sound/off")
	if ctrl.Snapshot().SoundEnabled {
		t.Error("sound not disabled")
	}

	if rec := serve(s, "PUT", "/sound/loud"); rec.Code != http.StatusNotFound {
		t.Errorf("PUT /sound/loud status = %d", rec.Code)
	}
}

func TestHandleDevice(t *testing.T) {
	s, ctrl := newTestServer(t)

	if rec := serve(s, "PUT", "/device/%2Fdev%2Fvideo2"); rec.Code != http.StatusOK {
		t.Fatalf("PUT /device status = %d: %s", rec.Code, rec.Body)
	}
	if rec := serve(s, "PUT", "/device/%2Fdev%2Fvideo9"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d", rec.Code)
	}
	if rec := serve(s, "DELETE", "/device"); rec.Code != http.StatusOK {
		t.Errorf("DELETE /device status = %d", rec.Code)
	}

	want := []string{"/dev/video2", "/dev/video9", ""}
	if len(ctrl.selected) != len(want) {
		t.Fatalf("selected = %q, want %q", ctrl.selected, want)
	}
	for i := range want {
		if ctrl.selected[i] != want[i] {
			t.Errorf("selected = %q, want %q", ctrl.selected, want)
		}
	}
}

func TestHandleDevices(t *testing.T) {
	s, _ := newTestServer(t)

	rec := serve(s, "GET", "/devices")

	var devices []scanner.CameraDevice
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "/dev/video0" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestHandlePreview(t *testing.T) {
	s, _ := newTestServer(t)

	frame := image.NewGray(image.Rect(0, 0, 64, 48))
	s.frames = oneFrame{img: frame}

	rec := serve(s, "GET", "/preview.mjpeg")

	if rec.Header().Get("Content-Type") != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}

	body := rec.Body.Bytes()
	if !bytes.HasPrefix(body, []byte("--frame\r\nContent-Type: image/jpeg\r\n")) {
		t.Fatalf("body starts with %q", body[:min(len(body), 40)])
	}

	headerEnd := bytes.Index(body, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		t.Fatal("no part header")
	}
	data := body[headerEnd+4:]

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("jpeg.Decode() error = %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Errorf("frame bounds = %v", img.Bounds())
	}
}

func TestServerLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	s.address = "127.0.0.1:0"

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("go_goroutines")) {
		t.Errorf("GET /metrics status = %d", resp.StatusCode)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.Addr() != "" {
		t.Error("Addr() set after Stop()")
	}
}

func TestServerDisabled(t *testing.T) {
	s, _ := newTestServer(t)
	s.address = httpOff

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Addr() != "" {
		t.Error("disabled server listens")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

var _ controller = (*fakeController)(nil)
