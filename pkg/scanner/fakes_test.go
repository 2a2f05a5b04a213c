package scanner

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeCamera struct {
	mu         sync.Mutex
	devices    []CameraDevice
	devicesErr error
	openErr    map[string]error
	torch      bool
	streams    []*fakeStream

	// when set, Open reports the device it was asked for and then waits on gate
	opening chan string
	gate    chan struct{}
}

func (c *fakeCamera) Devices(ctx context.Context) ([]CameraDevice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.devicesErr != nil {
		return nil, c.devicesErr
	}

	devices := make([]CameraDevice, len(c.devices))
	copy(devices, c.devices)

	return devices, nil
}

func (c *fakeCamera) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	id := req.DeviceID
	if id == "" {
		id = "environment"
	}

	if c.opening != nil {
		c.opening <- id
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.openErr[id]; err != nil {
		return nil, err
	}

	stream := &fakeStream{id: id, closed: make(chan struct{})}
	if c.torch {
		stream.torch = &fakeTorch{}
	}
	c.streams = append(c.streams, stream)

	return stream, nil
}

// openStreams lists the devices of streams that haven't been closed
func (c *fakeCamera) openStreams() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var open []string
	for _, stream := range c.streams {
		if !stream.isClosed() {
			open = append(open, stream.id)
		}
	}

	return open
}

func (c *fakeCamera) allStreams() []*fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*fakeStream(nil), c.streams...)
}

type fakeStream struct {
	id     string
	torch  *fakeTorch
	closed chan struct{}

	mu         sync.Mutex
	closeCalls int
}

func (s *fakeStream) NextFrame(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrStreamClosed
	}
}

func (s *fakeStream) DeviceID() string {
	return s.id
}

func (s *fakeStream) Torch() TorchControl {
	if s.torch == nil {
		return nil
	}

	return s.torch
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeCalls++
	if s.closeCalls == 1 {
		close(s.closed)
	}

	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closeCalls > 0
}

func (s *fakeStream) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closeCalls
}

type fakeTorch struct {
	mu  sync.Mutex
	on  bool
	err error
}

func (t *fakeTorch) SetTorch(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return t.err
	}
	t.on = on

	return nil
}

func (t *fakeTorch) isOn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.on
}

// fakeBackend never decodes on its own; tests push payloads through emit
type fakeBackend struct {
	mu          sync.Mutex
	unavailable bool
	startErr    error
	onRaw       func(payload, format string)
	handles     []*fakeHandle
}

func (b *fakeBackend) Name() string {
	return "fake"
}

func (b *fakeBackend) Available() bool {
	return !b.unavailable
}

func (b *fakeBackend) StartDecoding(ctx context.Context, src FrameSource, onRaw func(payload, format string)) (DecodeHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.startErr != nil {
		return nil, b.startErr
	}

	b.onRaw = onRaw
	handle := &fakeHandle{}
	b.handles = append(b.handles, handle)

	return handle, nil
}

func (b *fakeBackend) emit(payload, format string) {
	b.mu.Lock()
	onRaw := b.onRaw
	b.mu.Unlock()

	if onRaw != nil {
		onRaw(payload, format)
	}
}

func (b *fakeBackend) callback() func(payload, format string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.onRaw
}

func (b *fakeBackend) runningHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	running := 0
	for _, handle := range b.handles {
		if !handle.isStopped() {
			running++
		}
	}

	return running
}

type fakeHandle struct {
	mu      sync.Mutex
	stopped bool
}

func (h *fakeHandle) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

func (h *fakeHandle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.stopped
}

// fakeClock drives both detection timestamps and cool-down timers
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	at   time.Time
	f    func()
	done bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, timer)

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()

		pending := !timer.done
		timer.done = true
		return pending
	}
}

// Advance moves the clock and fires every timer that became due
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)

	var due []func()
	for _, timer := range c.timers {
		if !timer.done && !timer.at.After(c.now) {
			timer.done = true
			due = append(due, timer.f)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
}

type fakeAudio struct {
	mu     sync.Mutex
	tones  []Tone
	closed int
	played chan struct{}
}

func (a *fakeAudio) PlayTone(tone Tone) error {
	a.mu.Lock()
	a.tones = append(a.tones, tone)
	a.mu.Unlock()

	if a.played != nil {
		a.played <- struct{}{}
	}

	return nil
}

func (a *fakeAudio) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed++

	return nil
}

func (a *fakeAudio) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.tones), a.closed
}

type fakeVibrator struct {
	mu     sync.Mutex
	pulses []time.Duration
}

func (v *fakeVibrator) Supported() bool {
	return true
}

func (v *fakeVibrator) Vibrate(d time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.pulses = append(v.pulses, d)

	return nil
}

func (v *fakeVibrator) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return len(v.pulses)
}

// harness wires a Scanner to fakes and collects its callbacks
type harness struct {
	t        *testing.T
	scanner  *Scanner
	camera   *fakeCamera
	backend  *fakeBackend
	clock    *fakeClock
	detected chan DetectionEvent
	errs     chan error
}

func newHarness(t *testing.T, camera *fakeCamera, cfg Config, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		camera:   camera,
		backend:  &fakeBackend{},
		clock:    newFakeClock(),
		detected: make(chan DetectionEvent, 16),
		errs:     make(chan error, 4),
	}

	if cfg.OnDetected == nil {
		cfg.OnDetected = func(event DetectionEvent) {
			h.detected <- event
		}
	}
	cfg.OnError = func(err error) {
		h.errs <- err
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 5 * time.Millisecond
	}

	opts = append([]Option{WithClock(h.clock.Now), withAfterFunc(h.clock.AfterFunc)}, opts...)
	h.scanner = New(zaptest.NewLogger(t).Sugar(), camera, []Backend{h.backend}, cfg, opts...)

	t.Cleanup(func() {
		h.scanner.Close()
	})

	return h
}

func (h *harness) start() {
	h.t.Helper()

	if err := h.scanner.Start(context.Background()); err != nil {
		h.t.Fatalf("Start() error = %v", err)
	}
}

func (h *harness) expectDetection(payload string) DetectionEvent {
	h.t.Helper()

	select {
	case event := <-h.detected:
		if event.Payload != payload {
			h.t.Fatalf("OnDetected payload = %q, want %q", event.Payload, payload)
		}
		return event
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for detection of %q", payload)
	}

	return DetectionEvent{}
}

func (h *harness) expectNoDetection() {
	h.t.Helper()

	select {
	case event := <-h.detected:
		h.t.Fatalf("unexpected OnDetected(%q)", event.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(time.Millisecond):
		}
	}
}

func twoCameras() *fakeCamera {
	return &fakeCamera{devices: []CameraDevice{
		{ID: "front", Label: "Integrated Camera"},
		{ID: "rear", Label: "Back Camera"},
	}}
}
