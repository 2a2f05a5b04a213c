package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scanner is the public facade of the scanning subsystem. All of its methods
// are safe to call from any goroutine and in any state.
type Scanner struct {
	logger   *zap.SugaredLogger
	cfg      Config
	camera   Camera
	backends []Backend
	streams  *streamController
	feedback *feedback
	sink     *Sink
	now      func() time.Time

	mu               sync.Mutex
	state            State
	gen              uint64
	session          uint64
	wantRunning      bool
	closed           bool
	sessionID        string
	stream           Stream
	decoder          DecodeHandle
	backend          Backend
	backendName      string
	debouncer        *Debouncer
	devices          []CameraDevice
	selectedID       string
	selectionGuessed bool
	activeID         string
	torch            TorchControl
	torchSupported   bool
	torchOn          bool
	lastErr          error

	torchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	consumersMu sync.Mutex
	consumers   []chan struct{}

	queueMu sync.Mutex
	queue   []DetectionEvent
	queued  []uint64
	wake    chan struct{}
}

// Option customises a Scanner
type Option func(*Scanner)

// WithAudio sets the factory used to open the session's audio context
func WithAudio(factory AudioFactory) Option {
	return func(s *Scanner) {
		s.feedback.newAudio = factory
	}
}

// WithVibrator enables haptic feedback
func WithVibrator(vibrator Vibrator) Option {
	return func(s *Scanner) {
		s.feedback.vibrator = vibrator
	}
}

// WithClock replaces the clock used to timestamp detections
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		s.now = now
	}
}

func withAfterFunc(schedule afterFunc) Option {
	return func(s *Scanner) {
		s.debouncer.schedule = schedule
	}
}

// New creates an idle Scanner. Backends are probed in order at every start.
func New(logger *zap.SugaredLogger, camera Camera, backends []Backend, cfg Config, opts ...Option) *Scanner {
	logger = logger.Named("scanner")

	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scanner{
		logger:     logger,
		cfg:        cfg,
		camera:     camera,
		backends:   backends,
		streams:    newStreamController(camera, logger),
		feedback:   newFeedback(logger, nil, nil, cfg.SoundEnabled),
		sink:       newSink(),
		now:        time.Now,
		debouncer:  NewDebouncer(cfg.Cooldown, cfg.AutoReArmAfterCooldown, cfg.Formats),
		selectedID: cfg.DeviceID,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
	}

	s.debouncer.onReArm = func() {
		s.logger.Debug("Scanning re-armed after cool-down")
		s.notifyChange()
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.dispatchLoop()

	logger.Debugw("Created scanner",
		"cooldown", cfg.Cooldown,
		"autoReArm", cfg.AutoReArmAfterCooldown,
		"device", cfg.DeviceID,
		"backends", len(backends))

	return s
}

// Initialize enumerates cameras and, if configured to, starts a session
func (s *Scanner) Initialize(ctx context.Context) error {
	s.RefreshDevices(ctx)

	if !s.cfg.AutoStart {
		return nil
	}

	if err := s.Start(ctx); err != nil && !errors.Is(err, ErrCanceled) {
		return fmt.Errorf("auto-start scanner: %w", err)
	}

	return nil
}

// Sink returns the video sink frames of the active stream are published to
func (s *Scanner) Sink() *Sink {
	return s.sink
}

// Start opens the selected camera and attaches a decode loop. It returns once
// the session is running, has failed (a *CameraError), or was stopped or
// superseded before coming up (ErrCanceled). Starting a session that is
// already running or starting is a no-op.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.wantRunning {
		s.mu.Unlock()
		return nil
	}

	s.gen++
	s.session++
	s.wantRunning = true
	s.state = StateStarting
	s.sessionID = uuid.NewString()
	gen, sessionID := s.gen, s.sessionID
	s.mu.Unlock()

	s.debouncer.Reset()
	s.logger.Infow("Starting scanner session", "session", sessionID)
	s.notifyChange()

	s.RefreshDevices(ctx)

	s.mu.Lock()
	target := s.selectedID
	s.mu.Unlock()

	backend, err := SelectBackend(s.backends)
	if err != nil {
		return s.fail(gen, err)
	}

	_, err = s.streams.acquire(ctx, target, func(stream Stream) error {
		return s.adopt(gen, stream, backend)
	})
	if err != nil {
		if errors.Is(err, ErrCanceled) {
			s.logger.Debugw("Scanner session start canceled", "session", sessionID)
			return ErrCanceled
		}
		return s.fail(gen, err)
	}

	s.afterAcquire()

	return nil
}

// adopt binds a freshly acquired stream to the session. It runs inside the
// stream controller's critical section; returning an error makes the
// controller close the stream.
func (s *Scanner) adopt(gen uint64, stream Stream, backend Backend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.gen != gen || !s.wantRunning {
		return ErrCanceled
	}

	name := backend.Name()
	src := sinkSource{src: stream, sink: s.sink}

	decoder, err := backend.StartDecoding(s.ctx, src, func(payload, format string) {
		rawDecodesTotal.WithLabelValues(name).Inc()
		s.handleRaw(gen, payload, format)
	})
	if err != nil {
		return &CameraError{Cause: CauseDecoder, DeviceID: stream.DeviceID(), Err: err}
	}

	s.stream = stream
	s.decoder = decoder
	s.backend = backend
	s.backendName = name
	s.activeID = stream.DeviceID()
	s.torch, s.torchSupported = probeTorchSupport(stream)
	s.torchOn = false
	s.state = StateRunning
	s.lastErr = nil

	if s.selectedID == "" {
		s.selectedID = s.activeID
		s.selectionGuessed = true
	}

	s.logger.Infow("Scanner running",
		"session", s.sessionID,
		"device", s.activeID,
		"backend", name,
		"torch", s.torchSupported)

	return nil
}

// afterAcquire re-queries devices, since labels are often only disclosed once
// a camera has been opened, and follows a selection made while acquiring
func (s *Scanner) afterAcquire() {
	s.RefreshDevices(s.ctx)

	s.mu.Lock()
	if s.state == StateRunning && s.selectedID != "" && s.selectedID != s.activeID {
		s.logger.Debugw("Selection changed while acquiring", "selected", s.selectedID, "active", s.activeID)
		s.beginSwitchLocked()
	}
	s.mu.Unlock()

	s.notifyChange()
}

// fail unwinds a start or switch attempt to idle. It returns err, or
// ErrCanceled if the attempt had already been superseded.
func (s *Scanner) fail(gen uint64, err error) error {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return ErrCanceled
	}

	s.gen++
	s.session++
	s.wantRunning = false
	s.state = StateIdle
	s.lastErr = err
	ended := s.session
	s.mu.Unlock()

	cameraErrorsTotal.WithLabelValues(ClassifyError(err).String()).Inc()
	s.logger.Errorw("Scanner session failed", "cause", ClassifyError(err), "error", err)

	s.feedback.close(ended)
	s.notifyChange()

	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}

	return err
}

// beginSwitchLocked hands the current stream to a switch worker. Called with
// s.mu held and the session running.
func (s *Scanner) beginSwitchLocked() {
	prev, prevDecoder := s.stream, s.decoder

	s.torchOffLocked()
	s.stream = nil
	s.decoder = nil
	s.activeID = ""
	s.state = StateSwitching
	s.gen++

	s.streams.beginRelease()
	s.sink.clear()

	s.wg.Add(1)
	go s.switchLoop(s.session, prev, prevDecoder)
}

// SetSelectedDeviceID selects the camera to scan with. A running session
// switches to it; an empty id hands the choice back to the rear-camera guess.
func (s *Scanner) SetSelectedDeviceID(id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	if id == "" {
		guess, _ := GuessRearCamera(s.devices)
		id = guess.ID
		s.selectionGuessed = true
	} else {
		if len(s.devices) > 0 && !containsDevice(s.devices, id) {
			s.mu.Unlock()
			return &CameraError{Cause: CauseNotFound, DeviceID: id}
		}
		s.selectionGuessed = false
	}

	s.selectedID = id
	s.logger.Debugw("Selected camera", "device", id, "state", s.state)

	switch s.state {
	case StateRunning:
		if id != "" && id != s.activeID {
			s.beginSwitchLocked()
		}
	case StateSwitching:
		// discard whatever the switch worker is acquiring, it goes again with the new target
		s.gen++
	}
	s.mu.Unlock()

	s.notifyChange()

	return nil
}

func containsDevice(devices []CameraDevice, id string) bool {
	for _, device := range devices {
		if device.ID == id {
			return true
		}
	}

	return false
}

// Stop ends the session and releases its camera stream, decode loop and
// audio context before returning. Stopping an idle scanner does nothing.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.wantRunning && s.stream == nil {
		s.mu.Unlock()
		return
	}

	prevState := s.state
	s.gen++
	s.session++
	s.wantRunning = false
	gen, ended := s.gen, s.session

	stream, decoder := s.stream, s.decoder
	s.torchOffLocked()
	s.stream = nil
	s.decoder = nil
	s.activeID = ""
	if stream != nil {
		s.state = StateStopping
		s.streams.beginRelease()
	} else {
		s.state = StateIdle
	}
	s.mu.Unlock()

	s.logger.Infow("Stopping scanner session", "state", prevState)
	s.notifyChange()

	if decoder != nil {
		decoder.Stop()
	}
	if stream != nil {
		s.streams.finishRelease(stream)
	}

	// a switch worker may still be releasing the previous device
	s.streams.waitForReleases()
	s.sink.clear()
	s.feedback.close(ended)

	s.mu.Lock()
	if s.gen == gen {
		s.state = StateIdle
	}
	s.mu.Unlock()

	s.logger.Debug("Scanner session stopped")
	s.notifyChange()
}

// Close tears the scanner down for good and invokes OnClose. It must not be
// called from OnDetected; a delivery in progress may still complete after
// Close returns.
func (s *Scanner) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.Stop()

	s.mu.Lock()
	s.closed = true
	s.gen++
	s.session++
	ended := s.session
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.debouncer.Stop()
	s.feedback.close(ended)

	s.logger.Debug("Closed scanner")

	if s.cfg.OnClose != nil {
		s.cfg.OnClose()
	}

	return nil
}

// ResetScanner ends the cool-down window and forgets the last payload, so
// the same code can be scanned again right away
func (s *Scanner) ResetScanner() {
	s.debouncer.Reset()
	s.logger.Debug("Reset scanner")
	s.notifyChange()
}

// SetSoundEnabled turns the audible success cue on or off
func (s *Scanner) SetSoundEnabled(enabled bool) {
	s.feedback.setSoundEnabled(enabled)
	s.logger.Debugw("Set sound", "enabled", enabled)
	s.notifyChange()
}

// Snapshot returns a copy of the current session state
func (s *Scanner) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := Snapshot{
		State:            s.state,
		StateName:        s.state.String(),
		SessionID:        s.sessionID,
		Running:          s.state == StateRunning,
		ScanningEnabled:  s.debouncer.Enabled(),
		ActiveDeviceID:   s.activeID,
		SelectedDeviceID: s.selectedID,
		Devices:          make([]CameraDevice, len(s.devices)),
		Backend:          s.backendName,
		DetectionCount:   s.debouncer.Count(),
		TorchEnabled:     s.torchOn,
		TorchSupported:   s.torchSupported,
		SoundEnabled:     s.feedback.isSoundEnabled(),
		LastError:        s.lastErr,
	}
	copy(snapshot.Devices, s.devices)

	if s.cfg.EmitLastPayload {
		snapshot.LastPayload, snapshot.LastFormat = s.debouncer.Last()
	}

	return snapshot
}

// SubscribeToChanges returns a channel that receives a value whenever the
// snapshot may have changed. Notifications coalesce; read Snapshot after each.
func (s *Scanner) SubscribeToChanges() <-chan struct{} {
	ch := make(chan struct{}, 1)

	s.consumersMu.Lock()
	s.consumers = append(s.consumers, ch)
	s.consumersMu.Unlock()

	return ch
}

func (s *Scanner) notifyChange() {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()

	for _, consumer := range s.consumers {
		select {
		case consumer <- struct{}{}:
		default:
		}
	}
}

// handleRaw runs on the decode loop's goroutine for every payload it reports
func (s *Scanner) handleRaw(gen uint64, payload, format string) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateRunning {
		s.mu.Unlock()
		detectionsTotal.WithLabelValues(SourceCamera, "stale").Inc()
		return
	}
	event, verdict := s.debouncer.Accept(payload, format, s.now())
	session := s.session
	s.mu.Unlock()

	detectionsTotal.WithLabelValues(SourceCamera, verdict.String()).Inc()
	if verdict != Accepted {
		return
	}

	event.Source = SourceCamera
	s.logger.Infow("Accepted detection", "payload", payload, "format", format)

	s.enqueue(session, event)
	s.notifyChange()
}

// Submit feeds a payload read by something other than the camera (a handheld
// reader, manual entry) through the same debouncer, feedback and OnDetected
// path. It works whether or not a camera session is running.
func (s *Scanner) Submit(source, payload, format string) (Verdict, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return RejectedCooldown, ErrClosed
	}
	event, verdict := s.debouncer.Accept(payload, format, s.now())
	var session uint64
	if s.wantRunning {
		session = s.session
	}
	s.mu.Unlock()

	detectionsTotal.WithLabelValues(source, verdict.String()).Inc()
	if verdict != Accepted {
		s.logger.Debugw("Rejected submitted payload", "source", source, "verdict", verdict)
		return verdict, nil
	}

	event.Source = source
	s.logger.Infow("Accepted detection", "source", source, "payload", payload, "format", format)

	s.enqueue(session, event)
	s.notifyChange()

	return verdict, nil
}

// enqueue hands an accepted detection to the dispatcher, tagged with the
// camera session it was accepted in. Session 0 marks events accepted while no
// camera session was running.
func (s *Scanner) enqueue(session uint64, event DetectionEvent) {
	s.queueMu.Lock()
	s.queue = append(s.queue, event)
	s.queued = append(s.queued, session)
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scanner) dequeue() (DetectionEvent, uint64, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if len(s.queue) == 0 {
		return DetectionEvent{}, 0, false
	}

	event, session := s.queue[0], s.queued[0]
	s.queue[0] = DetectionEvent{}
	s.queue = s.queue[1:]
	s.queued = s.queued[1:]

	return event, session, true
}

// dispatchLoop plays the success cue and invokes OnDetected for accepted
// detections, one at a time and in order. Keeping consumer callbacks off the
// decode goroutine lets them call back into the Scanner (Stop, Reset) freely.
//
// Every accepted detection reaches OnDetected, even when a switch or Stop
// came in between; the decode-time gate in handleRaw is what keeps stale
// frames out. Only the cue depends on the session still being alive.
func (s *Scanner) dispatchLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			event, session, ok := s.dequeue()
			if !ok {
				break
			}

			if s.ctx.Err() != nil {
				return
			}

			if session == 0 {
				s.feedback.playDetachedCue()
			} else if !s.feedback.playSuccessCue(session) {
				s.logger.Debugw("Session ended before its cue, delivering silently", "payload", event.Payload)
			}

			if s.cfg.OnDetected != nil {
				s.cfg.OnDetected(event)
			}
		}
	}
}
