package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// streamController owns the camera. It guarantees that acquisitions never
// overlap each other nor a pending release, so the session holds at most one
// open stream even while switching devices.
type streamController struct {
	camera Camera
	logger *zap.SugaredLogger

	// held for the whole of an acquisition, including the adopt decision
	acquireMu sync.Mutex

	releaseLock sync.Mutex
	releaseCond *sync.Cond
	releasing   int
}

// ownedStream makes Close idempotent and keeps the open-stream gauge honest
type ownedStream struct {
	Stream
	once sync.Once
	err  error
}

func (o *ownedStream) Close() error {
	o.once.Do(func() {
		o.err = o.Stream.Close()
		streamsOpen.Dec()
	})

	return o.err
}

func newStreamController(camera Camera, logger *zap.SugaredLogger) *streamController {
	c := &streamController{
		camera: camera,
		logger: logger.Named("stream"),
	}
	c.releaseCond = sync.NewCond(&c.releaseLock)

	return c
}

// acquire opens deviceID (or the environment-facing camera when empty) and
// hands the stream to adopt. If adopt returns an error the stream is closed
// before acquire returns, still inside the acquisition critical section.
func (c *streamController) acquire(ctx context.Context, deviceID string, adopt func(Stream) error) (Stream, error) {
	c.acquireMu.Lock()
	defer c.acquireMu.Unlock()

	c.waitForReleases()

	req := OpenRequest{DeviceID: deviceID}
	if deviceID == "" {
		req.Facing = FacingEnvironment
	}

	c.logger.Debugw("Acquiring camera stream", "device", deviceID, "facing", req.Facing)

	raw, err := c.camera.Open(ctx, req)
	if err != nil {
		camErr := asCameraError(err, deviceID)
		c.logger.Warnw("Failed to acquire camera stream", "device", deviceID, "cause", camErr.Cause, "error", err)
		return nil, camErr
	}

	streamsOpen.Inc()
	streamAcquisitionsTotal.Inc()
	stream := &ownedStream{Stream: raw}

	if err := adopt(stream); err != nil {
		if errors.Is(err, ErrCanceled) {
			c.logger.Debugw("Discarding superseded camera stream", "device", stream.DeviceID())
		} else {
			c.logger.Warnw("Failed to attach camera stream", "device", stream.DeviceID(), "error", err)
		}

		c.close(stream)
		return nil, err
	}

	c.logger.Debugw("Acquired camera stream", "device", stream.DeviceID())

	return stream, nil
}

// beginRelease marks a release as pending. It must be called while the caller
// still owns the stream, before any new acquisition can observe the session.
func (c *streamController) beginRelease() {
	c.releaseLock.Lock()
	c.releasing++
	c.releaseLock.Unlock()
}

// finishRelease closes the stream and lets waiting acquisitions proceed
func (c *streamController) finishRelease(stream Stream) {
	if stream != nil {
		c.close(stream)
	}

	c.releaseLock.Lock()
	c.releasing--
	c.releaseCond.Broadcast()
	c.releaseLock.Unlock()
}

func (c *streamController) waitForReleases() {
	c.releaseLock.Lock()
	for c.releasing > 0 {
		c.releaseCond.Wait()
	}
	c.releaseLock.Unlock()
}

func (c *streamController) close(stream Stream) {
	if err := stream.Close(); err != nil {
		c.logger.Warnw("Failed to release camera stream", "device", stream.DeviceID(), "error", err)
	} else {
		c.logger.Debugw("Released camera stream", "device", stream.DeviceID())
	}
}

// switchLoop runs the device-switch transition: the previous stream is
// released, the camera gets a settling delay, then the most recently selected
// device is acquired. Requests arriving meanwhile just move the target; an
// acquisition they supersede is discarded by adopt and the loop goes again.
func (s *Scanner) switchLoop(session uint64, prev Stream, prevDecoder DecodeHandle) {
	defer s.wg.Done()

	if prevDecoder != nil {
		prevDecoder.Stop()
	}
	s.streams.finishRelease(prev)

	for {
		select {
		case <-time.After(s.cfg.SettleDelay):
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		if s.session != session || !s.wantRunning {
			s.mu.Unlock()
			s.logger.Debug("Abandoning device switch, session ended")
			return
		}
		gen := s.gen
		target := s.selectedID
		backend := s.backend
		s.mu.Unlock()

		s.logger.Infow("Switching camera", "device", target)

		_, err := s.streams.acquire(s.ctx, target, func(stream Stream) error {
			return s.adopt(gen, stream, backend)
		})

		switch {
		case err == nil:
			s.afterAcquire()
			return
		case errors.Is(err, ErrCanceled):
			continue
		default:
			s.fail(gen, err)
			return
		}
	}
}
