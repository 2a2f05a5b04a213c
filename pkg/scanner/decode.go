package scanner

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"
)

// Backend decodes barcode payloads from a frame source. Implementations must
// not invoke onRaw synchronously from StartDecoding; onRaw may be called from
// any goroutine until the returned handle is stopped.
type Backend interface {
	Name() string

	// Available reports whether the backend can run on this build/host
	Available() bool

	StartDecoding(ctx context.Context, src FrameSource, onRaw func(payload, format string)) (DecodeHandle, error)
}

// DecodeHandle is a running decode loop
type DecodeHandle interface {
	// Stop ends the loop and waits for it; safe to call more than once
	Stop()
}

// SelectBackend returns the first available backend
func SelectBackend(backends []Backend) (Backend, error) {
	for _, backend := range backends {
		if backend != nil && backend.Available() {
			return backend, nil
		}
	}

	return nil, &CameraError{Cause: CauseDecoder, Err: errors.New("no decoding backend available")}
}

// FrameDecoder extracts at most one payload from a frame
type FrameDecoder func(img image.Image) (payload string, format string, ok bool)

// delay after a failed frame read so a flapping source doesn't spin
const frameErrorBackoff = 20 * time.Millisecond

type frameLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// StartFrameLoop runs decode on every frame of src in its own goroutine and
// reports each payload found. Unreadable or undecodable frames are dropped.
// The loop ends when ctx is done, the handle is stopped or src is closed.
func StartFrameLoop(ctx context.Context, src FrameSource, decode FrameDecoder, onRaw func(payload, format string)) DecodeHandle {
	ctx, cancel := context.WithCancel(ctx)
	loop := &frameLoop{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(loop.done)

		for {
			img, err := src.NextFrame(ctx)
			if ctx.Err() != nil || errors.Is(err, ErrStreamClosed) {
				return
			}
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(frameErrorBackoff):
				}
				continue
			}

			if payload, format, ok := decode(img); ok && ctx.Err() == nil {
				onRaw(payload, format)
			}
		}
	}()

	return loop
}

func (l *frameLoop) Stop() {
	l.once.Do(l.cancel)
	<-l.done
}

// sinkSource publishes every frame it reads to the session's video sink
type sinkSource struct {
	src  FrameSource
	sink *Sink
}

func (s sinkSource) NextFrame(ctx context.Context) (image.Image, error) {
	img, err := s.src.NextFrame(ctx)
	if err == nil && img != nil {
		s.sink.publish(img)
	}

	return img, err
}
