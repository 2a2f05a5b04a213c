package scanner

import (
	"context"
	"image"
	"sync"
)

// Sink is the video sink a session's stream is bound to. It keeps the latest
// frame for previews; readers never block the decode loop.
type Sink struct {
	mu      sync.RWMutex
	frame   image.Image
	seq     uint64
	updated chan struct{}
}

func newSink() *Sink {
	return &Sink{updated: make(chan struct{})}
}

// Latest returns the most recent frame and its sequence number. The frame is
// nil when no stream is bound.
func (s *Sink) Latest() (image.Image, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.frame, s.seq
}

// Wait blocks until a frame newer than after is published
func (s *Sink) Wait(ctx context.Context, after uint64) (image.Image, uint64, error) {
	for {
		s.mu.RLock()
		frame, seq, updated := s.frame, s.seq, s.updated
		s.mu.RUnlock()

		if seq > after && frame != nil {
			return frame, seq, nil
		}

		select {
		case <-ctx.Done():
			return nil, seq, ctx.Err()
		case <-updated:
		}
	}
}

func (s *Sink) publish(img image.Image) {
	s.mu.Lock()
	s.frame = img
	s.seq++
	close(s.updated)
	s.updated = make(chan struct{})
	s.mu.Unlock()
}

// clear unbinds the sink when the session's stream goes away
func (s *Sink) clear() {
	s.mu.Lock()
	s.frame = nil
	s.mu.Unlock()
}
