package lendscan

import (
	"sync"

	"github.com/toolcrib/lendscan/pkg/scanner"
)

const defaultHistorySize = 50

// History keeps the most recent accepted detections from every source
type History struct {
	lock   sync.RWMutex
	events []scanner.DetectionEvent
	next   int
	full   bool
}

// NewHistory creates a History holding up to size events
func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}

	return &History{events: make([]scanner.DetectionEvent, size)}
}

// Add records an event, evicting the oldest one once the history is full
func (h *History) Add(event scanner.DetectionEvent) {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.events[h.next] = event
	h.next = (h.next + 1) % len(h.events)
	if h.next == 0 {
		h.full = true
	}
}

// List returns the recorded events, newest first
func (h *History) List() []scanner.DetectionEvent {
	h.lock.RLock()
	defer h.lock.RUnlock()

	count := h.next
	if h.full {
		count = len(h.events)
	}

	result := make([]scanner.DetectionEvent, 0, count)
	for i := 1; i <= count; i++ {
		result = append(result, h.events[(h.next-i+len(h.events))%len(h.events)])
	}

	return result
}

// Len returns the number of recorded events
func (h *History) Len() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	if h.full {
		return len(h.events)
	}

	return h.next
}
