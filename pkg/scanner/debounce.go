package scanner

import (
	"strings"
	"sync"
	"time"
)

const (
	// MinPayloadLength guards against decoder noise
	MinPayloadLength = 3
	// DuplicateWindow is how long the same payload is considered the same scan gesture
	DuplicateWindow = 300 * time.Millisecond
)

// Verdict is the debouncer's decision on a raw detection
type Verdict int

const (
	Accepted Verdict = iota
	RejectedCooldown
	RejectedShort
	RejectedDuplicate
	RejectedFormat
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case RejectedCooldown:
		return "cooldown"
	case RejectedShort:
		return "short"
	case RejectedDuplicate:
		return "duplicate"
	case RejectedFormat:
		return "format"
	default:
		return "unknown"
	}
}

// afterFunc schedules f and returns a function that cancels it
type afterFunc func(d time.Duration, f func()) (cancel func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Debouncer filters raw detections down to distinct scans
type Debouncer struct {
	mu sync.Mutex

	cooldown  time.Duration
	autoReArm bool
	formats   map[string]bool

	enabled     bool
	lastPayload string
	lastAt      time.Time
	count       uint64

	// kept for display, unaffected by re-arm
	shownPayload string
	shownFormat  string

	schedule    afterFunc
	cancelReArm func() bool
	epoch       uint64
	onReArm     func()
}

// NewDebouncer creates an armed debouncer. An empty formats list accepts every symbology.
func NewDebouncer(cooldown time.Duration, autoReArm bool, formats []string) *Debouncer {
	d := &Debouncer{
		cooldown:  cooldown,
		autoReArm: autoReArm,
		enabled:   true,
		schedule:  timeAfterFunc,
	}

	if len(formats) > 0 {
		d.formats = make(map[string]bool, len(formats))
		for _, format := range formats {
			d.formats[strings.ToLower(format)] = true
		}
	}

	return d
}

// Accept applies the rejection rules in order: cool-down, minimum length,
// same payload within DuplicateWindow, format allow-list. An accepted
// detection is counted and, with auto re-arm, starts the cool-down window.
func (d *Debouncer) Accept(payload, format string, now time.Time) (DetectionEvent, Verdict) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return DetectionEvent{}, RejectedCooldown
	}

	if d.formats != nil && format != "" && !d.formats[strings.ToLower(format)] {
		return DetectionEvent{}, RejectedFormat
	}

	if len(payload) < MinPayloadLength {
		return DetectionEvent{}, RejectedShort
	}

	if payload == d.lastPayload && now.Sub(d.lastAt) < DuplicateWindow {
		return DetectionEvent{}, RejectedDuplicate
	}

	d.lastPayload = payload
	d.lastAt = now
	d.shownPayload = payload
	d.shownFormat = format
	d.count++

	if d.autoReArm && d.cooldown > 0 {
		d.enabled = false
		epoch := d.epoch
		d.cancelReArm = d.schedule(d.cooldown, func() { d.reArm(epoch) })
	}

	return DetectionEvent{Payload: payload, Format: format, Timestamp: now}, Accepted
}

func (d *Debouncer) reArm(epoch uint64) {
	d.mu.Lock()
	if epoch != d.epoch {
		d.mu.Unlock()
		return
	}
	d.enabled = true
	d.lastPayload = ""
	d.lastAt = time.Time{}
	d.cancelReArm = nil
	onReArm := d.onReArm
	d.mu.Unlock()

	if onReArm != nil {
		onReArm()
	}
}

// Reset ends any cool-down immediately and forgets the last payload
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	d.enabled = true
	d.lastPayload = ""
	d.lastAt = time.Time{}
}

// Stop cancels a pending re-arm; the debouncer stays in whatever state it's in
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
}

func (d *Debouncer) stopLocked() {
	d.epoch++
	if d.cancelReArm != nil {
		d.cancelReArm()
		d.cancelReArm = nil
	}
}

// Enabled reports whether detections are currently accepted
func (d *Debouncer) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.enabled
}

// Count returns the number of accepted detections
func (d *Debouncer) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.count
}

// Last returns the most recently accepted payload and format
func (d *Debouncer) Last() (string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.shownPayload, d.shownFormat
}
