package scanner

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tone is a sine tone with an exponential decay envelope
type Tone struct {
	Frequency float64
	Duration  time.Duration
	// Gain is the starting amplitude, FloorGain the amplitude the envelope decays to
	Gain      float64
	FloorGain float64
}

// SuccessTone is the short chirp played on every accepted detection
var SuccessTone = Tone{
	Frequency: 800,
	Duration:  150 * time.Millisecond,
	Gain:      0.3,
	FloorGain: 0.01,
}

// HapticPulse is the vibration length played on every accepted detection
const HapticPulse = 100 * time.Millisecond

// Samples renders the tone as mono float32 PCM at sampleRate
func (t Tone) Samples(sampleRate int) []float32 {
	n := int(int64(sampleRate) * int64(t.Duration) / int64(time.Second))
	if n <= 0 || t.Gain <= 0 {
		return nil
	}

	floor := t.FloorGain
	if floor <= 0 || floor > t.Gain {
		floor = t.Gain
	}
	ratio := floor / t.Gain

	out := make([]float32, n)
	for i := range out {
		envelope := t.Gain * math.Pow(ratio, float64(i)/float64(n))
		out[i] = float32(envelope * math.Sin(2*math.Pi*t.Frequency*float64(i)/float64(sampleRate)))
	}

	return out
}

// feedback plays the success cue. Its audio context belongs to the current
// camera session: opened on the first cue, closed when the session ends.
// Cues for detections made outside a session get a context of their own that
// is closed right after the tone. Every failure here is logged and swallowed.
type feedback struct {
	logger   *zap.SugaredLogger
	newAudio AudioFactory
	vibrator Vibrator

	mu           sync.Mutex
	soundEnabled bool
	audio        AudioContext
	// sessions numbered below current have ended
	current uint64
	// set after the factory fails so a broken audio stack isn't retried on every scan
	audioFailed bool
}

func newFeedback(logger *zap.SugaredLogger, newAudio AudioFactory, vibrator Vibrator, soundEnabled bool) *feedback {
	return &feedback{
		logger:       logger.Named("feedback"),
		newAudio:     newAudio,
		vibrator:     vibrator,
		soundEnabled: soundEnabled,
	}
}

func (f *feedback) setSoundEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.soundEnabled = enabled
}

func (f *feedback) isSoundEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.soundEnabled
}

// playSuccessCue plays the cue on the session's audio context and blocks
// for the length of the tone. It does nothing and returns false once the
// session has ended.
func (f *feedback) playSuccessCue(session uint64) bool {
	f.mu.Lock()
	if session < f.current {
		f.mu.Unlock()
		return false
	}
	if f.soundEnabled {
		if audio := f.audioLocked(); audio != nil {
			f.playTone(audio)
		}
	}
	f.mu.Unlock()

	f.vibrate()

	return true
}

// playDetachedCue plays the cue for a detection made while no camera session
// runs
func (f *feedback) playDetachedCue() {
	f.mu.Lock()
	enabled, newAudio := f.soundEnabled, f.newAudio
	f.mu.Unlock()

	if enabled && newAudio != nil {
		audio, err := newAudio()
		if err != nil {
			f.logger.Debugw("Audio unavailable, success cue will be silent", "error", err)
		} else {
			f.playTone(audio)
			if err := audio.Close(); err != nil {
				f.logger.Debugw("Failed to close audio context", "error", err)
			}
		}
	}

	f.vibrate()
}

func (f *feedback) playTone(audio AudioContext) {
	if err := audio.PlayTone(SuccessTone); err != nil {
		f.logger.Debugw("Failed to play success tone", "error", err)
	}
}

func (f *feedback) vibrate() {
	if f.vibrator != nil && f.vibrator.Supported() {
		if err := f.vibrator.Vibrate(HapticPulse); err != nil {
			f.logger.Debugw("Failed to vibrate", "error", err)
		}
	}
}

func (f *feedback) audioLocked() AudioContext {
	if f.audio != nil || f.audioFailed || f.newAudio == nil {
		return f.audio
	}

	audio, err := f.newAudio()
	if err != nil {
		f.logger.Infow("Audio unavailable, success cue will be silent", "error", err)
		f.audioFailed = true
		return nil
	}

	f.logger.Debug("Opened audio context")
	f.audio = audio

	return audio
}

// close releases the session's audio context, if one was opened. Sessions
// numbered below next get no further cues.
func (f *feedback) close(next uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if next > f.current {
		f.current = next
	}
	f.audioFailed = false
	if f.audio == nil {
		return
	}

	if err := f.audio.Close(); err != nil {
		f.logger.Debugw("Failed to close audio context", "error", err)
	} else {
		f.logger.Debug("Closed audio context")
	}
	f.audio = nil
}
