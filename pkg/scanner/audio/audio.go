// Package audio provides audio contexts for the scanner's success cue
package audio

import (
	"errors"
	"fmt"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/jfreymuth/pulse"
	"go.uber.org/zap"

	"github.com/toolcrib/lendscan/pkg/scanner"
)

const (
	sampleRate = 44100
	// seconds of buffering requested from the server; short so the cue isn't late
	latency = 0.05
)

// Pulse returns a factory for PulseAudio contexts. Each context holds one
// client connection; every tone is a short playback stream on it.
func Pulse(logger *zap.SugaredLogger) scanner.AudioFactory {
	logger = logger.Named("pulse")

	return func() (scanner.AudioContext, error) {
		client, err := pulse.NewClient(pulse.ClientApplicationName("lendscan"))
		if err != nil {
			return nil, fmt.Errorf("connect to PulseAudio: %w", err)
		}

		logger.Debug("Connected to PulseAudio")

		return &pulseContext{logger: logger, client: client}, nil
	}
}

type pulseContext struct {
	logger *zap.SugaredLogger
	client *pulse.Client
}

// PlayTone blocks until the tone has been played
func (p *pulseContext) PlayTone(tone scanner.Tone) error {
	samples := tone.Samples(sampleRate)

	stream, err := p.client.NewPlayback(pulse.Float32Reader(func(out []float32) (int, error) {
		n := copy(out, samples)
		samples = samples[n:]
		if len(samples) == 0 {
			return n, pulse.EndOfData
		}
		return n, nil
	}), pulse.PlaybackMono, pulse.PlaybackSampleRate(sampleRate), pulse.PlaybackLatency(latency))
	if err != nil {
		return fmt.Errorf("create playback stream: %w", err)
	}
	defer stream.Close()

	stream.Start()
	stream.Drain()

	if err := stream.Error(); err != nil {
		return fmt.Errorf("play tone: %w", err)
	}

	return nil
}

func (p *pulseContext) Close() error {
	p.client.Close()
	p.logger.Debug("Disconnected from PulseAudio")

	return nil
}

// Bell returns a factory for contexts that play tones on the system beeper
// (or the platform's closest equivalent)
func Bell() scanner.AudioFactory {
	return func() (scanner.AudioContext, error) {
		return bell{}, nil
	}
}

type bell struct{}

func (bell) PlayTone(tone scanner.Tone) error {
	if err := beeep.Beep(tone.Frequency, int(tone.Duration/time.Millisecond)); err != nil {
		return fmt.Errorf("beep: %w", err)
	}

	return nil
}

func (bell) Close() error {
	return nil
}

// Chain returns a factory that tries each factory in order and uses the
// first that succeeds
func Chain(factories ...scanner.AudioFactory) scanner.AudioFactory {
	return func() (scanner.AudioContext, error) {
		var errs []error

		for _, factory := range factories {
			if factory == nil {
				continue
			}

			ctx, err := factory()
			if err == nil {
				return ctx, nil
			}
			errs = append(errs, err)
		}

		if len(errs) == 0 {
			return nil, errors.New("no audio output configured")
		}

		return nil, errors.Join(errs...)
	}
}
