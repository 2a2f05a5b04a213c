package scanner

import (
	"math"
	"testing"
	"time"
)

func TestToneSamples(t *testing.T) {
	const rate = 44100

	samples := SuccessTone.Samples(rate)
	if want := rate * 150 / 1000; len(samples) != want {
		t.Fatalf("len(samples) = %d, want %d", len(samples), want)
	}

	peak := func(from, to int) float64 {
		top := 0.0
		for _, sample := range samples[from:to] {
			top = math.Max(top, math.Abs(float64(sample)))
		}
		return top
	}

	head := peak(0, rate/100)
	tail := peak(len(samples)-rate/100, len(samples))

	if head > SuccessTone.Gain+1e-6 || head < SuccessTone.Gain*0.8 {
		t.Errorf("head amplitude = %f, want about %f", head, SuccessTone.Gain)
	}
	if tail > SuccessTone.FloorGain*2 {
		t.Errorf("tail amplitude = %f, want decayed to about %f", tail, SuccessTone.FloorGain)
	}
}

func TestToneSamplesEmpty(t *testing.T) {
	if samples := (Tone{Frequency: 800}).Samples(44100); samples != nil {
		t.Errorf("zero-length tone produced %d samples", len(samples))
	}
	if samples := (Tone{Frequency: 800, Duration: time.Second}).Samples(44100); samples != nil {
		t.Errorf("silent tone produced %d samples", len(samples))
	}
}
