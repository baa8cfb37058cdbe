// Package beep plays short audible cues for recording and check-in events.
package beep

import (
	"math"
	"sync"
	"sync/atomic"
)

var disabled atomic.Bool

// Disable silences every cue for the rest of the process.
func Disable() { disabled.Store(true) }

// Cue identifies one of the fixed feedback sounds.
type Cue int

const (
	CueStart Cue = iota
	CueStop
	CueNoise
	CueError
)

func (c Cue) String() string {
	switch c {
	case CueStart:
		return "start"
	case CueStop:
		return "stop"
	case CueNoise:
		return "noise"
	case CueError:
		return "error"
	}
	return "unknown"
}

const (
	sampleRate = 44100

	// Start: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// Stop: medium pitch, slightly longer
	stopFreq   = 900
	stopVolume = 0.5
	stopDecay  = 40

	// Noise detected: rising pair
	noiseLowFreq  = 700
	noiseHighFreq = 1400
	noiseVolume   = 0.45
	noiseDecay    = 35

	// Error: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)

var (
	cueOnce    sync.Once
	cueSamples map[Cue][]int16
)

func buildCues() {
	cueSamples = map[Cue][]int16{
		CueStart: tick(startFreq, cueDurations.start, startVolume, startDecay),
		CueStop:  tick(stopFreq, cueDurations.stop, stopVolume, stopDecay),
		CueNoise: sequence(cueDurations.gap,
			tick(noiseLowFreq, cueDurations.pair, noiseVolume, noiseDecay),
			tick(noiseHighFreq, cueDurations.pair, noiseVolume, noiseDecay)),
		CueError: sequence(cueDurations.gap,
			tick(errorFreq, cueDurations.pair, errorVolume, errorDecay),
			tick(errorFreq, cueDurations.pair, errorVolume, errorDecay)),
	}
}

// samples returns the mono PCM for c at sampleRate.
func samples(c Cue) []int16 {
	cueOnce.Do(buildCues)
	return cueSamples[c]
}

func tick(freq, duration, volume, decay float64) []int16 {
	n := int(float64(sampleRate) * duration)
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / float64(sampleRate)
		envelope := math.Exp(-t * decay)
		out[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return out
}

func sequence(gap float64, parts ...[]int16) []int16 {
	silence := make([]int16, int(float64(sampleRate)*gap))
	var out []int16
	for i, p := range parts {
		if i > 0 {
			out = append(out, silence...)
		}
		out = append(out, p...)
	}
	return out
}

// Init prepares the cue buffers and the playback backend.
func Init() {
	cueOnce.Do(buildCues)
	initBackend()
}

// Play starts c asynchronously. It is a no-op once Disable has been called.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	s := samples(c)
	if len(s) == 0 {
		return
	}
	go play(s)
}

func PlayStart() { Play(CueStart) }
func PlayStop()  { Play(CueStop) }
func PlayNoise() { Play(CueNoise) }
func PlayError() { Play(CueError) }
