package main

import "time"

const (
	silenceWarnAfter = 1500 * time.Millisecond
	silenceFloor     = 0.001 // rms of a muted or unplugged input
	inputMinRatio    = 0.10
	inputClearRatio  = 0.25 // higher threshold to clear warning (hysteresis)
)

type SilenceEvent int

const (
	SilenceNone      SilenceEvent = iota
	SilenceWarn                   // input looks dead
	SilenceWarnClear              // input came back after a warning
)

// silenceMonitor watches whether the microphone delivers anything above the
// floor during a recording. It only warns; recordings are never cut short.
type silenceMonitor struct {
	windowSz int

	ticks  int
	window []bool
	warned bool
}

func newSilenceMonitor(tick time.Duration) *silenceMonitor {
	windowSz := max(1, int(silenceWarnAfter/tick))
	return &silenceMonitor{
		windowSz: windowSz,
		window:   make([]bool, windowSz),
	}
}

func (m *silenceMonitor) ratio() float64 {
	n := min(m.ticks, m.windowSz)
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *silenceMonitor) Tick(hasInput bool) SilenceEvent {
	m.window[m.ticks%m.windowSz] = hasInput
	m.ticks++

	r := m.ratio()
	if m.ticks >= m.windowSz && r < inputMinRatio && !m.warned {
		m.warned = true
		return SilenceWarn
	}
	if m.warned && r >= inputClearRatio {
		m.warned = false
		return SilenceWarnClear
	}
	return SilenceNone
}

func (m *silenceMonitor) Warned() bool { return m.warned }
