// Package loudness holds the pure signal math behind a noise check-in:
// amplitude metrics, the detection policy and the stress score mapping.
package loudness

import "math"

const (
	DefaultThreshold = 0.03
	DefaultStressMin = 0.02
	DefaultStressMax = 0.12
)

// RMS returns sqrt(sum(s^2) / max(1, n)). An empty sequence yields 0.
func RMS(samples []float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(max(1, len(samples))))
}

// Peak returns the largest absolute sample, or 0 for an empty sequence.
func Peak(samples []float64) float64 {
	var peak float64
	for _, s := range samples {
		if v := math.Abs(s); v > peak {
			peak = v
		}
	}
	return peak
}

// Measure computes RMS and peak in a single pass.
func Measure(samples []float64) (rms, peak float64) {
	var sum float64
	for _, s := range samples {
		sum += s * s
		if v := math.Abs(s); v > peak {
			peak = v
		}
	}
	return math.Sqrt(sum / float64(max(1, len(samples)))), peak
}

// PCM16Level is the RMS of a little-endian PCM16 buffer, used for the live
// input meter while recording.
func PCM16Level(data []byte) float64 {
	n := len(data) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(uint16(data[i]) | uint16(data[i+1])<<8)
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	return math.Sqrt(sumSquares / float64(n))
}

type Policy struct {
	Threshold float64
}

func DefaultPolicy() Policy { return Policy{Threshold: DefaultThreshold} }

// IsNoise reports whether rms reaches the threshold. The boundary is inclusive.
func (p Policy) IsNoise(rms float64) bool {
	return rms >= p.Threshold
}

// ScoreMapper maps an RMS value linearly onto a [0,1] stress score.
type ScoreMapper struct {
	Min float64
	Max float64
}

func DefaultScoreMapper() ScoreMapper {
	return ScoreMapper{Min: DefaultStressMin, Max: DefaultStressMax}
}

func (m ScoreMapper) Score(rms float64) float64 {
	if m.Max <= m.Min {
		if rms >= m.Max {
			return 1
		}
		return 0
	}
	v := (rms - m.Min) / (m.Max - m.Min)
	return min(1, max(0, v))
}
