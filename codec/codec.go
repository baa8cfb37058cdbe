// Package codec turns the raw PCM16 buffers delivered by a capture device
// into a single encoded recording and decodes recordings back to samples.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

type Format string

const (
	FormatWAV  Format = "wav"
	FormatFLAC Format = "flac"
)

var (
	ErrUnknownFormat = errors.New("codec: unknown format")
	ErrInvalidBlob   = errors.New("codec: invalid audio blob")
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatWAV, FormatFLAC:
		return Format(s), nil
	}
	return "", fmt.Errorf("%w %q (use wav or flac)", ErrUnknownFormat, s)
}

// DecodedAudio is a mono recording with samples normalized to [-1, 1].
type DecodedAudio struct {
	SampleRate  int
	DurationSec float64
	Samples     []float64
}

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
}

func NewEncoder(format Format, sampleRate int) (Encoder, error) {
	switch format {
	case FormatWAV:
		return NewWav(sampleRate), nil
	case FormatFLAC:
		return NewFlac(sampleRate)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
}

// Encode assembles PCM16 little-endian chunks into one encoded blob.
// Chunk boundaries need not be sample aligned.
func Encode(format Format, sampleRate int, chunks [][]byte) ([]byte, error) {
	enc, err := NewEncoder(format, sampleRate)
	if err != nil {
		return nil, err
	}

	pcm := bytes.Join(chunks, nil)
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}

	for i := 0; i < len(samples); i += BlockSize {
		end := min(i+BlockSize, len(samples))
		if err := enc.EncodeBlock(samples[i:end]); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

// Decode sniffs the container and returns the first channel as floats.
func Decode(blob []byte) (DecodedAudio, error) {
	switch {
	case len(blob) >= 12 && string(blob[:4]) == "RIFF" && string(blob[8:12]) == "WAVE":
		return decodeWav(blob)
	case len(blob) >= 4 && string(blob[:4]) == "fLaC":
		return decodeFlac(blob)
	default:
		return DecodedAudio{}, fmt.Errorf("%w: unrecognized container (%d bytes)", ErrInvalidBlob, len(blob))
	}
}

func durationOf(n, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate)
}
