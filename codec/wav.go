package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// writeSeeker is an in-memory io.WriteSeeker; the WAV encoder rewrites the
// RIFF sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if end := w.pos + len(p); end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, errors.New("writeSeeker: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("writeSeeker: negative position")
	}
	w.pos = int(abs)
	return abs, nil
}

type WavEncoder struct {
	out         writeSeeker
	enc         *wav.Encoder
	format      *audio.Format
	totalFrames uint64
	closed      bool
}

func NewWav(sampleRate int) *WavEncoder {
	e := &WavEncoder{
		format: &audio.Format{SampleRate: sampleRate, NumChannels: Channels},
	}
	e.enc = wav.NewEncoder(&e.out, sampleRate, BitsPerSample, Channels, 1)
	return e
}

func (e *WavEncoder) EncodeBlock(block []int16) error {
	data := make([]int, len(block))
	for i, s := range block {
		data[i] = int(s)
	}
	if err := e.enc.Write(&audio.IntBuffer{Data: data, Format: e.format, SourceBitDepth: BitsPerSample}); err != nil {
		return fmt.Errorf("writing wav samples: %w", err)
	}
	e.totalFrames += uint64(len(block))
	return nil
}

func (e *WavEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	// The header is only emitted by Write, so an empty recording still needs one.
	if e.totalFrames == 0 {
		if err := e.enc.Write(&audio.IntBuffer{Data: []int{}, Format: e.format, SourceBitDepth: BitsPerSample}); err != nil {
			return fmt.Errorf("writing wav header: %w", err)
		}
	}
	return e.enc.Close()
}

func (e *WavEncoder) Bytes() []byte {
	return e.out.buf
}

func (e *WavEncoder) TotalFrames() uint64 {
	return e.totalFrames
}

func audioDivisor(bitDepth int) (float64, error) {
	switch bitDepth {
	case 8:
		return 128.0, nil
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}
}

func decodeWav(blob []byte) (DecodedAudio, error) {
	decoder := wav.NewDecoder(bytes.NewReader(blob))
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return DecodedAudio{}, fmt.Errorf("%w: not a valid WAV file", ErrInvalidBlob)
	}

	divisor, err := audioDivisor(int(decoder.BitDepth))
	if err != nil {
		return DecodedAudio{}, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	chans := int(decoder.NumChans)
	if chans < 1 {
		return DecodedAudio{}, fmt.Errorf("%w: no channels", ErrInvalidBlob)
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, BlockSize*chans),
		Format: &audio.Format{SampleRate: int(decoder.SampleRate), NumChannels: chans},
	}

	var samples []float64
	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return DecodedAudio{}, fmt.Errorf("%w: reading PCM: %v", ErrInvalidBlob, err)
		}
		if n == 0 {
			break
		}
		// first channel only
		for i := 0; i < n; i += chans {
			samples = append(samples, float64(buf.Data[i])/divisor)
		}
	}

	rate := int(decoder.SampleRate)
	return DecodedAudio{
		SampleRate:  rate,
		DurationSec: durationOf(len(samples), rate),
		Samples:     samples,
	}, nil
}
