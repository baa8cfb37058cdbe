package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

type FlacEncoder struct {
	buf         bytes.Buffer
	enc         *flac.Encoder
	sampleRate  int
	totalFrames uint64
	mu          sync.Mutex
}

func NewFlac(sampleRate int) (*FlacEncoder, error) {
	e := &FlacEncoder{sampleRate: sampleRate}
	info := &meta.StreamInfo{
		BlockSizeMin:  BlockSize,
		BlockSizeMax:  BlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     Channels,
		BitsPerSample: BitsPerSample,
		NSamples:      0,
	}
	enc, err := flac.NewEncoder(&e.buf, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	e.enc = enc
	return e, nil
}

func (e *FlacEncoder) EncodeBlock(block []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	samples32 := make([]int32, len(block))
	for i, s := range block {
		samples32[i] = int32(s)
	}

	subframe := &frame.Subframe{
		SubHeader: frame.SubHeader{
			Pred: frame.PredVerbatim,
		},
		Samples:  samples32,
		NSamples: len(block),
	}

	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(block)),
			SampleRate:    uint32(e.sampleRate),
			Channels:      frame.ChannelsMono,
			BitsPerSample: BitsPerSample,
		},
		Subframes: []*frame.Subframe{subframe},
	}

	if err := e.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	e.totalFrames += uint64(len(block))
	return nil
}

func (e *FlacEncoder) Close() error {
	return e.enc.Close()
}

func (e *FlacEncoder) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *FlacEncoder) TotalFrames() uint64 {
	return e.totalFrames
}

func decodeFlac(blob []byte) (DecodedAudio, error) {
	stream, err := flac.New(bytes.NewReader(blob))
	if err != nil {
		return DecodedAudio{}, fmt.Errorf("%w: flac header: %v", ErrInvalidBlob, err)
	}
	defer stream.Close()

	bits := stream.Info.BitsPerSample
	if bits == 0 || bits > 32 {
		return DecodedAudio{}, fmt.Errorf("%w: flac bit depth %d", ErrInvalidBlob, bits)
	}
	scale := float64(int64(1) << (bits - 1))

	var samples []float64
	for {
		f, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return DecodedAudio{}, fmt.Errorf("%w: flac frame: %v", ErrInvalidBlob, err)
		}
		if len(f.Subframes) == 0 {
			continue
		}
		for _, s := range f.Subframes[0].Samples {
			samples = append(samples, float64(s)/scale)
		}
	}

	rate := int(stream.Info.SampleRate)
	return DecodedAudio{
		SampleRate:  rate,
		DurationSec: durationOf(len(samples), rate),
		Samples:     samples,
	}, nil
}
