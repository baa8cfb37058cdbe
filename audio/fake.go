package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"noisemap/codec"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

// FakeContext replays fixed PCM16 audio instead of opening a microphone.
// It counts opened and released devices so callers can check that every
// capture is closed exactly once.
type FakeContext struct {
	pcm      []byte
	realtime bool

	// SilenceTail keeps delivering silent buffers once the audio runs out,
	// like a live microphone in a quiet room.
	SilenceTail bool
	// NewCaptureErr, when set, is returned by NewCapture.
	NewCaptureErr error
	// StartErr, when set, is returned by CaptureDevice.Start.
	StartErr error

	mu         sync.Mutex
	opened     int
	released   int
	lastConfig CaptureConfig
}

func NewFakeContext(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

// LoadFakeContext decodes a WAV or FLAC file into replayable PCM.
func LoadFakeContext(path string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewFakeContext(PCM16(decoded.Samples), realtime), nil
}

// PCM16 converts normalized samples to little-endian 16-bit PCM.
func PCM16(samples []float64) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(s * 32768)
		v = math.Max(-32768, math.Min(32767, v))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v)))
	}
	return buf
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastConfig = config
	if f.NewCaptureErr != nil {
		return nil, f.NewCaptureErr
	}
	f.opened++
	return &FakeCapture{
		ctx:         f,
		pcm:         f.pcm,
		realtime:    f.realtime,
		silenceTail: f.SilenceTail,
		startErr:    f.StartErr,
		audioDone:   make(chan struct{}),
	}, nil
}

func (f *FakeContext) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *FakeContext) Released() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *FakeContext) LastConfig() CaptureConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastConfig
}

type FakeCapture struct {
	ctx         *FakeContext
	pcm         []byte
	realtime    bool
	silenceTail bool
	startErr    error
	audioDone   chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
}

// AudioDone is closed once the whole recording has been delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	if f.startErr != nil {
		return f.startErr
	}
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})

	chunkBytes := fakeFrameSize * fakeBytesPerFrame

	if !f.realtime {
		if cb := f.callback(); cb != nil {
			for pos := 0; pos < len(f.pcm); {
				pos = f.feedChunk(cb, pos, chunkBytes)
			}
		}
		close(f.audioDone)

		if !f.silenceTail {
			close(f.feedDone)
			return nil
		}
		go func() {
			defer close(f.feedDone)
			silence := make([]byte, chunkBytes)
			for {
				select {
				case <-f.stopCh:
					return
				case <-time.After(time.Millisecond):
				}
				if cb := f.callback(); cb != nil {
					cb(silence, fakeFrameSize)
				}
			}
		}()
		return nil
	}

	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(codec.SampleRate)
	go func() {
		defer close(f.feedDone)
		pos := 0
		silence := make([]byte, chunkBytes)
		audioFinished := false

		for {
			select {
			case <-f.stopCh:
				return
			default:
			}

			cb := f.callback()
			if cb == nil {
				time.Sleep(time.Millisecond)
				continue
			}

			if pos < len(f.pcm) {
				pos = f.feedChunk(cb, pos, chunkBytes)
			} else {
				if !audioFinished {
					audioFinished = true
					close(f.audioDone)
				}
				if f.silenceTail {
					cb(silence, fakeFrameSize)
				}
			}

			select {
			case <-f.stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.feedDone
}

func (f *FakeCapture) Close() {
	f.Stop()
	f.ctx.mu.Lock()
	f.ctx.released++
	f.ctx.mu.Unlock()
}
