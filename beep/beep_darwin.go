//go:build darwin

package beep

import (
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// darwin uses shorter ticks; the output latency of CoreAudio makes longer ones drag.
var cueDurations = struct{ start, stop, pair, gap float64 }{0.03, 0.05, 0.08, 0.05}

var (
	malgoCtx    *malgo.AllocatedContext
	device      *malgo.Device
	backendOnce sync.Once

	// Playback state, read from the device callback
	playing atomic.Pointer[[]byte]
	playPos atomic.Uint32
	playMu  sync.Mutex
)

func initDevice() error {
	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.SampleRate = sampleRate

	var err error
	device, err = malgo.InitDevice(malgoCtx.Context, config, malgo.DeviceCallbacks{Data: dataCallback})
	return err
}

func initBackend() {
	backendOnce.Do(func() {
		var err error
		malgoCtx, err = malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return
		}
		if err := initDevice(); err != nil {
			malgoCtx.Uninit()
			malgoCtx = nil
		}
	})
}

func dataCallback(pOutput, _ []byte, frameCount uint32) {
	samples := playing.Load()
	if samples == nil || len(*samples) == 0 {
		clear(pOutput)
		return
	}

	pos := playPos.Load()
	total := uint32(len(*samples))
	want := frameCount * 2
	remaining := total - pos
	if remaining == 0 {
		playing.Store(nil)
		clear(pOutput)
		return
	}
	if want > remaining {
		want = remaining
	}

	copy(pOutput[:want], (*samples)[pos:pos+want])
	playPos.Store(pos + want)
	clear(pOutput[want : frameCount*2])
}

func toBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		buf[i*2] = byte(s)
		buf[i*2+1] = byte(s >> 8)
	}
	return buf
}

func play(samples []int16) {
	initBackend()
	if malgoCtx == nil {
		return
	}
	data := toBytes(samples)

	playMu.Lock()
	defer playMu.Unlock()

	if device == nil {
		return
	}
	device.Stop()
	playPos.Store(0)
	playing.Store(&data)

	if err := device.Start(); err != nil {
		// Recreate after sleep/wake invalidated the device
		device.Uninit()
		if err := initDevice(); err != nil {
			playing.Store(nil)
			return
		}
		if err := device.Start(); err != nil {
			playing.Store(nil)
		}
	}
}
