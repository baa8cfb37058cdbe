//go:build linux

package audio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// agcGain is the software gain applied when automatic gain is requested.
// Pulse has no AGC of its own for record streams.
const agcGain = 8

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("noisemap"))
	if err != nil {
		return nil, Classify(fmt.Errorf("pulse: %w", err))
	}
	return &pulseContext{client: c}, nil
}

// isMonitor reports whether a source captures playback rather than a room.
func isMonitor(id string) bool {
	return strings.HasSuffix(id, ".monitor")
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	var devices []DeviceInfo
	for _, s := range sources {
		if isMonitor(s.ID()) {
			continue
		}
		devices = append(devices, DeviceInfo{ID: s.ID(), Name: s.Name()})
	}
	return devices, nil
}

func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	c := &pulseCapture{client: p.client, device: device, config: config}
	if device != nil {
		s, err := p.client.SourceByID(device.ID)
		if err != nil {
			return nil, Classify(fmt.Errorf("pulse source %q: %w", device.ID, err))
		}
		c.source = s
	}
	return c, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

type pulseCapture struct {
	callbackSlot

	client *pulse.Client
	device *DeviceInfo
	source *pulse.Source
	config CaptureConfig

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// recordOptions translates the capture config into stream options. Echo
// cancellation and noise suppression both map onto the echo-cancel filter
// module, which does both when the server has it loaded.
func (c *pulseCapture) recordOptions() []pulse.RecordOption {
	wantFilter := c.config.EchoCancellation || c.config.NoiseSuppression
	agc := c.config.AutoGainControl

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(0.05),
		pulse.RecordMediaName("noise check-in"),
		pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			if agc {
				r.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm) * 3}
			}
			if wantFilter {
				if r.Properties == nil {
					r.Properties = proto.PropList{}
				}
				r.Properties["filter.want"] = proto.PropListString("echo-cancel")
			}
		}),
	}
	if c.source != nil {
		opts = append(opts, pulse.RecordSource(c.source))
	}
	return opts
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// loudness is judged on the raw level
	gain := int32(1)
	if c.config.AutoGainControl {
		gain = agcGain
	}
	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) > 0 {
			c.deliver(int16Bytes(buf, gain), uint32(len(buf)))
		}
		return len(buf), nil
	})

	stream, err := c.client.NewRecord(writer, c.recordOptions()...)
	if err != nil {
		return Classify(fmt.Errorf("pulse record: %w", err))
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		stream.Start()
		<-stop
		stream.Stop()
		stream.Close()
	}(c.stop, c.done)
	return nil
}

// Stop ends the stream and waits for it to close. Safe to call repeatedly.
func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop == nil {
		return
	}
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) DeviceName() string {
	if c.device != nil {
		return c.device.Name
	}
	return "system default"
}
