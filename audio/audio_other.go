//go:build !linux

package audio

import (
	"encoding/hex"
	"fmt"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityUnsupported, err)
	}
	return &malgoContext{ctx: ctx}, nil
}

// DeviceInfo.ID carries the raw miniaudio device ID, hex encoded.
func encodeID(id malgo.DeviceID) string {
	return hex.EncodeToString(id[:])
}

func decodeID(s string) (malgo.DeviceID, error) {
	var id malgo.DeviceID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: invalid device ID %q", ErrNoDevice, s)
	}
	copy(id[:], b)
	return id, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	infos, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for _, d := range infos {
		devices = append(devices, DeviceInfo{ID: encodeID(d.ID), Name: d.Name()})
	}
	return devices, nil
}

// NewCapture opens a miniaudio capture device. miniaudio exposes no echo
// cancellation, noise suppression or gain control, so those hints are
// dropped and the level is always the raw one.
func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = config.Channels
	cfg.SampleRate = config.SampleRate

	var id malgo.DeviceID
	if device != nil {
		var err error
		if id, err = decodeID(device.ID); err != nil {
			return nil, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	c := &malgoCapture{name: "system default"}
	if device != nil {
		c.name = device.Name
	}
	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, data []byte, frames uint32) {
			c.deliver(data, frames)
		},
	})
	if err != nil {
		return nil, Classify(err)
	}
	c.device = dev
	return c, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	callbackSlot
	device *malgo.Device
	name   string
}

func (c *malgoCapture) Start() error {
	return Classify(c.device.Start())
}

func (c *malgoCapture) Stop() {
	c.device.Stop()
}

func (c *malgoCapture) Close() {
	c.device.Uninit()
}

func (c *malgoCapture) DeviceName() string { return c.name }
