package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

var (
	ErrCapabilityUnsupported = errors.New("microphone is not supported on this system")
	ErrPermissionDenied      = errors.New("microphone permission denied")
	ErrNoDevice              = errors.New("no capture device found")
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Classify maps a backend error onto one of the package sentinels so callers
// can tell a refused permission from a missing device. Errors that already
// wrap a sentinel pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCapabilityUnsupported) || errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNoDevice) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "denied"), strings.Contains(msg, "permission"), strings.Contains(msg, "access"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "no such"), strings.Contains(msg, "not found"), strings.Contains(msg, "no device"):
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	default:
		return fmt.Errorf("%w: %v", ErrCapabilityUnsupported, err)
	}
}

type DataCallback func(data []byte, frameCount uint32)

// callbackSlot holds the callback a backend delivers buffers to. It is
// swapped from the controller while the audio thread reads it.
type callbackSlot struct {
	cb atomic.Pointer[DataCallback]
}

func (s *callbackSlot) SetCallback(cb DataCallback) { s.cb.Store(&cb) }
func (s *callbackSlot) ClearCallback()              { s.cb.Store(nil) }

// deliver reports whether a callback was installed.
func (s *callbackSlot) deliver(data []byte, frames uint32) bool {
	cb := s.cb.Load()
	if cb == nil {
		return false
	}
	(*cb)(data, frames)
	return true
}

// int16Bytes scales samples by gain, saturating, and packs them as
// little-endian PCM16.
func int16Bytes(buf []int16, gain int32) []byte {
	out := make([]byte, len(buf)*2)
	for i, s := range buf {
		v := min(max(int32(s)*gain, -32768), 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// CaptureConfig describes the stream requested from the backend. Processing
// flags are hints; backends apply what the platform exposes.
type CaptureConfig struct {
	SampleRate       uint32
	Channels         uint32
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// FindDevice returns the device whose ID or name matches, or nil for the
// system default when want is empty.
func FindDevice(ctx Context, want string) (*DeviceInfo, error) {
	if want == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	for i := range devices {
		if devices[i].ID == want || strings.EqualFold(devices[i].Name, want) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDevice, want)
}
