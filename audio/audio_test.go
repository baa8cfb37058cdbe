package audio

import (
	"errors"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		in   error
		want error
	}{
		{errors.New("Access denied by user"), ErrPermissionDenied},
		{errors.New("pulse: permission error"), ErrPermissionDenied},
		{errors.New("source not found"), ErrNoDevice},
		{errors.New("backend exploded"), ErrCapabilityUnsupported},
		{ErrNoDevice, ErrNoDevice},
	}
	for _, tt := range tests {
		if got := Classify(tt.in); !errors.Is(got, tt.want) {
			t.Errorf("Classify(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestIsBluetooth(t *testing.T) {
	if !IsBluetooth("AirPods Pro") {
		t.Error("AirPods should be bluetooth")
	}
	if IsBluetooth("Built-in Microphone") {
		t.Error("built-in mic is not bluetooth")
	}
}

func TestFindDevice(t *testing.T) {
	ctx := NewFakeContext(nil, false)
	d, err := FindDevice(ctx, "")
	if err != nil || d != nil {
		t.Fatalf("empty name: got %v, %v; want default", d, err)
	}
	d, err = FindDevice(ctx, "FAKE")
	if err != nil || d == nil || d.ID != "fake" {
		t.Fatalf("FindDevice(FAKE) = %v, %v", d, err)
	}
	if _, err := FindDevice(ctx, "usb mic"); !errors.Is(err, ErrNoDevice) {
		t.Errorf("unknown device error = %v, want ErrNoDevice", err)
	}
}

func TestFakeCaptureDeliversAll(t *testing.T) {
	pcm := PCM16(make([]float64, 3000))
	ctx := NewFakeContext(pcm, false)
	dev, err := ctx.NewCapture(nil, CaptureConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	var got int
	dev.SetCallback(func(data []byte, frames uint32) {
		got += len(data)
	})
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	dev.Stop()
	dev.ClearCallback()
	dev.Close()

	if got != len(pcm) {
		t.Errorf("delivered %d bytes, want %d", got, len(pcm))
	}
	if ctx.Opened() != 1 || ctx.Released() != 1 {
		t.Errorf("opened=%d released=%d, want 1/1", ctx.Opened(), ctx.Released())
	}
}

func TestPCM16Clamps(t *testing.T) {
	pcm := PCM16([]float64{2, -2, 0.5})
	want := []byte{0xff, 0x7f, 0x00, 0x80, 0x00, 0x40}
	for i := range want {
		if pcm[i] != want[i] {
			t.Fatalf("PCM16 = % x, want % x", pcm, want)
		}
	}
}

func TestParseKey(t *testing.T) {
	tests := map[string]pickKey{
		"\r":     keyEnter,
		"q":      keyCancel,
		"\x03":   keyCancel,
		"\x1b":   keyCancel,
		"k":      keyUp,
		"j":      keyDown,
		"\x1b[A": keyUp,
		"\x1b[B": keyDown,
		"\x1b[C": keyNone,
		"x":      keyNone,
	}
	for in, want := range tests {
		if got := parseKey([]byte(in)); got != want {
			t.Errorf("parseKey(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPickerMoveStaysInRange(t *testing.T) {
	p := &picker{devices: []DeviceInfo{{Name: "a"}, {Name: "b"}}}
	p.move(keyUp)
	if p.cursor != 0 {
		t.Fatalf("cursor = %d after up at top", p.cursor)
	}
	p.move(keyDown)
	p.move(keyDown)
	if p.cursor != 1 {
		t.Fatalf("cursor = %d after down past end", p.cursor)
	}
}

func TestInt16BytesSaturates(t *testing.T) {
	got := int16Bytes([]int16{1000, -1000, 20000, -20000}, 2)
	want := []int16{2000, -2000, 32767, -32768}
	for i, w := range want {
		v := int16(uint16(got[i*2]) | uint16(got[i*2+1])<<8)
		if v != w {
			t.Errorf("sample %d = %d, want %d", i, v, w)
		}
	}
}

func TestCallbackSlot(t *testing.T) {
	var s callbackSlot
	if s.deliver([]byte{0, 0}, 1) {
		t.Fatal("deliver without callback reported true")
	}
	var frames uint32
	s.SetCallback(func(_ []byte, n uint32) { frames += n })
	s.deliver([]byte{0, 0, 0, 0}, 2)
	s.ClearCallback()
	s.deliver([]byte{0, 0}, 1)
	if frames != 2 {
		t.Errorf("frames = %d, want 2", frames)
	}
}
