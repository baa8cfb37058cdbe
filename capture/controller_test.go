package capture

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"noisemap/audio"
	"noisemap/codec"
	"noisemap/loudness"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	states []State
	ticks  []time.Duration
	levels int
	done   chan State
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan State, 16)}
}

func (r *recordingSink) StateChanged(s State, _ error) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	if s.Terminal() {
		r.done <- s
	}
}

func (r *recordingSink) Tick(d time.Duration) {
	r.mu.Lock()
	r.ticks = append(r.ticks, d)
	r.mu.Unlock()
}

func (r *recordingSink) Level(float64) {
	r.mu.Lock()
	r.levels++
	r.mu.Unlock()
}

func (r *recordingSink) waitTerminal(t *testing.T) State {
	t.Helper()
	select {
	case s := <-r.done:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal state")
		return StateIdle
	}
}

func waitReleased(t *testing.T, actx *audio.FakeContext, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for actx.Released() < want {
		if time.Now().After(deadline) {
			t.Fatalf("released = %d, want %d", actx.Released(), want)
		}
		time.Sleep(time.Millisecond)
	}
	if got := actx.Released(); got != want {
		t.Fatalf("released = %d, want %d", got, want)
	}
}

func tone(amp float64, n int) []byte {
	samples := make([]float64, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amp
		} else {
			samples[i] = -amp
		}
	}
	return audio.PCM16(samples)
}

func newController(t *testing.T, actx audio.Context, cfg Config) *Controller {
	t.Helper()
	c := New(actx, cfg)
	t.Cleanup(c.Close)
	return c
}

func TestStopDetectsNoise(t *testing.T) {
	actx := audio.NewFakeContext(tone(0.05, 8000), false)
	sink := newRecordingSink()
	c := newController(t, actx, Config{Sink: sink})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.State(); got != StateRecording {
		t.Fatalf("state = %v, want recording", got)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := c.State(); got != StateDone {
		t.Fatalf("state = %v, want done", got)
	}

	select {
	case res := <-c.Detections():
		if !res.Detected {
			t.Error("result not marked detected")
		}
		if math.Abs(res.RMS-0.05) > 1e-3 || math.Abs(res.Peak-0.05) > 1e-3 {
			t.Errorf("rms=%v peak=%v, want ~0.05", res.RMS, res.Peak)
		}
		if res.SampleRate != codec.SampleRate {
			t.Errorf("SampleRate = %d", res.SampleRate)
		}
		if math.Abs(res.DurationSec-0.5) > 1e-9 {
			t.Errorf("DurationSec = %v, want 0.5", res.DurationSec)
		}
	default:
		t.Fatal("no detection emitted")
	}

	if actx.Opened() != 1 || actx.Released() != 1 {
		t.Errorf("opened=%d released=%d, want 1/1", actx.Opened(), actx.Released())
	}
	cfg := actx.LastConfig()
	if !cfg.EchoCancellation || !cfg.NoiseSuppression || cfg.AutoGainControl {
		t.Errorf("capture config = %+v", cfg)
	}
}

func TestQuietRecordingNotEmitted(t *testing.T) {
	actx := audio.NewFakeContext(tone(0.01, 8000), false)
	c := newController(t, actx, Config{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateDone {
		t.Fatalf("state = %v, want done", c.State())
	}
	select {
	case res := <-c.Detections():
		t.Fatalf("unexpected detection %+v", res)
	default:
	}
	res, ok := c.LastResult()
	if !ok || res.Detected || res.RMS == 0 {
		t.Errorf("LastResult = %+v, %v", res, ok)
	}
	if actx.Released() != 1 {
		t.Errorf("released = %d, want 1", actx.Released())
	}
}

func TestThresholdIsInclusive(t *testing.T) {
	// exactly representable in PCM16, so the measured rms equals the threshold
	amp := 984.0 / 32768
	actx := audio.NewFakeContext(tone(amp, 4000), false)
	c := newController(t, actx, Config{Policy: loudness.Policy{Threshold: amp}})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.Detections():
	default:
		t.Fatal("rms at threshold should be detected")
	}
}

func TestEmptyRecording(t *testing.T) {
	actx := audio.NewFakeContext(nil, false)
	c := newController(t, actx, Config{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop on empty recording: %v", err)
	}
	if c.State() != StateDone {
		t.Fatalf("state = %v, want done", c.State())
	}
	select {
	case res := <-c.Detections():
		t.Fatalf("silence detected as noise: %+v", res)
	default:
	}
}

func TestDeadlineFinalizes(t *testing.T) {
	actx := audio.NewFakeContext(tone(0.08, 4000), true)
	actx.SilenceTail = true
	sink := newRecordingSink()
	c := newController(t, actx, Config{
		MaxDuration:  150 * time.Millisecond,
		TickInterval: 10 * time.Millisecond,
		Sink:         sink,
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := sink.waitTerminal(t); got != StateDone {
		t.Fatalf("terminal state = %v, want done", got)
	}
	if err := c.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop after deadline = %v, want ErrNotRecording", err)
	}
	waitReleased(t, actx, 1)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.ticks) < 2 {
		t.Fatalf("got %d ticks, want several", len(sink.ticks))
	}
	if sink.ticks[0] != 150*time.Millisecond {
		t.Errorf("first tick = %v, want full duration", sink.ticks[0])
	}
	for i := 1; i < len(sink.ticks); i++ {
		if sink.ticks[i] > sink.ticks[i-1] || sink.ticks[i] < 0 {
			t.Errorf("tick %d = %v after %v", i, sink.ticks[i], sink.ticks[i-1])
		}
	}
	if sink.levels == 0 {
		t.Error("no level events")
	}
}

func TestStartWhileRecordingIsBusy(t *testing.T) {
	actx := audio.NewFakeContext(tone(0.05, 1000), false)
	c := newController(t, actx, Config{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start = %v, want ErrBusy", err)
	}
	if err := c.Reset(); !errors.Is(err, ErrBusy) {
		t.Errorf("Reset while recording = %v, want ErrBusy", err)
	}
	if actx.Opened() != 1 {
		t.Errorf("opened = %d, want 1", actx.Opened())
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestStopWhenIdle(t *testing.T) {
	c := newController(t, audio.NewFakeContext(nil, false), Config{})
	if err := c.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Stop = %v, want ErrNotRecording", err)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name     string
		newErr   error
		startErr error
		want     error
		released int
	}{
		{"permission", errors.New("access denied by user"), nil, audio.ErrPermissionDenied, 0},
		{"unsupported", audio.ErrCapabilityUnsupported, nil, audio.ErrCapabilityUnsupported, 0},
		{"start fails", nil, errors.New("device vanished"), audio.ErrCapabilityUnsupported, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actx := audio.NewFakeContext(tone(0.05, 100), false)
			actx.NewCaptureErr = tt.newErr
			actx.StartErr = tt.startErr
			sink := newRecordingSink()
			c := newController(t, actx, Config{Sink: sink})

			err := c.Start(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start = %v, want %v", err, tt.want)
			}
			if c.State() != StateError {
				t.Errorf("state = %v, want error", c.State())
			}
			if !errors.Is(c.Err(), tt.want) {
				t.Errorf("Err() = %v", c.Err())
			}
			if actx.Released() != tt.released {
				t.Errorf("released = %d, want %d", actx.Released(), tt.released)
			}
			if got := sink.waitTerminal(t); got != StateError {
				t.Errorf("sink state = %v", got)
			}
		})
	}
}

func TestDecodeFailure(t *testing.T) {
	actx := audio.NewFakeContext(tone(0.05, 1000), false)
	c := newController(t, actx, Config{
		Decode: func([]byte) (codec.DecodedAudio, error) {
			return codec.DecodedAudio{}, codec.ErrInvalidBlob
		},
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	err := c.Stop()
	if !errors.Is(err, ErrDecode) || !errors.Is(err, codec.ErrInvalidBlob) {
		t.Fatalf("Stop = %v, want ErrDecode wrapping ErrInvalidBlob", err)
	}
	if c.State() != StateError {
		t.Errorf("state = %v, want error", c.State())
	}
	select {
	case res := <-c.Detections():
		t.Fatalf("unexpected detection %+v", res)
	default:
	}
	if actx.Released() != 1 {
		t.Errorf("released = %d, want 1", actx.Released())
	}
}

func TestRestartFromTerminalState(t *testing.T) {
	actx := audio.NewFakeContext(tone(0.05, 2000), false)
	c := newController(t, actx, Config{})

	for i := range 3 {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("round %d Start: %v", i, err)
		}
		if err := c.Stop(); err != nil {
			t.Fatalf("round %d Stop: %v", i, err)
		}
		<-c.Detections()
	}
	if err := c.Reset(); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateIdle {
		t.Errorf("state after Reset = %v", c.State())
	}
	if actx.Opened() != 3 || actx.Released() != 3 {
		t.Errorf("opened=%d released=%d, want 3/3", actx.Opened(), actx.Released())
	}
}

func TestCloseDuringRecording(t *testing.T) {
	actx := audio.NewFakeContext(tone(0.05, 16000), true)
	actx.SilenceTail = true
	c := New(actx, Config{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	c.Close()
	c.Close()

	if actx.Released() != 1 {
		t.Errorf("released = %d, want 1", actx.Released())
	}
	if _, ok := <-c.Detections(); ok {
		t.Error("detections channel should be closed with no result")
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestStopRacesDeadline(t *testing.T) {
	actx := audio.NewFakeContext(tone(0.05, 800), false)
	c := newController(t, actx, Config{
		MaxDuration:  5 * time.Millisecond,
		TickInterval: time.Millisecond,
		Buffer:       64,
	})

	for range 30 {
		if err := c.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
		err := c.Stop()
		if err != nil && !errors.Is(err, ErrNotRecording) {
			t.Fatalf("Stop: %v", err)
		}
		deadline := time.Now().Add(2 * time.Second)
		for !c.State().Terminal() {
			if time.Now().After(deadline) {
				t.Fatal("session never finished")
			}
			time.Sleep(time.Millisecond)
		}
	}
	if actx.Opened() != 30 {
		t.Errorf("opened = %d, want 30", actx.Opened())
	}
	waitReleased(t, actx, 30)
	if n := len(c.Detections()); n != 30 {
		t.Errorf("detections = %d, want one per session", n)
	}
}

func TestDetectionsNotDroppedWithSlowConsumer(t *testing.T) {
	actx := audio.NewFakeContext(tone(0.05, 800), false)
	c := New(actx, Config{Buffer: 1})

	received := make(chan int)
	go func() {
		n := 0
		for range c.Detections() {
			time.Sleep(20 * time.Millisecond)
			n++
		}
		received <- n
	}()

	const sessions = 6
	for i := range sessions {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("session %d Start: %v", i, err)
		}
		if err := c.Stop(); err != nil {
			t.Fatalf("session %d Stop: %v", i, err)
		}
	}
	c.Close()

	if n := <-received; n != sessions {
		t.Errorf("consumer saw %d detections, want %d", n, sessions)
	}
}

func TestCloseUnblocksPendingDetection(t *testing.T) {
	actx := audio.NewFakeContext(tone(0.05, 800), false)
	c := New(actx, Config{Buffer: 1})

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()

	// the second detection has nowhere to go until the controller closes
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v with a full channel", err)
	case <-time.After(50 * time.Millisecond):
	}

	c.Close()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Stop = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close left Stop blocked")
	}

	n := 0
	for range c.Detections() {
		n++
	}
	if n != 1 {
		t.Errorf("drained %d detections, want the buffered one", n)
	}
	waitReleased(t, actx, 2)
}

func TestStartHonoursCancelledContext(t *testing.T) {
	actx := audio.NewFakeContext(nil, false)
	c := newController(t, actx, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Start(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Start = %v, want context.Canceled", err)
	}
	if actx.Opened() != 0 {
		t.Error("device opened despite cancelled context")
	}
}
