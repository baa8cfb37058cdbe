// Package capture records one bounded microphone session at a time and
// judges whether the recording was noise.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"noisemap/audio"
	"noisemap/codec"
	"noisemap/log"
	"noisemap/loudness"
	"noisemap/metrics"
)

const (
	// DefaultMaxDuration is how long a session records before it is
	// processed without a Stop.
	DefaultMaxDuration = 10 * time.Second
	// DefaultTickInterval is the countdown reporting period.
	DefaultTickInterval = 100 * time.Millisecond
)

// Config tunes a Controller. Zero fields take the defaults.
type Config struct {
	// MaxDuration caps a recording. Defaults to DefaultMaxDuration.
	MaxDuration time.Duration
	// TickInterval spaces the countdown ticks sent to Sink.
	TickInterval time.Duration
	// SampleRate of the capture stream in Hz.
	SampleRate int
	// Format the recording is encoded in before it is measured.
	Format codec.Format
	// Device is the input to open; nil means the system default.
	Device *audio.DeviceInfo
	// Policy decides whether a measured level counts as noise.
	Policy loudness.Policy
	// Sink receives state changes, ticks and input levels.
	Sink EventSink
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Buffer is the capacity of the detections channel. A full channel
	// holds up the finishing session, never drops its detection.
	Buffer int
	// Decode turns the encoded recording back into samples. Defaults to codec.Decode.
	Decode func(blob []byte) (codec.DecodedAudio, error)
}

func (cfg *Config) setDefaults() {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = codec.SampleRate
	}
	if cfg.Format == "" {
		cfg.Format = codec.FormatWAV
	}
	if cfg.Policy.Threshold == 0 {
		cfg.Policy = loudness.DefaultPolicy()
	}
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4
	}
	if cfg.Decode == nil {
		cfg.Decode = codec.Decode
	}
}

type Controller struct {
	actx audio.Context
	cfg  Config

	mu         sync.Mutex
	state      State
	lastErr    error
	sess       *session
	closed     bool
	detections chan Result
	chanClosed bool
	done       chan struct{} // closed by Close
	emitting   sync.WaitGroup
}

func New(actx audio.Context, cfg Config) *Controller {
	cfg.setDefaults()
	return &Controller{
		actx:       actx,
		cfg:        cfg,
		detections: make(chan Result, cfg.Buffer),
		done:       make(chan struct{}),
	}
}

// Detections delivers results whose recording was judged noise. The channel
// is closed by Close.
func (c *Controller) Detections() <-chan Result {
	return c.detections
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the controller into StateError.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SetDevice selects the input used by the next session.
func (c *Controller) SetDevice(d *audio.DeviceInfo) {
	c.mu.Lock()
	c.cfg.Device = d
	c.mu.Unlock()
}

// LastResult returns the result of the current session once it is done,
// whether or not it was judged noise.
func (c *Controller) LastResult() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDone || c.sess == nil {
		return Result{}, false
	}
	return c.sess.result, true
}

func (c *Controller) MaxDuration() time.Duration {
	return c.cfg.MaxDuration
}

// Start opens the microphone and begins a new session. A finished session
// is replaced implicitly.
func (c *Controller) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.start()
	if state != StateIdle {
		c.cfg.Sink.StateChanged(state, err)
	}
	return err
}

func (c *Controller) start() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return StateIdle, ErrClosed
	}
	if c.state == StateRecording || c.state == StateProcessing {
		return StateIdle, ErrBusy
	}

	dev, err := c.actx.NewCapture(c.cfg.Device, audio.CaptureConfig{
		SampleRate:       uint32(c.cfg.SampleRate),
		Channels:         codec.Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  false,
	})
	if err != nil {
		return c.failStartLocked(audio.Classify(err))
	}

	s := newSession(dev, c.cfg.MaxDuration)
	c.sess = s
	c.state = StateRecording
	c.lastErr = nil

	sink := c.cfg.Sink
	dev.SetCallback(func(data []byte, _ uint32) {
		if len(data) == 0 {
			return
		}
		if s.append(data) {
			sink.Level(loudness.PCM16Level(data))
		}
	})

	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		s.release(c.cfg.Metrics)
		c.sess = nil
		return c.failStartLocked(audio.Classify(err))
	}

	log.SessionStart(dev.DeviceName(), string(c.cfg.Format))

	s.arm(c.cfg.TickInterval, sink, func() { c.finalize(s, "deadline") })
	return StateRecording, nil
}

func (c *Controller) failStartLocked(err error) (State, error) {
	c.state = StateError
	c.lastErr = err
	log.Errorf("capture start failed: %v", err)
	c.cfg.Metrics.RecordSession("error", 0, 0)
	return StateError, err
}

// Stop ends the recording early and processes what was captured. It
// returns once the session has reached a terminal state and a detection, if
// any, has been handed to the Detections channel.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	s := c.sess
	c.mu.Unlock()

	c.finalize(s, "user")
	return s.err
}

// Reset returns a finished controller to StateIdle.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRecording, StateProcessing:
		return ErrBusy
	}
	c.state = StateIdle
	c.lastErr = nil
	c.sess = nil
	return nil
}

// Close tears the controller down. A recording in progress is abandoned
// without a result; a session being processed is waited for. The device is
// always released and the detections channel closed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	s := c.sess
	c.mu.Unlock()

	if s != nil {
		s.cancelTimers()
		s.finalizeOnce.Do(func() {
			s.halt()
			s.dev.Stop()
			s.dev.ClearCallback()
			c.setState(s, StateIdle, nil)
			c.cfg.Metrics.RecordSession("aborted", 0, 0)
			log.Info("capture session aborted")
			s.release(c.cfg.Metrics)
		})
	}

	c.mu.Lock()
	c.chanClosed = true
	c.mu.Unlock()
	c.emitting.Wait()
	close(c.detections)
}

// finalize runs at most once per session, whichever trigger gets there first.
func (c *Controller) finalize(s *session, stoppedBy string) {
	s.finalizeOnce.Do(func() {
		s.cancelTimers()
		c.setState(s, StateProcessing, nil)

		chunks := s.halt()
		s.dev.Stop()
		s.dev.ClearCallback()

		res, err := c.process(s, chunks, stoppedBy)
		if err != nil {
			s.err = err
			log.Errorf("capture %s: %v", s.id, err)
			c.cfg.Metrics.RecordSession("error", 0, 0)
			c.setState(s, StateError, err)
		} else {
			outcome := "quiet"
			if res.Detected {
				outcome = "detected"
			}
			c.cfg.Metrics.RecordSession(outcome, res.DurationSec, res.RMS)
			s.result = res
			c.setState(s, StateDone, nil)
			if res.Detected {
				c.emit(res)
			}
		}

		s.release(c.cfg.Metrics)
	})
}

func (c *Controller) process(s *session, chunks [][]byte, stoppedBy string) (Result, error) {
	var rawBytes int
	for _, ch := range chunks {
		rawBytes += len(ch)
	}

	encStart := time.Now()
	blob, err := codec.Encode(c.cfg.Format, c.cfg.SampleRate, chunks)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	encodeDur := time.Since(encStart)

	decStart := time.Now()
	decoded, err := c.cfg.Decode(blob)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	decodeDur := time.Since(decStart)

	rms, peak := loudness.Measure(decoded.Samples)
	res := Result{
		ID:          s.id,
		Detected:    c.cfg.Policy.IsNoise(rms),
		RMS:         rms,
		Peak:        peak,
		DurationSec: decoded.DurationSec,
		SampleRate:  decoded.SampleRate,
	}

	log.Capture(log.CaptureMetrics{
		SessionID:  s.id.String(),
		Format:     string(c.cfg.Format),
		Chunks:     len(chunks),
		RawSizeKB:  float64(rawBytes) / 1024,
		BlobSizeKB: float64(len(blob)) / 1024,
		EncodeMs:   float64(encodeDur.Microseconds()) / 1000,
		DecodeMs:   float64(decodeDur.Microseconds()) / 1000,
		DurationS:  res.DurationSec,
		RMS:        rms,
		Peak:       peak,
		Detected:   res.Detected,
		StoppedBy:  stoppedBy,
	})
	return res, nil
}

func (c *Controller) setState(s *session, state State, err error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.lastErr = err
	sink := c.cfg.Sink
	c.mu.Unlock()
	sink.StateChanged(state, err)
}

// emit blocks until the consumer has room for res or the controller is
// closed.
func (c *Controller) emit(res Result) {
	c.mu.Lock()
	if c.chanClosed {
		c.mu.Unlock()
		return
	}
	c.emitting.Add(1)
	c.mu.Unlock()
	defer c.emitting.Done()

	select {
	case c.detections <- res:
		return
	default:
	}
	select {
	case c.detections <- res:
	case <-c.done:
		log.Warnf("detection %s not delivered: controller closed", res.ID)
	}
}

type session struct {
	id          uuid.UUID
	startedAt   time.Time
	maxDuration time.Duration
	dev         audio.CaptureDevice

	mu         sync.Mutex
	chunks     [][]byte
	finalizing bool

	stop       chan struct{}
	deadline   *time.Timer
	tickerDone chan struct{}

	cancelOnce   sync.Once
	finalizeOnce sync.Once
	releaseOnce  sync.Once

	err    error
	result Result
}

func newSession(dev audio.CaptureDevice, maxDuration time.Duration) *session {
	done := make(chan struct{})
	close(done)
	return &session{
		id:          uuid.New(),
		startedAt:   time.Now(),
		maxDuration: maxDuration,
		dev:         dev,
		stop:        make(chan struct{}),
		tickerDone:  done,
	}
}

// append stores a copy of buf unless finalize has already taken the chunks.
func (s *session) append(buf []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizing {
		return false
	}
	s.chunks = append(s.chunks, append([]byte(nil), buf...))
	return true
}

// halt freezes the chunk list and returns it.
func (s *session) halt() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizing = true
	return s.chunks
}

// arm starts the countdown ticker and the single deadline timer.
func (s *session) arm(interval time.Duration, sink EventSink, onDeadline func()) {
	s.tickerDone = make(chan struct{})
	sink.Tick(s.maxDuration)
	go func() {
		defer close(s.tickerDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				sink.Tick(max(0, s.maxDuration-now.Sub(s.startedAt)))
			}
		}
	}()
	s.mu.Lock()
	s.deadline = time.AfterFunc(s.maxDuration, onDeadline)
	s.mu.Unlock()
}

// cancelTimers stops the deadline and waits for the ticker goroutine.
// Safe to call repeatedly and from the deadline callback itself.
func (s *session) cancelTimers() {
	s.cancelOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		if s.deadline != nil {
			s.deadline.Stop()
		}
		s.mu.Unlock()
	})
	<-s.tickerDone
}

func (s *session) release(m *metrics.Metrics) {
	s.releaseOnce.Do(func() {
		s.dev.Close()
		m.RecordRelease()
	})
}
