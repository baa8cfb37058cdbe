package capture

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether a session in this state has finished.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

var (
	ErrBusy         = errors.New("capture: a session is already in progress")
	ErrNotRecording = errors.New("capture: not recording")
	ErrClosed       = errors.New("capture: controller closed")
	ErrDecode       = errors.New("failed to process recorded audio")
)

// Result is the outcome of one finished capture session.
type Result struct {
	ID          uuid.UUID
	Detected    bool
	RMS         float64
	Peak        float64
	DurationSec float64
	SampleRate  int
}

// EventSink receives progress from the controller. Calls arrive from the
// audio callback, the ticker and whichever goroutine finalizes a session, so
// implementations must not block and must not call back into the controller.
type EventSink interface {
	StateChanged(state State, err error)
	Tick(remaining time.Duration)
	Level(rms float64)
}

type nopSink struct{}

func (nopSink) StateChanged(State, error) {}
func (nopSink) Tick(time.Duration)        {}
func (nopSink) Level(float64)             {}
