package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"noisemap/audio"
	"noisemap/capture"
	"noisemap/checkin"
	"noisemap/config"
	"noisemap/log"
)

// headless drives the check-in flow from line commands on stdin:
//
//	START       begin a recording
//	STOP        end it early and process it
//	WAIT        block until the session and its check-in are finished
//	SLEEP n     pause n milliseconds
//	HEATMAP     refresh and print the heatmap size
//	QUIT        exit
//
// Events are printed one per line so scripts can match on them.
type headless struct {
	out io.Writer
	mu  sync.Mutex

	settled  chan capture.State
	outcomes chan checkin.Outcome
	checkins int
}

func newHeadless(out io.Writer) *headless {
	return &headless{
		out:      out,
		settled:  make(chan capture.State, 16),
		outcomes: make(chan checkin.Outcome, 16),
	}
}

func (h *headless) printf(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.out, format+"\n", args...)
}

func (h *headless) StateChanged(state capture.State, err error) {
	if err != nil {
		h.printf("state %s: %v", state, err)
	} else {
		h.printf("state %s", state)
	}
	if state.Terminal() {
		select {
		case h.settled <- state:
		default:
			log.Warn("headless: settled queue full")
		}
	}
}

func (h *headless) Tick(time.Duration) {}
func (h *headless) Level(float64)      {}

func (h *headless) CheckInClosed(o checkin.Outcome) {
	select {
	case h.outcomes <- o:
	default:
		log.Warn("headless: outcome queue full")
	}
}

func runHeadless(ctx context.Context, cfg *config.Config, actx audio.Context, in io.Reader, out io.Writer) error {
	h := newHeadless(out)
	a, err := newApp(cfg, actx, nil, h, h)
	if err != nil {
		return err
	}
	a.start(ctx)
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() { log.SessionEnd(h.checkins) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var cmd string
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd = line
		}

		switch {
		case cmd == "":
		case cmd == "START":
			if err := a.ctrl.Start(ctx); err != nil {
				h.printf("error %v", err)
			}
		case cmd == "STOP":
			if err := a.ctrl.Stop(); err != nil {
				h.printf("error %v", err)
			}
		case cmd == "WAIT":
			if err := h.wait(ctx, a.ctrl); err != nil {
				return nil
			}
		case cmd == "HEATMAP":
			if err := a.orch.RefreshHeatmap(ctx); err != nil {
				h.printf("heatmap error %v", err)
			} else {
				h.printf("heatmap cells=%d", len(a.orch.Heatmap()))
			}
		case cmd == "QUIT":
			return nil
		case strings.HasPrefix(cmd, "SLEEP "):
			ms, err := strconv.Atoi(strings.TrimSpace(cmd[6:]))
			if err != nil {
				h.printf("error bad SLEEP %q", cmd[6:])
				continue
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return nil
			}
		default:
			h.printf("error unknown command %q", cmd)
		}
	}
}

// wait blocks until a session settles and, when it was a detection, until
// its check-in has closed.
func (h *headless) wait(ctx context.Context, ctrl *capture.Controller) error {
	var state capture.State
	select {
	case state = <-h.settled:
	case <-ctx.Done():
		return ctx.Err()
	}
	if state != capture.StateDone {
		return nil
	}
	res, ok := ctrl.LastResult()
	if !ok {
		return nil
	}
	h.printf("result detected=%t rms=%.4f peak=%.4f duration=%.2f", res.Detected, res.RMS, res.Peak, res.DurationSec)
	if !res.Detected {
		return nil
	}

	select {
	case o := <-h.outcomes:
		h.checkins++
		warnings := make([]string, len(o.Warnings))
		for i, w := range o.Warnings {
			warnings[i] = string(w)
		}
		h.printf("checkin located=%t submitted=%t heatmap=%t stress=%.2f warnings=%s",
			o.Point != nil, o.Submitted, o.HeatmapRefreshed, o.StressScore, strings.Join(warnings, ","))
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
