package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"noisemap/capture"
	"noisemap/checkin"
)

// TUI message types
type stateMsg struct {
	State capture.State
	Err   error
}
type remainingMsg struct{ Remaining time.Duration }
type levelMsg struct{ Level float64 }
type outcomeMsg struct{ Outcome checkin.Outcome }

// tuiEvents forwards controller and orchestrator events to the TUI. Ticks
// and levels are dropped when the UI falls behind; state changes and
// outcomes are not.
type tuiEvents struct {
	ch   chan tea.Msg
	done chan struct{}
}

func newTUIEvents() *tuiEvents {
	return &tuiEvents{ch: make(chan tea.Msg, 64), done: make(chan struct{})}
}

func (e *tuiEvents) StateChanged(state capture.State, err error) {
	e.deliver(stateMsg{State: state, Err: err})
}

func (e *tuiEvents) Tick(remaining time.Duration) {
	e.offer(remainingMsg{Remaining: remaining})
}

func (e *tuiEvents) Level(rms float64) {
	e.offer(levelMsg{Level: rms})
}

func (e *tuiEvents) CheckInClosed(o checkin.Outcome) {
	e.deliver(outcomeMsg{Outcome: o})
}

func (e *tuiEvents) deliver(msg tea.Msg) {
	select {
	case e.ch <- msg:
	case <-e.done:
	}
}

func (e *tuiEvents) offer(msg tea.Msg) {
	select {
	case e.ch <- msg:
	default:
	}
}

// pump feeds events into p until stop is called.
func (e *tuiEvents) pump(p *tea.Program) {
	for {
		select {
		case msg := <-e.ch:
			p.Send(msg)
		case <-e.done:
			return
		}
	}
}

func (e *tuiEvents) stop() {
	close(e.done)
}
