package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var ErrSelectionCancelled = errors.New("device selection cancelled")

type pickKey int

const (
	keyNone pickKey = iota
	keyUp
	keyDown
	keyEnter
	keyCancel
)

// parseKey maps one raw-mode read to a picker action.
func parseKey(b []byte) pickKey {
	switch {
	case len(b) == 1:
		switch b[0] {
		case '\r', '\n':
			return keyEnter
		case 3, 'q', 0x1b: // ctrl+c, q, bare esc
			return keyCancel
		case 'k':
			return keyUp
		case 'j':
			return keyDown
		}
	case len(b) == 3 && b[0] == 0x1b && b[1] == '[':
		switch b[2] {
		case 'A':
			return keyUp
		case 'B':
			return keyDown
		}
	}
	return keyNone
}

type picker struct {
	devices []DeviceInfo
	cursor  int
	out     io.Writer
}

func (p *picker) move(k pickKey) {
	switch k {
	case keyUp:
		if p.cursor > 0 {
			p.cursor--
		}
	case keyDown:
		if p.cursor < len(p.devices)-1 {
			p.cursor++
		}
	}
}

func (p *picker) render() {
	fmt.Fprint(p.out, "\r\x1b[J")
	fmt.Fprint(p.out, "Microphone for noise check-ins (↑/↓ or j/k, Enter to use, q to cancel):\r\n\r\n")
	for i, d := range p.devices {
		note := ""
		if IsBluetooth(d.Name) {
			note = " \x1b[33m(headset mic, levels run low)\x1b[0m"
		}
		if i == p.cursor {
			fmt.Fprintf(p.out, "  \x1b[1;32m● %s%s\x1b[0m\r\n", d.Name, note)
		} else {
			fmt.Fprintf(p.out, "    %s%s\r\n", d.Name, note)
		}
	}
}

// rewind moves the cursor back over the previous render.
func (p *picker) rewind() {
	fmt.Fprintf(p.out, "\x1b[%dA", len(p.devices)+2)
}

// SelectDevice lets the user pick a capture device on the terminal. A single
// device is returned without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	switch len(devices) {
	case 0:
		return nil, ErrNoDevice
	case 1:
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("device selection needs an interactive terminal")
	}
	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, saved)

	p := &picker{devices: devices, out: os.Stdout}
	p.render()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		switch k := parseKey(buf[:n]); k {
		case keyEnter:
			fmt.Fprint(p.out, "\r\n")
			return &devices[p.cursor], nil
		case keyCancel:
			fmt.Fprint(p.out, "\r\n")
			return nil, ErrSelectionCancelled
		default:
			p.move(k)
		}
		p.rewind()
		p.render()
	}
}
