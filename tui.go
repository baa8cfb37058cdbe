package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/paulmach/orb"

	"noisemap/api"
	"noisemap/audio"
	"noisemap/beep"
	"noisemap/capture"
	"noisemap/checkin"
	"noisemap/geo"
	"noisemap/log"
)

type tickMsg time.Time
type noteMsg struct{ Text string }
type heatmapMsg struct {
	Cells []api.HeatmapGridPoint
	Err   error
}
type devicesMsg struct {
	Devices []audio.DeviceInfo
	Err     error
}

// recorder is the part of capture.Controller the TUI drives.
type recorder interface {
	Start(ctx context.Context) error
	Stop() error
	LastResult() (capture.Result, bool)
	SetDevice(d *audio.DeviceInfo)
	MaxDuration() time.Duration
}

// checkins is the part of checkin.Orchestrator the TUI reads.
type checkins interface {
	RefreshHeatmap(ctx context.Context) error
	Points() []checkin.NoisePoint
	Heatmap() []api.HeatmapGridPoint
}

type tuiModel struct {
	ctx       context.Context
	rec       recorder
	ci        checkins
	listDevs  func() ([]audio.DeviceInfo, error)
	threshold float64

	state      capture.State
	err        error
	remaining  time.Duration
	audioLevel float64
	peakLevel  float64
	silence    *silenceMonitor
	sawInput   bool
	result     *capture.Result
	outcome    *checkin.Outcome
	note       string
	points     []checkin.NoisePoint
	heatmap    []api.HeatmapGridPoint
	heatmapErr error
	deviceName string

	picking bool
	devices []audio.DeviceInfo
	cursor  int

	frame         int
	width, height int
}

func newTUIModel(ctx context.Context, rec recorder, ci checkins, listDevs func() ([]audio.DeviceInfo, error), threshold float64, device *audio.DeviceInfo) tuiModel {
	return tuiModel{
		ctx:        ctx,
		rec:        rec,
		ci:         ci,
		listDevs:   listDevs,
		threshold:  threshold,
		remaining:  rec.MaxDuration(),
		deviceName: deviceLineText(device),
	}
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

// statusLabel is the one-line session status shown above the meter.
func statusLabel(state capture.State, remaining time.Duration) string {
	switch state {
	case capture.StateRecording:
		return fmt.Sprintf("Recording… %.1fs left", max(0, remaining.Seconds()))
	case capture.StateProcessing:
		return "Processing…"
	case capture.StateDone:
		return "Done"
	case capture.StateError:
		return "Error"
	}
	return "Ready"
}

func tuiTick() tea.Cmd {
	return tea.Tick(60*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(tuiTick(), m.refreshCmd())
}

func (m tuiModel) startCmd() tea.Cmd {
	return func() tea.Msg {
		if err := m.rec.Start(m.ctx); err != nil {
			return noteMsg{Text: err.Error()}
		}
		return nil
	}
}

func (m tuiModel) stopCmd() tea.Cmd {
	return func() tea.Msg {
		if err := m.rec.Stop(); err != nil && !errors.Is(err, capture.ErrDecode) {
			return noteMsg{Text: err.Error()}
		}
		return nil
	}
}

func (m tuiModel) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		err := m.ci.RefreshHeatmap(m.ctx)
		return heatmapMsg{Cells: m.ci.Heatmap(), Err: err}
	}
}

func (m tuiModel) devicesCmd() tea.Cmd {
	return func() tea.Msg {
		devs, err := m.listDevs()
		return devicesMsg{Devices: devs, Err: err}
	}
}

func (m tuiModel) recording() bool {
	return m.state == capture.StateRecording || m.state == capture.StateProcessing
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if m.picking {
			return m.updatePicker(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			if m.recording() {
				return m, nil
			}
			m.note = ""
			return m, m.startCmd()
		case "s":
			return m, m.stopCmd()
		case "h":
			return m, m.refreshCmd()
		case "d":
			if m.recording() {
				m.note = "finish the recording before switching microphones"
				return m, nil
			}
			return m, m.devicesCmd()
		}

	case tickMsg:
		m.frame++
		if !m.recording() {
			m.audioLevel *= 0.8
		}
		return m, tuiTick()

	case stateMsg:
		m.state = msg.State
		m.err = msg.Err
		switch msg.State {
		case capture.StateRecording:
			m.remaining = m.rec.MaxDuration()
			m.audioLevel, m.peakLevel = 0, 0
			m.result, m.outcome = nil, nil
			m.silence = newSilenceMonitor(capture.DefaultTickInterval)
			m.sawInput = false
		case capture.StateDone:
			if res, ok := m.rec.LastResult(); ok {
				m.result = &res
			}
		}

	case remainingMsg:
		m.remaining = msg.Remaining
		if m.silence != nil && m.state == capture.StateRecording {
			if m.silence.Tick(m.sawInput) == SilenceWarn {
				log.Info("no_input_warning")
				beep.PlayError()
			}
			m.sawInput = false
		}

	case levelMsg:
		if m.state == capture.StateRecording {
			m.audioLevel = m.audioLevel*0.6 + msg.Level*0.4
			m.peakLevel = max(m.peakLevel, msg.Level)
			if msg.Level >= silenceFloor {
				m.sawInput = true
			}
		}

	case outcomeMsg:
		o := msg.Outcome
		m.outcome = &o
		m.points = m.ci.Points()
		m.heatmap = m.ci.Heatmap()
		if o.Has(checkin.WarnHeatmap) {
			m.heatmapErr = o.Errors[len(o.Errors)-1]
		} else if o.HeatmapRefreshed {
			m.heatmapErr = nil
		}

	case heatmapMsg:
		m.heatmap = msg.Cells
		m.heatmapErr = msg.Err

	case devicesMsg:
		if msg.Err != nil {
			m.note = msg.Err.Error()
			return m, nil
		}
		if len(msg.Devices) == 0 {
			m.note = audio.ErrNoDevice.Error()
			return m, nil
		}
		m.picking = true
		m.devices = msg.Devices
		m.cursor = 0

	case noteMsg:
		m.note = msg.Text
	}
	return m, nil
}

func (m tuiModel) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.devices)-1 {
			m.cursor++
		}
	case "enter":
		dev := m.devices[m.cursor]
		m.rec.SetDevice(&dev)
		m.deviceName = deviceLineText(&dev)
		m.picking = false
	case "esc", "q", "ctrl+c":
		m.picking = false
	}
	return m, nil
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	statusStyles = map[capture.State]lipgloss.Style{
		capture.StateIdle:       lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		capture.StateRecording:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		capture.StateProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		capture.StateDone:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		capture.StateError:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}

	// green to red by stress
	stressColors = []string{"46", "118", "190", "226", "220", "214", "208", "202", "196"}
	stressStyles []lipgloss.Style
)

func init() {
	for _, c := range stressColors {
		stressStyles = append(stressStyles, lipgloss.NewStyle().Foreground(lipgloss.Color(c)))
	}
}

func stressStyle(score float64) lipgloss.Style {
	i := int(math.Round(math.Max(0, math.Min(1, score)) * float64(len(stressStyles)-1)))
	return stressStyles[i]
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	if m.picking {
		return m.viewPicker()
	}

	const leftWidth = 46
	var left []string

	left = append(left, titleStyle.Render("noisemap"), "")
	status := statusStyles[m.state].Render(statusLabel(m.state, m.remaining))
	if m.state == capture.StateRecording && m.frame%16 < 8 {
		status = statusStyles[m.state].Render("●") + " " + status
	}
	left = append(left, status)
	left = append(left, renderMeter(m.audioLevel, m.peakLevel, m.threshold, leftWidth-4))
	if m.state == capture.StateRecording && m.silence != nil && m.silence.Warned() {
		left = append(left, warnStyle.Render("  ⚠ no input, is the microphone muted?"))
	}
	left = append(left, dimStyle.Render(m.deviceName))
	if m.state == capture.StateError && m.err != nil {
		for _, line := range wrapText(m.err.Error(), leftWidth-2) {
			left = append(left, errStyle.Render(line))
		}
	}

	if m.result != nil {
		left = append(left, "")
		verdict := dimStyle.Render("quiet, nothing to report")
		if m.result.Detected {
			verdict = warnStyle.Render("noise detected")
		}
		left = append(left, verdict)
		left = append(left, dimStyle.Render(fmt.Sprintf("rms %.4f  peak %.4f  %.1fs", m.result.RMS, m.result.Peak, m.result.DurationSec)))
	}

	if m.outcome != nil {
		if m.outcome.Submitted {
			left = append(left, okStyle.Render(fmt.Sprintf("submitted, stress %.2f", m.outcome.StressScore)))
		}
		for _, msg := range m.outcome.Messages() {
			for _, line := range wrapText(msg, leftWidth-2) {
				left = append(left, warnStyle.Render(line))
			}
		}
	}
	if m.note != "" {
		for _, line := range wrapText(m.note, leftWidth-2) {
			left = append(left, warnStyle.Render(line))
		}
	}

	left = append(left, "")
	left = append(left, helpKeyStyle.Render("r")+helpStyle.Render(" record  ")+
		helpKeyStyle.Render("s")+helpStyle.Render(" stop  ")+
		helpKeyStyle.Render("h")+helpStyle.Render(" heatmap  ")+
		helpKeyStyle.Render("d")+helpStyle.Render(" mic  ")+
		helpKeyStyle.Render("q")+helpStyle.Render(" quit"))
	left = append(left, helpStyle.Render("noisemap "+version))

	rightWidth := max(20, m.width-leftWidth-1)
	right := m.viewMap(rightWidth)

	leftPanel := lipgloss.NewStyle().Width(leftWidth).Height(m.height).Render(strings.Join(left, "\n"))
	rightPanel := lipgloss.NewStyle().Width(rightWidth).Height(m.height).PaddingLeft(1).Render(strings.Join(right, "\n"))
	return lipgloss.JoinHorizontal(lipgloss.Top, leftPanel, rightPanel)
}

func (m tuiModel) viewMap(width int) []string {
	var out []string
	out = append(out, titleStyle.Render(fmt.Sprintf("Your check-ins (%d)", len(m.points))))
	if len(m.points) == 0 {
		out = append(out, dimStyle.Render("none yet"))
	}
	for i, p := range m.points {
		if i == 5 {
			out = append(out, dimStyle.Render(fmt.Sprintf("… %d more", len(m.points)-5)))
			break
		}
		out = append(out, dimStyle.Render(fmt.Sprintf("%s  %9.5f, %10.5f  rms %.3f",
			p.CreatedAt.Format("15:04:05"), p.Lat, p.Lng, p.RMS)))
	}

	out = append(out, "", titleStyle.Render("Heatmap"))
	if m.heatmapErr != nil {
		out = append(out, warnStyle.Render("refresh failed: "+m.heatmapErr.Error()))
	}
	var you *orb.Point
	if len(m.points) > 0 {
		you = &orb.Point{m.points[0].Lng, m.points[0].Lat}
	}
	gridH := max(4, m.height-len(out)-4)
	out = append(out, renderHeatmap(m.heatmap, you, min(width-2, 60), min(gridH, 20))...)
	out = append(out, heatmapSummary(m.heatmap, you)...)
	return out
}

func (m tuiModel) viewPicker() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Select input device (↑/↓, Enter to confirm, Esc to cancel)") + "\n\n")
	for i, d := range m.devices {
		line := "  " + d.Name
		if audio.IsBluetooth(d.Name) {
			line += " (BT!)"
		}
		if i == m.cursor {
			b.WriteString(okStyle.Render("> "+line[2:]) + "\n")
		} else {
			b.WriteString(dimStyle.Render(line) + "\n")
		}
	}
	return b.String()
}

// renderMeter draws the input level with a tick at the noise threshold.
// Full scale is four times the threshold.
func renderMeter(level, peak, threshold float64, width int) string {
	if width < 4 {
		width = 4
	}
	scale := threshold * 4
	if scale <= 0 {
		scale = 0.12
	}
	pos := func(v float64) int {
		return min(width-1, int(math.Max(0, v)/scale*float64(width)))
	}
	filled := 0
	if level > 0 {
		filled = pos(level) + 1
	}
	th := pos(threshold)
	pk := -1
	if peak > 0 {
		pk = pos(peak)
	}

	var b strings.Builder
	for i := 0; i < width; i++ {
		switch {
		case i < filled:
			b.WriteString(stressStyle(float64(i) / float64(width)).Render("█"))
		case i == pk:
			b.WriteString(warnStyle.Render("▏"))
		case i == th:
			b.WriteString(dimStyle.Render("┆"))
		default:
			b.WriteString(dimStyle.Render("·"))
		}
	}
	return b.String()
}

// renderHeatmap projects grid cells into a w×h character raster, north up.
// Overlapping cells keep the higher stress. you is marked when set.
func renderHeatmap(cells []api.HeatmapGridPoint, you *orb.Point, w, h int) []string {
	if len(cells) == 0 {
		return []string{dimStyle.Render("no heatmap data yet")}
	}
	w, h = max(w, 2), max(h, 2)

	pts := make([]orb.Point, 0, len(cells)+1)
	for _, c := range cells {
		pts = append(pts, orb.Point{c.Longitude, c.Latitude})
	}
	all := pts
	if you != nil {
		all = append(all[:len(all):len(all)], *you)
	}
	b := geo.Bounds(all)

	project := func(p orb.Point) (int, int) {
		x, y := w/2, h/2
		if dx := b.Max.Lon() - b.Min.Lon(); dx > 0 {
			x = int((p.Lon() - b.Min.Lon()) / dx * float64(w-1))
		}
		if dy := b.Max.Lat() - b.Min.Lat(); dy > 0 {
			y = int((b.Max.Lat() - p.Lat()) / dy * float64(h-1))
		}
		return x, y
	}

	grid := make([][]float64, h)
	for i := range grid {
		grid[i] = make([]float64, w)
		for j := range grid[i] {
			grid[i][j] = -1
		}
	}
	for i, p := range pts {
		x, y := project(p)
		grid[y][x] = math.Max(grid[y][x], cells[i].AverageStress)
	}
	yx, yy := -1, -1
	if you != nil {
		yx, yy = project(*you)
	}

	lines := make([]string, h)
	for y := range grid {
		var sb strings.Builder
		for x, v := range grid[y] {
			switch {
			case x == yx && y == yy:
				sb.WriteString(titleStyle.Render("◎"))
			case v < 0:
				sb.WriteString(dimStyle.Render("·"))
			default:
				sb.WriteString(stressStyle(v).Render("█"))
			}
		}
		lines[y] = sb.String()
	}
	return lines
}

func heatmapSummary(cells []api.HeatmapGridPoint, you *orb.Point) []string {
	if len(cells) == 0 {
		return nil
	}
	var readings int
	var weighted float64
	pts := make([]orb.Point, len(cells))
	for i, c := range cells {
		readings += c.Count
		weighted += c.AverageStress * float64(c.Count)
		pts[i] = orb.Point{c.Longitude, c.Latitude}
	}
	mean := 0.0
	if readings > 0 {
		mean = weighted / float64(readings)
	}
	out := []string{dimStyle.Render(fmt.Sprintf("%d cells, %d readings, mean stress %.2f", len(cells), readings, mean))}
	if you != nil {
		if i, d := geo.Nearest(pts, *you); i >= 0 {
			out = append(out, dimStyle.Render(fmt.Sprintf("nearest cell %s away, stress ", formatDistance(d)))+
				stressStyle(cells[i].AverageStress).Render(fmt.Sprintf("%.2f", cells[i].AverageStress)))
		}
	}
	return out
}

func formatDistance(m float64) string {
	if m >= 1000 {
		return fmt.Sprintf("%.1f km", m/1000)
	}
	return fmt.Sprintf("%.0f m", m)
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
