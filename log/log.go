package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Logging is a no-op until Init succeeds, so packages can log
// unconditionally from tests and from the headless mode.
var (
	diag    zerolog.Logger
	ready   atomic.Bool
	pid     int
	dir     string
	mu      sync.Mutex // guards the files and journal writes
	diagF   *os.File
	journal *os.File
)

const timeLayout = "2006-01-02 15:04:05"

// RequestMetrics is the per-call timing breakdown of one backend request.
type RequestMetrics struct {
	Op          string
	StatusCode  int
	ReqBytes    int
	RespBytes   int
	DNSTimeMs   float64
	ConnTimeMs  float64
	TLSTimeMs   float64
	TTFBMs      float64
	TotalTimeMs float64
	ConnReused  bool
	TLSProto    string
}

// CaptureMetrics summarises one finished capture session.
type CaptureMetrics struct {
	SessionID  string
	Format     string
	Chunks     int
	RawSizeKB  float64
	BlobSizeKB float64
	EncodeMs   float64
	DecodeMs   float64
	DurationS  float64
	RMS        float64
	Peak       float64
	Detected   bool
	StoppedBy  string
}

// CheckInEntry is one line of the check-in journal.
type CheckInEntry struct {
	ID          string
	Lat         float64
	Lng         float64
	RMS         float64
	StressScore float64
	Submitted   bool
	Warnings    []string
}

// ResolveDir picks the log directory: the --log-path flag, then
// NOISEMAP_LOG_PATH, then the OS default. Relative paths are taken from the
// working directory.
func ResolveDir(flagPath string) (string, error) {
	for _, p := range []string{flagPath, os.Getenv("NOISEMAP_LOG_PATH")} {
		if p != "" {
			return filepath.Abs(p)
		}
	}
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func openAppend(name string) (*os.File, error) {
	return os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// Init opens diagnostics_log.txt and the checkins_log.txt journal in Dir.
func Init() error {
	mu.Lock()
	defer mu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}
	d, err := openAppend("diagnostics_log.txt")
	if err != nil {
		return err
	}
	j, err := openAppend("checkins_log.txt")
	if err != nil {
		d.Close()
		return err
	}

	pid = os.Getpid()
	diagF, journal = d, j
	diag = zerolog.New(zerolog.ConsoleWriter{
		Out:        d,
		TimeFormat: timeLayout,
		NoColor:    true,
	}).With().Timestamp().Int("pid", pid).Logger()
	ready.Store(true)
	return nil
}

func Close() {
	mu.Lock()
	defer mu.Unlock()
	ready.Store(false)
	for _, f := range []**os.File{&diagF, &journal} {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
}

func event(level zerolog.Level) *zerolog.Event {
	if !ready.Load() {
		return nil
	}
	return diag.WithLevel(level)
}

func Info(msg string)                   { event(zerolog.InfoLevel).Msg(msg) }
func Infof(format string, args ...any)  { event(zerolog.InfoLevel).Msgf(format, args...) }
func Warn(msg string)                   { event(zerolog.WarnLevel).Msg(msg) }
func Warnf(format string, args ...any)  { event(zerolog.WarnLevel).Msgf(format, args...) }
func Error(msg string)                  { event(zerolog.ErrorLevel).Msg(msg) }
func Errorf(format string, args ...any) { event(zerolog.ErrorLevel).Msgf(format, args...) }

func Request(m RequestMetrics) {
	ev := event(zerolog.InfoLevel)
	if ev == nil {
		return
	}
	conn := "new"
	if m.ConnReused {
		conn = "reused"
	}
	ev = ev.
		Str("op", m.Op).
		Int("status", m.StatusCode).
		Str("conn", conn)
	if m.TLSProto != "" {
		ev = ev.Str("tls_proto", m.TLSProto)
	}
	ev.Int("req_bytes", m.ReqBytes).
		Int("resp_bytes", m.RespBytes).
		Float64("dns_ms", m.DNSTimeMs).
		Float64("conn_ms", m.ConnTimeMs).
		Float64("tls_ms", m.TLSTimeMs).
		Float64("ttfb_ms", m.TTFBMs).
		Float64("total_ms", m.TotalTimeMs).
		Msg("api_request")
}

func Capture(m CaptureMetrics) {
	event(zerolog.InfoLevel).
		Str("session", m.SessionID).
		Str("format", m.Format).
		Str("stopped_by", m.StoppedBy).
		Int("chunks", m.Chunks).
		Float64("raw_kb", m.RawSizeKB).
		Float64("blob_kb", m.BlobSizeKB).
		Float64("encode_ms", m.EncodeMs).
		Float64("decode_ms", m.DecodeMs).
		Float64("audio_s", m.DurationS).
		Float64("rms", m.RMS).
		Float64("peak", m.Peak).
		Bool("detected", m.Detected).
		Msg("capture")
}

// CheckIn appends one tab-separated line to checkins_log.txt.
func CheckIn(e CheckInEntry) {
	mu.Lock()
	defer mu.Unlock()
	if journal == nil {
		return
	}
	status := "local"
	if e.Submitted {
		status = "submitted"
	}
	warn := "-"
	if len(e.Warnings) > 0 {
		warn = fmt.Sprint(e.Warnings)
	}
	fmt.Fprintf(journal, "%s\t[%d]\t%s\t%.6f,%.6f\trms=%.4f\tscore=%.3f\t%s\t%s\n",
		time.Now().Format(timeLayout), pid, e.ID, e.Lat, e.Lng, e.RMS, e.StressScore, status, warn)
}

func SessionStart(device, format string) {
	event(zerolog.InfoLevel).
		Str("device", device).
		Str("format", format).
		Msg("session_start")
}

func SessionEnd(count int) {
	event(zerolog.InfoLevel).
		Int("checkins", count).
		Msg("session_end")
}
