//go:build integration

package test_test

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"noisemap/audio"
	"noisemap/codec"
)

var (
	testBinary string
	dataDir    string
)

func TestMain(m *testing.M) {
	testBinary = os.Getenv("NOISEMAP_TEST_BIN")
	if testBinary == "" {
		fmt.Fprintln(os.Stderr, "NOISEMAP_TEST_BIN not set; build with: go build -o /tmp/noisemap . && NOISEMAP_TEST_BIN=/tmp/noisemap go test -tags integration ./test/")
		os.Exit(1)
	}

	var err error
	dataDir, err = os.MkdirTemp("", "noisemap-it")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for name, amp := range map[string]float64{"noise.wav": 0.08, "quiet.wav": 0.005, "silence.wav": 0} {
		if err := generateToneWAV(filepath.Join(dataDir, name), amp, 1.0); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	code := m.Run()
	os.RemoveAll(dataDir)
	os.Exit(code)
}

func generateToneWAV(path string, amp, seconds float64) error {
	n := int(seconds * codec.SampleRate)
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = amp * math.Sin(2*math.Pi*440*float64(i)/codec.SampleRate)
	}
	blob, err := codec.Encode(codec.FormatWAV, codec.SampleRate, [][]byte{audio.PCM16(samples)})
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0644)
}

// backend is a minimal stand-in for the aggregation service.
type backend struct {
	mu       sync.Mutex
	readings []map[string]float64
	fail     bool
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		http.Error(w, `{"detail":"database unavailable"}`, http.StatusInternalServerError)
		return
	}
	switch r.URL.Path {
	case "/submit-reading":
		var body map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		b.readings = append(b.readings, body)
		fmt.Fprint(w, `{"message":"Reading stored successfully"}`)
	case "/heatmap-data":
		cells := []map[string]any{}
		for _, rd := range b.readings {
			cells = append(cells, map[string]any{
				"latitude": rd["latitude"], "longitude": rd["longitude"],
				"average_stress": rd["stress_score"], "count": 1,
			})
		}
		json.NewEncoder(w).Encode(cells)
	default:
		http.NotFound(w, r)
	}
}

func (b *backend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

func cmds(parts ...string) string {
	return strings.Join(parts, "\n") + "\n"
}

func runHeadless(t *testing.T, srv *httptest.Server, wav, stdin string, extra ...string) (out, logDir string) {
	t.Helper()
	logDir = t.TempDir()
	args := append([]string{
		"headless", filepath.Join(dataDir, wav),
		"--log-path", logDir,
		"--api-url", srv.URL,
		"--geo-source", "static", "--lat", "52.52", "--lng", "13.405",
		"--beep=false",
		"--env-file", filepath.Join(logDir, "none.env"),
	}, extra...)

	cmd := exec.Command(testBinary, args...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Dir = logDir
	cmd.Env = os.Environ()

	b, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("noisemap exited with error: %v\noutput: %s", err, b)
	}
	return string(b), logDir
}

func readLog(t *testing.T, logDir, filename string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(logDir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("failed to read %s: %v", filename, err)
	}
	return string(data)
}

func TestNoiseIsSubmitted(t *testing.T) {
	be := &backend{}
	srv := httptest.NewServer(be)
	defer srv.Close()

	out, logDir := runHeadless(t, srv, "noise.wav", cmds("START", "SLEEP 500", "STOP", "WAIT", "QUIT"))

	if !strings.Contains(out, "result detected=true") {
		t.Fatalf("expected a detection, got:\n%s", out)
	}
	if !strings.Contains(out, "checkin located=true submitted=true heatmap=true") {
		t.Errorf("expected a submitted check-in, got:\n%s", out)
	}
	if be.count() != 1 {
		t.Errorf("backend got %d readings, want 1", be.count())
	}
	journal := readLog(t, logDir, "checkins_log.txt")
	if !strings.Contains(journal, "submitted") || !strings.Contains(journal, "52.520000,13.405000") {
		t.Errorf("journal missing check-in:\n%s", journal)
	}
	diag := readLog(t, logDir, "diagnostics_log.txt")
	for _, want := range []string{"capture", "stopped_by=user", "op=submit-reading", "op=heatmap-data"} {
		if !strings.Contains(diag, want) {
			t.Errorf("diagnostics missing %q", want)
		}
	}
}

func TestQuietIsNotSubmitted(t *testing.T) {
	be := &backend{}
	srv := httptest.NewServer(be)
	defer srv.Close()

	out, logDir := runHeadless(t, srv, "quiet.wav", cmds("START", "SLEEP 500", "STOP", "WAIT", "QUIT"))

	if !strings.Contains(out, "result detected=false") {
		t.Fatalf("expected a quiet result, got:\n%s", out)
	}
	if be.count() != 0 {
		t.Errorf("backend got %d readings, want 0", be.count())
	}
	if journal := readLog(t, logDir, "checkins_log.txt"); strings.TrimSpace(journal) != "" {
		t.Errorf("journal should be empty:\n%s", journal)
	}
}

func TestDeadlineStopsRecording(t *testing.T) {
	be := &backend{}
	srv := httptest.NewServer(be)
	defer srv.Close()

	out, logDir := runHeadless(t, srv, "noise.wav", cmds("START", "WAIT", "QUIT"), "--max-duration", "1500ms")

	if !strings.Contains(out, "state done") {
		t.Fatalf("session did not finish:\n%s", out)
	}
	if !strings.Contains(readLog(t, logDir, "diagnostics_log.txt"), "stopped_by=deadline") {
		t.Error("expected the deadline to end the session")
	}
}

func TestSubmitFailureKeepsLocalPoint(t *testing.T) {
	be := &backend{fail: true}
	srv := httptest.NewServer(be)
	defer srv.Close()

	out, logDir := runHeadless(t, srv, "noise.wav", cmds("START", "SLEEP 500", "STOP", "WAIT", "QUIT"))

	if !strings.Contains(out, "checkin located=true submitted=false heatmap=false") || !strings.Contains(out, "warnings=submit") {
		t.Errorf("expected a local-only check-in, got:\n%s", out)
	}
	if journal := readLog(t, logDir, "checkins_log.txt"); !strings.Contains(journal, "local") {
		t.Errorf("journal should record a local check-in:\n%s", journal)
	}
}

func TestRepeatedSessions(t *testing.T) {
	be := &backend{}
	srv := httptest.NewServer(be)
	defer srv.Close()

	out, logDir := runHeadless(t, srv, "noise.wav",
		cmds("START", "SLEEP 300", "STOP", "WAIT", "START", "SLEEP 300", "STOP", "WAIT", "HEATMAP", "QUIT"))

	if n := strings.Count(out, "result detected=true"); n != 2 {
		t.Errorf("got %d detections, want 2:\n%s", n, out)
	}
	if !strings.Contains(out, "heatmap cells=2") {
		t.Errorf("expected two heatmap cells:\n%s", out)
	}
	if !strings.Contains(readLog(t, logDir, "diagnostics_log.txt"), "checkins=2") {
		t.Error("expected session_end with two sessions")
	}
}

func TestStopWhenIdleReportsError(t *testing.T) {
	srv := httptest.NewServer(&backend{})
	defer srv.Close()

	out, _ := runHeadless(t, srv, "silence.wav", cmds("STOP", "QUIT"))
	if !strings.Contains(out, "error capture: not recording") {
		t.Errorf("expected a not-recording error:\n%s", out)
	}
}
