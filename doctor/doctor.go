package doctor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"noisemap/api"
	"noisemap/audio"
	"noisemap/codec"
	"noisemap/geo"
	"noisemap/loudness"
)

// Doctor runs the interactive diagnostics. Every dependency is optional;
// a nil one fails its check with a short reason.
type Doctor struct {
	Audio     audio.Context
	Device    *audio.DeviceInfo
	Locator   *geo.Binder
	API       *api.Client
	Policy    loudness.Policy
	RecordFor time.Duration

	In  io.Reader
	Out io.Writer
}

// Run executes the checks in order and returns an exit code (0=all pass, 1=any fail).
// A failed microphone check does not stop the location and backend checks.
func (d *Doctor) Run(ctx context.Context) int {
	resetTerminal()
	if d.RecordFor <= 0 {
		d.RecordFor = 3 * time.Second
	}
	if d.Policy.Threshold <= 0 {
		d.Policy = loudness.DefaultPolicy()
	}

	d.printf("noisemap doctor - interactive system diagnostics\n")
	d.printf("================================================\n")

	checks := []struct {
		name string
		run  func(context.Context) bool
	}{
		{"Microphone", d.checkMicrophone},
		{"Location", d.checkLocation},
		{"Backend", d.checkBackend},
	}

	allPass := true
	for i, c := range checks {
		if ctx.Err() != nil {
			d.printf("\nInterrupted\n")
			return 1
		}
		d.printf("\n[%d/%d] %s\n", i+1, len(checks), c.name)
		if !c.run(ctx) {
			allPass = false
		}
	}

	d.printf("\n")
	if allPass {
		d.printf("All checks passed!\n")
		return 0
	}
	d.printf("Some checks failed. See details above.\n")
	return 1
}

func (d *Doctor) printf(format string, args ...any) {
	fmt.Fprintf(d.Out, format, args...)
}

func (d *Doctor) checkMicrophone(ctx context.Context) bool {
	if d.Audio == nil {
		d.printf("  FAIL: no audio backend\n")
		return false
	}
	devices, err := d.Audio.Devices()
	if err != nil {
		d.printf("  FAIL: cannot list devices: %v\n", err)
		return false
	}
	if len(devices) == 0 {
		d.printf("  FAIL: no capture devices found\n")
		return false
	}
	name := "system default"
	if d.Device != nil {
		name = d.Device.Name
	}
	d.printf("  Using device: %s\n", name)

	if d.In != nil {
		d.printf("Press Enter and make some noise for %.0f seconds...", d.RecordFor.Seconds())
		bufio.NewReader(d.In).ReadString('\n')
	}

	ctx, cancel := context.WithTimeout(ctx, d.RecordFor)
	defer cancel()
	pcm, err := d.record(ctx)
	if err != nil {
		d.printf("  FAIL: recording error: %v\n", err)
		return false
	}
	if len(pcm) == 0 {
		d.printf("  FAIL: no audio captured\n")
		return false
	}

	blob, err := codec.Encode(codec.FormatWAV, codec.SampleRate, [][]byte{pcm})
	if err != nil {
		d.printf("  FAIL: encoding: %v\n", err)
		return false
	}
	decoded, err := codec.Decode(blob)
	if err != nil {
		d.printf("  FAIL: decoding: %v\n", err)
		return false
	}
	rms, peak := loudness.Measure(decoded.Samples)
	verdict := "quiet"
	if d.Policy.IsNoise(rms) {
		verdict = "noise"
	}
	d.printf("  Recorded %.1fs (%.1f KB): rms=%.4f peak=%.4f -> %s (threshold %.3f)\n",
		decoded.DurationSec, float64(len(pcm))/1024, rms, peak, verdict, d.Policy.Threshold)
	if peak == 0 {
		d.printf("  FAIL: input is digital silence, check the mute switch or input volume\n")
		return false
	}
	d.printf("  PASS: microphone delivers audio\n")
	return true
}

// record captures raw PCM16 until ctx is done.
func (d *Doctor) record(ctx context.Context) ([]byte, error) {
	var (
		pcmBuf  []byte
		bufMu   sync.Mutex
		stopped bool
	)

	dev, err := d.Audio.NewCapture(d.Device, audio.CaptureConfig{
		SampleRate: codec.SampleRate,
		Channels:   codec.Channels,
	})
	if err != nil {
		return nil, audio.Classify(err)
	}
	defer dev.Close()

	dev.SetCallback(func(data []byte, _ uint32) {
		bufMu.Lock()
		defer bufMu.Unlock()
		if !stopped {
			pcmBuf = append(pcmBuf, data...)
		}
	})
	if err := dev.Start(); err != nil {
		return nil, audio.Classify(err)
	}

	d.printf("  Recording")
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			d.printf(".")
		}
	}
	dev.Stop()
	d.printf(" done\n")

	bufMu.Lock()
	stopped = true
	raw := pcmBuf
	bufMu.Unlock()
	return raw, nil
}

func (d *Doctor) checkLocation(ctx context.Context) bool {
	if d.Locator == nil {
		d.printf("  FAIL: no location source configured\n")
		return false
	}
	fix, err := d.Locator.Locate(ctx)
	switch {
	case errors.Is(err, geo.ErrPermissionDenied):
		d.printf("  FAIL: %v (allow noisemap in the system location settings)\n", err)
		return false
	case err != nil:
		d.printf("  FAIL: %v\n", err)
		return false
	}
	acc := "unknown accuracy"
	if fix.Accuracy > 0 {
		acc = fmt.Sprintf("±%.0fm", fix.Accuracy)
	}
	d.printf("  PASS: %.5f, %.5f (%s, via %s)\n", fix.Lat(), fix.Lng(), acc, fix.Source)
	return true
}

func (d *Doctor) checkBackend(ctx context.Context) bool {
	if d.API == nil {
		d.printf("  FAIL: no backend configured\n")
		return false
	}
	d.printf("  Backend: %s\n", d.API.BaseURL())
	rtt, status, err := d.API.Ping(ctx)
	if err != nil {
		d.printf("  FAIL: unreachable: %v\n", err)
		return false
	}
	d.printf("  Reachable in %dms (HTTP %d)\n", rtt.Milliseconds(), status)

	points, err := d.API.GetHeatmapData(ctx)
	if err != nil {
		var se *api.StatusError
		if errors.As(err, &se) {
			d.printf("  FAIL: heatmap endpoint answered %d: %s\n", se.StatusCode, strings.TrimSpace(se.Body))
		} else {
			d.printf("  FAIL: heatmap: %v\n", err)
		}
		return false
	}
	d.printf("  PASS: heatmap has %d grid points\n", len(points))
	return true
}
