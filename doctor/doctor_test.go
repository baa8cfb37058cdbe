package doctor

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"noisemap/api"
	"noisemap/audio"
	"noisemap/codec"
	"noisemap/geo"
	"noisemap/loudness"
)

func tone(amp float64, seconds float64) []byte {
	n := int(seconds * codec.SampleRate)
	s := make([]float64, n)
	for i := range s {
		s[i] = amp * math.Sin(2*math.Pi*440*float64(i)/codec.SampleRate)
	}
	return audio.PCM16(s)
}

func mockedAPI(t *testing.T, status int, body string) *api.Client {
	t.Helper()
	c := api.NewClient("http://backend.test")
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("HEAD", "http://backend.test/heatmap-data", httpmock.NewStringResponder(status, ""))
	mock.RegisterResponder("GET", "http://backend.test/heatmap-data", httpmock.NewStringResponder(status, body))
	c.HTTPClient().Transport = mock
	return c
}

func newDoctor(t *testing.T, pcm []byte, status int, body string) (*Doctor, *bytes.Buffer, *audio.FakeContext) {
	t.Helper()
	fake := audio.NewFakeContext(pcm, false)
	out := &bytes.Buffer{}
	return &Doctor{
		Audio:     fake,
		Locator:   geo.NewBinder(geo.Static{Lat: 52.52, Lng: 13.405}, geo.DefaultOptions()),
		API:       mockedAPI(t, status, body),
		Policy:    loudness.DefaultPolicy(),
		RecordFor: 20 * time.Millisecond,
		Out:       out,
	}, out, fake
}

func TestRunAllPass(t *testing.T) {
	d, out, fake := newDoctor(t, tone(0.2, 0.5), http.StatusOK, `[{"latitude":52.52,"longitude":13.4,"average_stress":0.4,"count":2}]`)

	if code := d.Run(context.Background()); code != 0 {
		t.Fatalf("exit code = %d, output:\n%s", code, out)
	}
	for _, want := range []string{"-> noise", "PASS: microphone", "52.52000, 13.40500", "heatmap has 1 grid points", "All checks passed!"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if fake.Opened() != 1 || fake.Released() != 1 {
		t.Errorf("opened=%d released=%d", fake.Opened(), fake.Released())
	}
}

func TestRunQuietStillPasses(t *testing.T) {
	d, out, _ := newDoctor(t, tone(0.005, 0.5), http.StatusOK, `[]`)
	if code := d.Run(context.Background()); code != 0 {
		t.Fatalf("exit code = %d, output:\n%s", code, out)
	}
	if !strings.Contains(out.String(), "-> quiet") {
		t.Errorf("expected quiet verdict:\n%s", out)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d *Doctor, fake *audio.FakeContext)
		want  string
	}{
		{
			name:  "silent input",
			setup: func(d *Doctor, _ *audio.FakeContext) { d.Audio = audio.NewFakeContext(make([]byte, 3200), false) },
			want:  "digital silence",
		},
		{
			name:  "permission denied",
			setup: func(_ *Doctor, fake *audio.FakeContext) { fake.NewCaptureErr = audio.ErrPermissionDenied },
			want:  "recording error: microphone permission denied",
		},
		{
			name: "location denied",
			setup: func(d *Doctor, _ *audio.FakeContext) {
				d.Locator = geo.NewBinder(geo.Func(func(context.Context, geo.Options) (geo.Fix, error) {
					return geo.Fix{}, geo.ErrPermissionDenied
				}), geo.DefaultOptions())
			},
			want: "allow noisemap",
		},
		{
			name:  "no backend",
			setup: func(d *Doctor, _ *audio.FakeContext) { d.API = nil },
			want:  "no backend configured",
		},
		{
			name:  "backend error",
			setup: func(d *Doctor, _ *audio.FakeContext) { d.API = mockedAPI(t, http.StatusInternalServerError, "boom") },
			want:  "answered 500: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, out, fake := newDoctor(t, tone(0.2, 0.5), http.StatusOK, `[]`)
			tt.setup(d, fake)
			if code := d.Run(context.Background()); code != 1 {
				t.Fatalf("exit code = %d, want 1", code)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestRunInterrupted(t *testing.T) {
	d, out, _ := newDoctor(t, tone(0.2, 0.5), http.StatusOK, `[]`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := d.Run(ctx); code != 1 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(out.String(), "Interrupted") {
		t.Errorf("output:\n%s", out)
	}
}
