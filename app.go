package main

import (
	"context"
	"sync"
	"time"

	"noisemap/api"
	"noisemap/audio"
	"noisemap/beep"
	"noisemap/capture"
	"noisemap/checkin"
	"noisemap/config"
	"noisemap/geo"
	"noisemap/log"
	"noisemap/metrics"
	"noisemap/publish"
)

// app wires one capture controller to one check-in orchestrator. The TUI
// and headless mode differ only in the sink and notifier they pass in.
type app struct {
	cfg     *config.Config
	ctrl    *capture.Controller
	orch    *checkin.Orchestrator
	api     *api.Client
	metrics *metrics.Metrics
	pub     *publish.MQTT

	cancel   context.CancelFunc
	orchDone chan struct{}
	wg       sync.WaitGroup
}

func newLocator(cfg *config.Config) geo.Locator {
	if cfg.Geo.Source == "static" {
		return geo.Static{Lat: cfg.Latitude, Lng: cfg.Longitude}
	}
	return geo.GeoClue{DesktopID: "noisemap"}
}

func newAPIClient(cfg *config.Config, m *metrics.Metrics) *api.Client {
	return api.NewClient(cfg.APIBaseURL, api.WithMetrics(m))
}

func newApp(cfg *config.Config, actx audio.Context, device *audio.DeviceInfo, sink capture.EventSink, notifier checkin.Notifier) (*app, error) {
	m, err := metrics.New()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, metrics: m, api: newAPIClient(cfg, m)}

	if cfg.Beep {
		go beep.Init()
		sink = cueSink{sink}
		notifier = cueNotifier{notifier}
	} else {
		beep.Disable()
	}

	var pub checkin.Publisher
	if cfg.MQTT.Broker != "" {
		p, err := publish.Connect(publish.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			// check-ins work without the broker
			log.Warnf("mqtt disabled: %v", err)
		} else {
			a.pub = p
			pub = p
		}
	}

	a.ctrl = capture.New(actx, capture.Config{
		MaxDuration: cfg.MaxDuration,
		Format:      cfg.CodecFormat(),
		Device:      device,
		Policy:      cfg.Policy(),
		Sink:        sink,
		Metrics:     m,
	})
	a.orch = checkin.New(geo.NewBinder(newLocator(cfg), cfg.GeoOptions()), a.api, checkin.Config{
		Mapper:    cfg.Mapper(),
		Notifier:  notifier,
		Publisher: pub,
		Metrics:   m,
	})
	return a, nil
}

// start runs the orchestrator and, when configured, the metrics listener.
func (a *app) start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.orchDone = make(chan struct{})
	go func() {
		defer close(a.orchDone)
		a.orch.Run(ctx, a.ctrl.Detections())
	}()

	if addr := a.cfg.MetricsListen; addr != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.metrics.Serve(ctx, addr); err != nil {
				log.Errorf("metrics endpoint: %v", err)
			}
		}()
	}
}

// close releases the microphone and closes the detections channel, waits
// for the orchestrator to finish the detections still queued, then stops
// everything else.
func (a *app) close() {
	a.ctrl.Close()
	if a.orchDone != nil {
		<-a.orchDone
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.pub != nil {
		a.pub.Close()
	}
}

// cueSink plays the recording cues on top of another sink.
type cueSink struct {
	next capture.EventSink
}

func (s cueSink) StateChanged(state capture.State, err error) {
	switch state {
	case capture.StateRecording:
		beep.PlayStart()
	case capture.StateProcessing:
		beep.PlayStop()
	case capture.StateError:
		beep.PlayError()
	}
	if s.next != nil {
		s.next.StateChanged(state, err)
	}
}

func (s cueSink) Tick(remaining time.Duration) {
	if s.next != nil {
		s.next.Tick(remaining)
	}
}

func (s cueSink) Level(rms float64) {
	if s.next != nil {
		s.next.Level(rms)
	}
}

type cueNotifier struct {
	next checkin.Notifier
}

func (n cueNotifier) CheckInClosed(o checkin.Outcome) {
	if o.Point != nil {
		beep.PlayNoise()
	} else {
		beep.PlayError()
	}
	if n.next != nil {
		n.next.CheckInClosed(o)
	}
}
