// Package metrics holds the Prometheus collectors for capture sessions,
// check-ins and backend requests. All methods are safe on a nil *Metrics so
// callers that run without metrics can pass nil.
package metrics

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"noisemap/log"
)

type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	releasesTotal   prometheus.Counter
	sessionDuration prometheus.Histogram
	rmsObserved     prometheus.Histogram

	checkinsTotal  *prometheus.CounterVec
	warningsTotal  *prometheus.CounterVec
	requestsTotal  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()
	if err := m.registry.Register(m); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noisemap_capture_sessions_total",
			Help: "Capture sessions by terminal outcome",
		},
		[]string{"outcome"}, // detected, quiet, error, aborted
	)
	m.releasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "noisemap_capture_device_releases_total",
		Help: "Capture devices released",
	})
	m.sessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "noisemap_capture_duration_seconds",
		Help:    "Length of decoded recordings",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})
	m.rmsObserved = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "noisemap_capture_rms",
		Help:    "RMS level of decoded recordings",
		Buckets: []float64{0.005, 0.01, 0.02, 0.03, 0.05, 0.08, 0.12, 0.2, 0.5},
	})
	m.checkinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noisemap_checkins_total",
			Help: "Completed check-ins by result",
		},
		[]string{"result"}, // submitted, local_only, no_location
	)
	m.warningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noisemap_checkin_warnings_total",
			Help: "Check-in warnings by kind",
		},
		[]string{"kind"},
	)
	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noisemap_api_requests_total",
			Help: "Backend requests by operation and status",
		},
		[]string{"op", "status"},
	)
	m.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "noisemap_api_request_duration_seconds",
			Help:    "Backend request latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"op"},
	)
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.sessionsTotal.Describe(ch)
	m.releasesTotal.Describe(ch)
	m.sessionDuration.Describe(ch)
	m.rmsObserved.Describe(ch)
	m.checkinsTotal.Describe(ch)
	m.warningsTotal.Describe(ch)
	m.requestsTotal.Describe(ch)
	m.requestLatency.Describe(ch)
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.sessionsTotal.Collect(ch)
	m.releasesTotal.Collect(ch)
	m.sessionDuration.Collect(ch)
	m.rmsObserved.Collect(ch)
	m.checkinsTotal.Collect(ch)
	m.warningsTotal.Collect(ch)
	m.requestsTotal.Collect(ch)
	m.requestLatency.Collect(ch)
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordSession(outcome string, durationSec, rms float64) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(outcome).Inc()
	if outcome == "detected" || outcome == "quiet" {
		m.sessionDuration.Observe(durationSec)
		m.rmsObserved.Observe(rms)
	}
}

func (m *Metrics) RecordRelease() {
	if m == nil {
		return
	}
	m.releasesTotal.Inc()
}

func (m *Metrics) RecordCheckIn(result string, warnings []string) {
	if m == nil {
		return
	}
	m.checkinsTotal.WithLabelValues(result).Inc()
	for _, w := range warnings {
		m.warningsTotal.WithLabelValues(w).Inc()
	}
}

func (m *Metrics) RecordRequest(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(op, status).Inc()
	m.requestLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      stdlog.New(os.Stderr, "metrics handler: ", stdlog.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("metrics endpoint listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}
