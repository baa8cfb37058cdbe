// Package checkin turns a noise detection into a located, submitted reading
// and keeps the locally displayed points and the heatmap cache.
package checkin

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"noisemap/api"
	"noisemap/capture"
	"noisemap/geo"
	"noisemap/log"
	"noisemap/loudness"
	"noisemap/metrics"
)

// NoisePoint is a detection displayed locally. Points are never mutated.
type NoisePoint struct {
	ID        uuid.UUID
	Lat       float64
	Lng       float64
	RMS       float64
	Peak      float64
	CreatedAt time.Time
}

type Warning string

const (
	WarnLocation Warning = "location"
	WarnSubmit   Warning = "submit"
	WarnHeatmap  Warning = "heatmap"
)

// Outcome describes how far one check-in got.
type Outcome struct {
	Result           capture.Result
	Point            *NoisePoint
	StressScore      float64
	Submitted        bool
	HeatmapRefreshed bool
	Warnings         []Warning
	// Errors holds the cause for each warning, same order.
	Errors []error
}

// Handled reports whether the result was a detection the orchestrator acted on.
func (o Outcome) Handled() bool {
	return o.Result.Detected
}

func (o Outcome) Has(w Warning) bool {
	return slices.Contains(o.Warnings, w)
}

// Messages renders the warnings for display.
func (o Outcome) Messages() []string {
	msgs := make([]string, 0, len(o.Warnings))
	for i, w := range o.Warnings {
		var cause error
		if i < len(o.Errors) {
			cause = o.Errors[i]
		}
		switch w {
		case WarnLocation:
			msgs = append(msgs, fmt.Sprintf("Noise detected, but location is unavailable: %v", cause))
		case WarnSubmit:
			msgs = append(msgs, fmt.Sprintf("Saved locally, failed to persist: %v", cause))
		case WarnHeatmap:
			msgs = append(msgs, fmt.Sprintf("Heatmap not refreshed: %v", cause))
		}
	}
	return msgs
}

func (o *Outcome) warn(w Warning, err error) {
	o.Warnings = append(o.Warnings, w)
	o.Errors = append(o.Errors, err)
}

type Locator interface {
	Locate(ctx context.Context) (geo.Fix, error)
}

type Backend interface {
	SubmitReading(ctx context.Context, r api.StressReading) (*api.SubmitResponse, error)
	GetHeatmapData(ctx context.Context) ([]api.HeatmapGridPoint, error)
}

// Notifier is told when a check-in is over, whatever its outcome.
type Notifier interface {
	CheckInClosed(Outcome)
}

type NotifierFunc func(Outcome)

func (f NotifierFunc) CheckInClosed(o Outcome) { f(o) }

// Publisher mirrors completed check-ins to an external sink.
type Publisher interface {
	PublishCheckIn(ctx context.Context, o Outcome) error
}

type Config struct {
	Mapper    loudness.ScoreMapper
	Notifier  Notifier
	Publisher Publisher
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Orchestrator struct {
	locator Locator
	backend Backend
	cfg     Config

	mu      sync.RWMutex
	points  []NoisePoint
	heatmap []api.HeatmapGridPoint
}

func New(locator Locator, backend Backend, cfg Config) *Orchestrator {
	if cfg.Mapper == (loudness.ScoreMapper{}) {
		cfg.Mapper = loudness.DefaultScoreMapper()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{locator: locator, backend: backend, cfg: cfg}
}

// Run handles detections one at a time until the channel closes or ctx ends.
func (o *Orchestrator) Run(ctx context.Context, results <-chan capture.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			o.Handle(ctx, res)
		}
	}
}

// Handle drives one check-in: locate, show locally, submit, refresh the
// heatmap. Local display never rolls back; later steps only add warnings.
func (o *Orchestrator) Handle(ctx context.Context, res capture.Result) Outcome {
	out := Outcome{Result: res}
	if !res.Detected {
		return out
	}
	defer o.close(ctx, &out)

	fix, err := o.locator.Locate(ctx)
	if err != nil {
		log.Warnf("check-in %s: location: %v", res.ID, err)
		out.warn(WarnLocation, err)
		return out
	}

	point := NoisePoint{
		ID:        res.ID,
		Lat:       fix.Lat(),
		Lng:       fix.Lng(),
		RMS:       res.RMS,
		Peak:      res.Peak,
		CreatedAt: o.cfg.Now(),
	}
	o.mu.Lock()
	o.points = slices.Insert(o.points, 0, point)
	o.mu.Unlock()
	out.Point = &point

	out.StressScore = o.cfg.Mapper.Score(res.RMS)
	reading := api.StressReading{
		Latitude:    point.Lat,
		Longitude:   point.Lng,
		StressScore: out.StressScore,
	}
	if _, err := o.backend.SubmitReading(ctx, reading); err != nil {
		log.Warnf("check-in %s: submit: %v", res.ID, err)
		out.warn(WarnSubmit, err)
		return out
	}
	out.Submitted = true

	if err := o.RefreshHeatmap(ctx); err != nil {
		out.warn(WarnHeatmap, err)
		return out
	}
	out.HeatmapRefreshed = true
	return out
}

func (o *Orchestrator) close(ctx context.Context, out *Outcome) {
	result := "submitted"
	switch {
	case out.Point == nil:
		result = "no_location"
	case !out.Submitted:
		result = "local_only"
	}
	warnings := make([]string, len(out.Warnings))
	for i, w := range out.Warnings {
		warnings[i] = string(w)
	}
	o.cfg.Metrics.RecordCheckIn(result, warnings)

	if out.Point != nil {
		log.CheckIn(log.CheckInEntry{
			ID:          out.Result.ID.String(),
			Lat:         out.Point.Lat,
			Lng:         out.Point.Lng,
			RMS:         out.Result.RMS,
			StressScore: out.StressScore,
			Submitted:   out.Submitted,
			Warnings:    warnings,
		})
	}

	if o.cfg.Publisher != nil {
		if err := o.cfg.Publisher.PublishCheckIn(ctx, *out); err != nil {
			log.Warnf("check-in %s: publish: %v", out.Result.ID, err)
		}
	}
	if o.cfg.Notifier != nil {
		o.cfg.Notifier.CheckInClosed(*out)
	}
}

// RefreshHeatmap replaces the cached grid. On failure the previous cache is kept.
func (o *Orchestrator) RefreshHeatmap(ctx context.Context) error {
	cells, err := o.backend.GetHeatmapData(ctx)
	if err != nil {
		log.Warnf("heatmap refresh: %v", err)
		return err
	}
	o.mu.Lock()
	o.heatmap = cells
	o.mu.Unlock()
	return nil
}

// Points returns the local points, newest first.
func (o *Orchestrator) Points() []NoisePoint {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.points)
}

func (o *Orchestrator) Heatmap() []api.HeatmapGridPoint {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.heatmap)
}
