// Package api talks to the noise aggregation backend.
package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:8000"

var ErrNetwork = errors.New("network failure")

// StatusError is a non-2xx response. Body is the raw response text.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Op, e.StatusCode, e.Body)
}

// StressReading is the body of POST /submit-reading.
type StressReading struct {
	Latitude    float64 `json:"latitude" validate:"latitude"`
	Longitude   float64 `json:"longitude" validate:"longitude"`
	StressScore float64 `json:"stress_score" validate:"gte=0,lte=1"`
}

type SubmitResponse struct {
	Message string `json:"message"`
}

// HeatmapGridPoint is one aggregated grid cell.
type HeatmapGridPoint struct {
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	AverageStress float64 `json:"average_stress"`
	Count         int     `json:"count"`
}

// Reading is one raw stored reading from GET /readings.
type Reading struct {
	ID           int       `json:"id"`
	GridLocation string    `json:"grid_location"`
	StressScore  float64   `json:"stress_score"`
	Timestamp    Timestamp `json:"timestamp"`
}

// Timestamp accepts RFC 3339 and the zone-less ISO form the backend emits
// for naive UTC datetimes.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
