// Package geo binds a check-in to the user's position.
package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

const DefaultTimeout = 10 * time.Second

var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrTimeout          = errors.New("location request timed out")
	ErrUnavailable      = errors.New("location unavailable")
)

// Fix is one position reading. Point is [lng, lat].
type Fix struct {
	Point     orb.Point
	Accuracy  float64 // meters, 0 when unknown
	Timestamp time.Time
	Source    string
}

func (f Fix) Lat() float64 { return f.Point.Lat() }
func (f Fix) Lng() float64 { return f.Point.Lon() }

type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
}

func DefaultOptions() Options {
	return Options{HighAccuracy: true, Timeout: DefaultTimeout}
}

// Locator produces a single position fix.
type Locator interface {
	Locate(ctx context.Context, opts Options) (Fix, error)
}

// Func adapts a function to Locator.
type Func func(ctx context.Context, opts Options) (Fix, error)

func (f Func) Locate(ctx context.Context, opts Options) (Fix, error) {
	return f(ctx, opts)
}

// Static always reports the same position.
type Static struct {
	Lat, Lng float64
}

func (s Static) Locate(ctx context.Context, _ Options) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return Fix{
		Point:     orb.Point{s.Lng, s.Lat},
		Timestamp: time.Now(),
		Source:    "static",
	}, nil
}

type Binder struct {
	loc  Locator
	opts Options
}

func NewBinder(loc Locator, opts Options) *Binder {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Binder{loc: loc, opts: opts}
}

// Locate requests one fix, bounded by the configured timeout. Every failure
// wraps one of ErrPermissionDenied, ErrTimeout or ErrUnavailable.
func (b *Binder) Locate(ctx context.Context) (Fix, error) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	fix, err := b.loc.Locate(ctx, b.opts)
	if err != nil {
		return Fix{}, classify(ctx, err)
	}
	if !Valid(fix.Point) {
		return Fix{}, fmt.Errorf("%w: fix out of range %v", ErrUnavailable, fix.Point)
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now()
	}
	return fix, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func Valid(p orb.Point) bool {
	return p.Lat() >= -90 && p.Lat() <= 90 && p.Lon() >= -180 && p.Lon() <= 180
}

// Bounds returns the bounding box of the points.
func Bounds(points []orb.Point) orb.Bound {
	return orb.MultiPoint(points).Bound()
}

// Nearest returns the index of the point closest to p and its distance in
// meters, or -1 when points is empty.
func Nearest(points []orb.Point, p orb.Point) (int, float64) {
	best, bestDist := -1, 0.0
	for i, q := range points {
		// planar distance is enough to rank; report the haversine one
		d := planar.DistanceSquared(p, q)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, orbgeo.DistanceHaversine(p, points[best])
}
