package sampler

import (
	"context"
	"errors"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/locshare/internal/geo"
	"nuha.dev/locshare/internal/policy"
)

var (
	// ErrNoFix means the provider is reachable but has no position solution.
	ErrNoFix = errors.New("no position fix")
	// ErrUnavailable means the provider backend cannot be reached at all.
	ErrUnavailable = errors.New("provider unavailable")
)

// Sample is one position fix. Immutable after creation; consumers must
// copy, never mutate.
type Sample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float32   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
	Provider   string    `json:"provider"`
}

func (s Sample) MarshalObject(e *log.Entry) {
	e.Float64("lat", s.Latitude).Float64("lon", s.Longitude).Float32("accuracy", s.AccuracyM).Str("provider", s.Provider)
}

// Request describes what the caller wants from a provider: delivery
// cadence, movement filter and accuracy class.
type Request struct {
	Interval         time.Duration
	MinDisplacementM float64
	Accuracy         policy.AccuracyClass
}

// Sampler is one positioning backend. Current delivers a single fix
// bounded by the ctx deadline; Watch streams fixes until ctx is done,
// already filtered by the request's interval/displacement.
type Sampler interface {
	Name() string
	Current(ctx context.Context, req Request) (Sample, error)
	Watch(ctx context.Context, req Request) (<-chan Sample, error)
}

// Filter applies the interval/displacement gate shared by providers
// whose backends deliver more often than the request asks for.
type Filter struct {
	req  Request
	last *Sample
}

func NewFilter(req Request) *Filter {
	return &Filter{req: req}
}

func (f *Filter) Pass(s Sample) bool {
	if f.last == nil {
		f.last = &s
		return true
	}
	if s.CapturedAt.Sub(f.last.CapturedAt) < f.req.Interval {
		return false
	}
	if f.req.MinDisplacementM > 0 {
		d := geo.DistanceM(f.last.Latitude, f.last.Longitude, s.Latitude, s.Longitude)
		if d < f.req.MinDisplacementM {
			return false
		}
	}
	f.last = &s
	return true
}
