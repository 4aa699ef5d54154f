package strategy

import (
	"errors"
	"time"

	"nuha.dev/locshare/internal/policy"
	"nuha.dev/locshare/internal/sampler"
)

var (
	// ErrPermissionDenied is fatal to the session: strategies are not
	// tried, the caller must surface it immediately.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrProviderUnavailable triggers failover to the next strategy.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrSampleTimeout is transient: the cycle is abandoned, the next
	// one runs at normal cadence.
	ErrSampleTimeout = errors.New("sample timeout")
	// ErrAllStrategiesExhausted: every strategy failed to start. The
	// session stays active in degraded state; recovery keeps retrying
	// with capped backoff.
	ErrAllStrategiesExhausted = errors.New("all tracking strategies exhausted")
	// ErrStopped: Stop destroyed the session while a start or recovery
	// sweep was still in flight. The sweep's result is discarded.
	ErrStopped = errors.New("tracking session stopped")

	errAlreadyStarted = errors.New("tracking session already started")
)

// Strategy is one concrete method of acquiring location: it must prove
// itself by delivering a first sample shortly after Start, then keep
// delivering within the profile cadence or be torn down by the health
// check.
type Strategy interface {
	Name() string
	// Start begins sample production onto out. It returns an error only
	// for immediate, known-fatal conditions; silent failure to produce
	// is caught by the selector's startup timeout.
	Start(prof policy.Profile, out chan<- sampler.Sample) error
	// SetProfile re-tunes cadence/displacement/accuracy in place.
	SetProfile(prof policy.Profile)
	Stop()
}

// State of the failover coordinator.
type State int

const (
	Idle State = iota
	Starting
	Running
	Recovering
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Recovering:
		return "recovering"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Session is the one-per-user-per-device tracking session, owned
// exclusively by the Selector. Destroyed (not paused) on stop.
type Session struct {
	Id             string    `json:"id"`
	UserId         string    `json:"user_id"`
	StartedAt      time.Time `json:"started_at"`
	ActiveStrategy string    `json:"active_strategy"`
	Active         bool      `json:"active"`
}

// Status is a copy handed to the web layer.
type Status struct {
	State        string    `json:"state"`
	Session      *Session  `json:"session,omitempty"`
	LastSampleAt time.Time `json:"last_sample_at"`
	Degraded     bool      `json:"degraded"`
}
