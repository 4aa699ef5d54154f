package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"
	"nuha.dev/locshare/internal/metrics"
	"nuha.dev/locshare/internal/policy"
	"nuha.dev/locshare/internal/power"
	"nuha.dev/locshare/internal/sampler"
	"nuha.dev/locshare/internal/util"
)

// TopicTrackingDegraded is emitted when every strategy is down and the
// selector has entered its capped retry backoff.
const TopicTrackingDegraded = "tracking.degraded"

// DegradedEvent payload for TopicTrackingDegraded.
type DegradedEvent struct {
	SessionId   string    `json:"session_id"`
	NextAttempt time.Time `json:"next_attempt"`
	At          time.Time `json:"at"`
}

type Config struct {
	// StartupTimeout bounds the wait for a strategy's first sample. A
	// strategy that starts without error but stays silent past this is
	// treated as failed.
	StartupTimeout time.Duration
	// HealthInterval is the cadence of the silence check on the active
	// strategy.
	HealthInterval time.Duration
	// FailureBackoff keeps a failed strategy out of the candidate list
	// for this long within the same session.
	FailureBackoff time.Duration
	// RetryBackoff / MaxRetryBackoff shape the exponential pause between
	// full failover sweeps once every strategy has failed.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

func (c *Config) withDefaults() {
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 15 * time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 60 * time.Second
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 2 * time.Minute
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 10 * time.Second
	}
	if c.MaxRetryBackoff == 0 {
		c.MaxRetryBackoff = 5 * time.Minute
	}
}

// Selector runs the tracking session: it owns strategy ordering,
// startup proof, health checking, failover and power-driven profile
// changes. Exactly one session at a time; Stop destroys it.
type Selector struct {
	log        log.Logger
	config     Config
	strategies []Strategy
	consent    func() bool
	powermon   power.Monitor
	class      policy.DeviceClass
	bus        *bus.Bus

	mu          sync.Mutex
	state       State
	session     *Session
	activeIdx   int
	failedUntil []time.Time
	lastSample  time.Time
	profile     policy.Profile
	degraded    bool
	cancel      context.CancelFunc

	raw chan sampler.Sample // strategies write here
	out chan sampler.Sample // consumers read here
}

// NewSelector wires the coordinator. consent gates session start: when
// it reports false Start fails fast with ErrPermissionDenied and no
// strategy is attempted.
func NewSelector(strategies []Strategy, powermon power.Monitor, class policy.DeviceClass, b *bus.Bus, consent func() bool, config Config) *Selector {
	config.withDefaults()
	o := &Selector{}
	o.config = config
	o.strategies = strategies
	o.powermon = powermon
	o.class = class
	o.bus = b
	o.consent = consent
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "strategy").Value()
	o.state = Idle
	o.activeIdx = -1
	o.failedUntil = make([]time.Time, len(strategies))
	o.raw = make(chan sampler.Sample, 16)
	o.out = make(chan sampler.Sample, 16)
	return o
}

// Samples is the fan-in of whichever strategy is currently active.
func (s *Selector) Samples() <-chan sampler.Sample {
	return s.out
}

// Start acquires a strategy and transitions to Running, or returns the
// specific reason it could not. Blocking; bounded by the per-strategy
// startup timeouts.
func (s *Selector) Start(ctx context.Context, userId string) error {
	if s.consent != nil && !s.consent() {
		return ErrPermissionDenied
	}
	s.mu.Lock()
	if s.state != Idle && s.state != Stopped {
		s.mu.Unlock()
		return errAlreadyStarted
	}
	s.state = Starting
	s.session = &Session{
		Id:        util.GenUUID(),
		UserId:    userId,
		StartedAt: time.Now(),
		Active:    true,
	}
	for i := range s.failedUntil {
		s.failedUntil[i] = time.Time{}
	}
	s.profile = policy.Evaluate(s.powermon.Current(), s.class)
	sessionId := s.session.Id
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info().Str("session_id", sessionId).Str("user_id", userId).Msg("starting tracking session")

	idx, err := s.acquire(runCtx)
	if err != nil {
		s.mu.Lock()
		if s.state == Starting {
			s.state = Idle
			s.session = nil
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
		if runCtx.Err() != nil {
			return ErrStopped
		}
		return err
	}

	// Stop may have landed while the sweep was in flight; a stopped
	// session must stay stopped and the freshly proven strategy must
	// not outlive it.
	s.mu.Lock()
	if s.state != Starting {
		s.mu.Unlock()
		s.strategies[idx].Stop()
		cancel()
		return ErrStopped
	}
	s.state = Running
	s.activeIdx = idx
	s.session.ActiveStrategy = s.strategies[idx].Name()
	s.lastSample = time.Now()
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

// acquire walks the strategy list in priority order. A strategy counts
// as started only once its first sample lands inside StartupTimeout;
// anything else marks it failed-this-session and moves on without ever
// retrying an earlier entry in the same sweep.
func (s *Selector) acquire(ctx context.Context) (int, error) {
	s.mu.Lock()
	prof := s.profile
	s.mu.Unlock()
	now := time.Now()
	for i, strat := range s.strategies {
		s.mu.Lock()
		barred := now.Before(s.failedUntil[i])
		s.mu.Unlock()
		if barred {
			continue
		}
		err := strat.Start(prof, s.raw)
		if err != nil {
			s.log.Warn().Err(err).Str("strategy", strat.Name()).Msg("strategy failed to start")
			s.markFailed(i)
			continue
		}
		if s.awaitFirstSample(ctx, strat) {
			s.log.Info().Str("strategy", strat.Name()).Msg("strategy active")
			return i, nil
		}
		s.log.Warn().Str("strategy", strat.Name()).Msg("no sample within startup timeout")
		strat.Stop()
		s.markFailed(i)
	}
	return -1, ErrAllStrategiesExhausted
}

func (s *Selector) markFailed(i int) {
	s.mu.Lock()
	s.failedUntil[i] = time.Now().Add(s.config.FailureBackoff)
	s.mu.Unlock()
	metrics.FailoversTotal.Inc()
}

// awaitFirstSample forwards the proving sample downstream so it is not
// lost.
func (s *Selector) awaitFirstSample(ctx context.Context, strat Strategy) bool {
	timer := time.NewTimer(s.config.StartupTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case smp := <-s.raw:
			if smp.Provider != strat.Name() {
				// stragglers from a strategy already torn down
				continue
			}
			s.deliver(smp)
			return true
		}
	}
}

func (s *Selector) run(ctx context.Context) {
	health := time.NewTicker(s.config.HealthInterval)
	defer health.Stop()

	var powerCh <-chan power.State
	if s.powermon != nil {
		powerCh = s.powermon.Watch(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case smp := <-s.raw:
			s.onSample(smp)
		case st, ok := <-powerCh:
			if !ok {
				powerCh = nil
				continue
			}
			s.onPowerChange(st)
		case <-health.C:
			s.healthCheck(ctx)
		}
	}
}

func (s *Selector) onSample(smp sampler.Sample) {
	s.mu.Lock()
	if s.state != Running || s.activeIdx < 0 || smp.Provider != s.strategies[s.activeIdx].Name() {
		s.mu.Unlock()
		return
	}
	s.lastSample = time.Now()
	s.mu.Unlock()
	s.deliver(smp)
}

func (s *Selector) deliver(smp sampler.Sample) {
	metrics.SamplesTotal.WithLabelValues(smp.Provider).Inc()
	select {
	case s.out <- smp:
	default:
		s.log.Warn().Str("provider", smp.Provider).Msg("dropping sample, consumer lagging")
	}
}

// onPowerChange recomputes the profile and pushes it into the active
// strategy without a failover.
func (s *Selector) onPowerChange(st power.State) {
	prof := policy.Evaluate(st, s.class)
	s.mu.Lock()
	if prof == s.profile {
		s.mu.Unlock()
		return
	}
	s.profile = prof
	idx := s.activeIdx
	running := s.state == Running
	s.mu.Unlock()
	s.log.Info().Int("battery_level", st.BatteryLevel).Bool("charging", st.Charging).Dur("interval", prof.Interval).Msg("power state changed, profile updated")
	if running && idx >= 0 {
		s.strategies[idx].SetProfile(prof)
	}
}

// healthCheck declares the active strategy dead after silence of twice
// the expected cadence (with a floor so aggressive profiles do not
// flap) and runs the failover sweep.
func (s *Selector) healthCheck(ctx context.Context) {
	s.mu.Lock()
	if s.state != Running {
		s.mu.Unlock()
		return
	}
	allowed := 2 * s.profile.Interval
	if allowed < s.config.HealthInterval {
		allowed = s.config.HealthInterval
	}
	silent := time.Since(s.lastSample) > allowed
	idx := s.activeIdx
	s.mu.Unlock()
	if !silent {
		return
	}

	s.log.Warn().Str("strategy", s.strategies[idx].Name()).Msg("active strategy went silent")
	s.strategies[idx].Stop()
	s.markFailed(idx)

	s.mu.Lock()
	s.state = Recovering
	s.activeIdx = -1
	s.mu.Unlock()
	s.recover(ctx)
}

// recover loops failover sweeps with capped exponential backoff until a
// strategy proves itself or the session is stopped. Each exhausted
// sweep surfaces a degraded event; backoff marks are cleared by time,
// so a sweep after the window retries everything.
func (s *Selector) recover(ctx context.Context) {
	backoff := s.config.RetryBackoff
	for {
		idx, err := s.acquire(ctx)
		if err == nil {
			s.mu.Lock()
			if s.state != Recovering {
				s.mu.Unlock()
				s.strategies[idx].Stop()
				return
			}
			s.state = Running
			s.activeIdx = idx
			s.session.ActiveStrategy = s.strategies[idx].Name()
			s.lastSample = time.Now()
			s.degraded = false
			s.mu.Unlock()
			s.log.Info().Str("strategy", s.strategies[idx].Name()).Msg("recovered")
			return
		}
		next := time.Now().Add(backoff)
		s.mu.Lock()
		s.degraded = true
		sessionId := ""
		if s.session != nil {
			sessionId = s.session.Id
		}
		s.mu.Unlock()
		s.log.Error().Time("next_attempt", next).Msg("all strategies exhausted, backing off")
		if s.bus != nil {
			err := s.bus.Emit(ctx, TopicTrackingDegraded, DegradedEvent{SessionId: sessionId, NextAttempt: next, At: time.Now()})
			if err != nil {
				s.log.Error().Err(err).Msg("unable to emit degraded event")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > s.config.MaxRetryBackoff {
			backoff = s.config.MaxRetryBackoff
		}
	}
}

// Stop destroys the session from any state. Idempotent.
func (s *Selector) Stop() {
	s.mu.Lock()
	if s.state == Stopped || s.state == Idle {
		s.mu.Unlock()
		return
	}
	idx := s.activeIdx
	cancel := s.cancel
	s.state = Stopped
	s.activeIdx = -1
	if s.session != nil {
		s.session.Active = false
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if idx >= 0 {
		s.strategies[idx].Stop()
	}
	s.log.Info().Msg("tracking session stopped")
}

// Status snapshot for the web layer.
func (s *Selector) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state.String(), LastSampleAt: s.lastSample, Degraded: s.degraded}
	if s.session != nil {
		c := *s.session
		st.Session = &c
	}
	return st
}
