package strategy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/locshare/internal/policy"
	"nuha.dev/locshare/internal/sampler"
)

func request(prof policy.Profile) sampler.Request {
	return sampler.Request{
		Interval:         prof.Interval,
		MinDisplacementM: prof.MinDisplacementM,
		Accuracy:         prof.Accuracy,
	}
}

// WatchStrategy subscribes to a provider's push stream. Samples are
// re-stamped with the strategy name so the selector can attribute them.
type WatchStrategy struct {
	log     log.Logger
	name    string
	sampler sampler.Sampler

	mu      sync.Mutex
	cancel  context.CancelFunc
	out     chan<- sampler.Sample
	started bool
}

func NewWatchStrategy(name string, s sampler.Sampler) *WatchStrategy {
	o := &WatchStrategy{}
	o.name = name
	o.sampler = s
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "strategy").Str("strategy", name).Value()
	return o
}

// NewFeedStrategy wraps a passive ingest provider. It behaves like a
// watch over whatever the provider happens to receive: lowest priority,
// but it keeps working when active positioning is unavailable.
func NewFeedStrategy(s sampler.Sampler) *WatchStrategy {
	return NewWatchStrategy("feed", s)
}

func (w *WatchStrategy) Name() string { return w.name }

func (w *WatchStrategy) Start(prof policy.Profile, out chan<- sampler.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := w.sampler.Watch(ctx, request(prof))
	if err != nil {
		cancel()
		if errors.Is(err, sampler.ErrUnavailable) {
			return ErrProviderUnavailable
		}
		return err
	}
	w.cancel = cancel
	w.out = out
	w.started = true
	go w.forward(ctx, ch)
	return nil
}

func (w *WatchStrategy) forward(ctx context.Context, ch <-chan sampler.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case smp, ok := <-ch:
			if !ok {
				// upstream closed; stay quiet, the health check handles it
				return
			}
			smp.Provider = w.name
			select {
			case w.out <- smp:
			case <-ctx.Done():
				return
			}
		}
	}
}

// SetProfile restarts the underlying watch with the new request. The
// selector keeps the last sample time across the swap, so no failover
// is triggered.
func (w *WatchStrategy) SetProfile(prof policy.Profile) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.cancel()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := w.sampler.Watch(ctx, request(prof))
	if err != nil {
		cancel()
		w.log.Warn().Err(err).Msg("re-watch failed after profile change")
		w.started = false
		return
	}
	w.cancel = cancel
	go w.forward(ctx, ch)
}

func (w *WatchStrategy) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	w.cancel()
	w.started = false
}

// PollStrategy asks the provider for a one-shot fix every interval. A
// cycle that times out is abandoned; the next one runs at the normal
// cadence.
type PollStrategy struct {
	log     log.Logger
	name    string
	sampler sampler.Sampler
	// CycleTimeout bounds one Current call; defaults to the interval.
	CycleTimeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	retune  chan policy.Profile
}

func NewPollStrategy(name string, s sampler.Sampler) *PollStrategy {
	o := &PollStrategy{}
	o.name = name
	o.sampler = s
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "strategy").Str("strategy", name).Value()
	o.retune = make(chan policy.Profile, 1)
	return o
}

func (p *PollStrategy) Name() string { return p.name }

func (p *PollStrategy) Start(prof policy.Profile, out chan<- sampler.Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.started = true
	go p.loop(ctx, prof, out)
	return nil
}

func (p *PollStrategy) loop(ctx context.Context, prof policy.Profile, out chan<- sampler.Sample) {
	req := request(prof)
	ticker := time.NewTicker(prof.Interval)
	defer ticker.Stop()
	// immediate first cycle so startup proof does not wait a full interval
	p.poll(ctx, req, out)
	for {
		select {
		case <-ctx.Done():
			return
		case np := <-p.retune:
			req = request(np)
			ticker.Reset(np.Interval)
		case <-ticker.C:
			p.poll(ctx, req, out)
		}
	}
}

func (p *PollStrategy) poll(ctx context.Context, req sampler.Request, out chan<- sampler.Sample) {
	timeout := p.CycleTimeout
	if timeout == 0 {
		timeout = req.Interval
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	smp, err := p.sampler.Current(cctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrSampleTimeout
		}
		p.log.Warn().Err(err).Msg("poll cycle failed")
		return
	}
	smp.Provider = p.name
	select {
	case out <- smp:
	case <-ctx.Done():
	}
}

func (p *PollStrategy) SetProfile(prof policy.Profile) {
	select {
	case p.retune <- prof:
	default:
		// previous unapplied change superseded
		select {
		case <-p.retune:
		default:
		}
		p.retune <- prof
	}
}

func (p *PollStrategy) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.cancel()
	p.started = false
}
