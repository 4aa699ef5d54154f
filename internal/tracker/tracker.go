package tracker

import (
	"context"
	"sync"

	"github.com/phuslu/log"
	"nuha.dev/locshare/internal/history"
	"nuha.dev/locshare/internal/presence"
	"nuha.dev/locshare/internal/proximity"
	"nuha.dev/locshare/internal/sampler"
	"nuha.dev/locshare/internal/strategy"
)

// Tracker glues the pipeline together: samples flow from the selector
// into presence publication, proximity evaluation and the optional
// history archive; peer updates flow from presence into proximity. It
// also owns the sharing toggle, which gates publication only; local
// tracking (geofences, own history) keeps running while sharing is off.
type Tracker struct {
	log       log.Logger
	user_id   string
	selector  *strategy.Selector
	presence  *presence.Engine
	proximity *proximity.Engine
	archiver  *history.Archiver

	mu      sync.Mutex
	sharing bool
}

func New(userId string, sel *strategy.Selector, pres *presence.Engine, prox *proximity.Engine, arch *history.Archiver) *Tracker {
	o := &Tracker{}
	o.user_id = userId
	o.selector = sel
	o.presence = pres
	o.proximity = prox
	o.archiver = arch
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "tracker").Str("user_id", userId).Value()
	return o
}

// Run pumps the two streams until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	go t.proximity.Run(ctx, t.presence.Updates())
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-t.selector.Samples():
			t.onSample(ctx, s)
		}
	}
}

func (t *Tracker) onSample(ctx context.Context, s sampler.Sample) {
	t.mu.Lock()
	sharing := t.sharing
	t.mu.Unlock()
	t.presence.Publish(&s, sharing)
	t.proximity.OnSelfSample(ctx, s)
	if t.archiver != nil {
		t.archiver.Put(s)
	}
}

// StartTracking begins the tracking session. Sharing stays off until
// EnableSharing; the session feeds local-only features meanwhile.
func (t *Tracker) StartTracking(ctx context.Context) error {
	return t.selector.Start(ctx, t.user_id)
}

func (t *Tracker) StopTracking() {
	t.selector.Stop()
}

// EnableSharing opens publication. The next sample carries a position;
// until then peers see a heartbeat-only record.
func (t *Tracker) EnableSharing() {
	t.mu.Lock()
	t.sharing = true
	t.mu.Unlock()
	t.presence.Publish(nil, true)
	t.log.Info().Msg("sharing enabled")
}

// DisableSharing withdraws the published location immediately, not
// merely at the next heartbeat.
func (t *Tracker) DisableSharing() {
	t.mu.Lock()
	t.sharing = false
	t.mu.Unlock()
	t.presence.Publish(nil, false)
	t.log.Info().Msg("sharing disabled")
}

func (t *Tracker) Sharing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sharing
}

func (t *Tracker) Status() strategy.Status {
	return t.selector.Status()
}

// Shutdown tears the pipeline down in publish-safe order: no new
// samples, then withdraw the presence record, then drain the archive.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.selector.Stop()
	err := t.presence.Shutdown(ctx)
	if t.archiver != nil {
		t.archiver.Flush()
	}
	return err
}
