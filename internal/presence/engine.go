package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/locshare/internal/metrics"
	"nuha.dev/locshare/internal/pstore"
	"nuha.dev/locshare/internal/sampler"
)

// ErrPublishFailure marks a presence put dropped after exhausting its
// retries. The next successful sample supersedes it; dropped records
// are never individually re-sent.
var ErrPublishFailure = errors.New("publish failure")

// PeerView is the locally derived view of one peer. Never persisted;
// recomputed on every inbound record and on the staleness sweep, and
// handed out by value only.
type PeerView struct {
	UserId         string          `json:"user_id"`
	Online         bool            `json:"online"`
	SharingEnabled bool            `json:"sharing_enabled"`
	Degraded       bool            `json:"degraded,omitempty"`
	Location       *sampler.Sample `json:"location,omitempty"`
	LastHeartbeat  time.Time       `json:"last_heartbeat"`
}

func (v PeerView) MarshalObject(e *log.Entry) {
	e.Str("user_id", v.UserId).Bool("online", v.Online)
}

type Config struct {
	UserId             string
	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	SweepInterval      time.Duration
	PublishAttempts    int
	PublishBackoff     time.Duration
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StalenessThreshold == 0 {
		c.StalenessThreshold = 120 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.PublishAttempts == 0 {
		c.PublishAttempts = 3
	}
	if c.PublishBackoff == 0 {
		c.PublishBackoff = time.Second
	}
}

type peerState struct {
	rec    pstore.Record
	online bool
}

// Engine owns the local user's published presence and derives every
// peer's view from the shared store. One instance per process.
type Engine struct {
	log    log.Logger
	store  pstore.Store
	config Config
	next   func() string

	active int32

	// latest-value mailbox between the sampling pipeline and the
	// store writer: a slow store never blocks the next cycle, and a
	// newer record silently replaces an unsent older one.
	mbox chan pstore.Record

	mu       sync.Mutex
	sharing  bool
	degraded bool
	last     *sampler.Sample
	peers    map[string]*peerState

	sublist *Sublist
	updates chan PeerView
}

// NewEngine wires the engine. next must yield strictly increasing
// strings (monoton); it orders this writer's puts.
func NewEngine(store pstore.Store, next func() string, config Config) *Engine {
	config.withDefaults()
	o := &Engine{}
	o.store = store
	o.config = config
	o.next = next
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "presence").Str("user_id", config.UserId).Value()
	o.mbox = make(chan pstore.Record, 1)
	o.peers = make(map[string]*peerState)
	o.sublist = NewSublist()
	o.updates = make(chan PeerView, 64)
	o.active = 1
	return o
}

// Run starts the writer, heartbeat, sweep and watch loops and blocks
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	recs, err := e.store.Watch(ctx)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.writerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.tickerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		e.watchLoop(ctx, recs)
	}()
	wg.Wait()
	return nil
}

// Publish enqueues the local user's presence. sharingEnabled=false
// atomically withdraws any previously published location: the cleared
// record replaces whatever was pending in the mailbox.
func (e *Engine) Publish(sample *sampler.Sample, sharingEnabled bool) {
	if atomic.LoadInt32(&e.active) == 0 {
		return
	}
	e.mu.Lock()
	e.sharing = sharingEnabled
	if sharingEnabled {
		e.last = sample
		if sample != nil {
			// a fresh fix ends any degraded episode
			e.degraded = false
		}
	} else {
		e.last = nil
	}
	rec := e.buildRecordLocked()
	e.mu.Unlock()
	e.enqueue(rec)
}

// SetDegraded marks the published record while positioning is down, so
// peers see "sharing on, no working fix" explicitly rather than
// deducing it from capture timestamps. The flag clears itself on the
// next located publish.
func (e *Engine) SetDegraded(v bool) {
	if atomic.LoadInt32(&e.active) == 0 {
		return
	}
	e.mu.Lock()
	if e.degraded == v {
		e.mu.Unlock()
		return
	}
	e.degraded = v
	rec := e.buildRecordLocked()
	e.mu.Unlock()
	e.enqueue(rec)
}

// SendHeartbeat republishes the current presence with a fresh
// heartbeat timestamp, independent of the sample cadence.
func (e *Engine) SendHeartbeat() {
	if atomic.LoadInt32(&e.active) == 0 {
		return
	}
	e.mu.Lock()
	rec := e.buildRecordLocked()
	e.mu.Unlock()
	metrics.HeartbeatsTotal.Inc()
	e.enqueue(rec)
}

// buildRecordLocked snapshots the publishable state. Caller holds e.mu.
func (e *Engine) buildRecordLocked() pstore.Record {
	rec := pstore.Record{
		UserId:         e.config.UserId,
		SharingEnabled: e.sharing,
		Degraded:       e.degraded && e.sharing,
		HeartbeatMs:    time.Now().UnixMilli(),
		Seq:            e.next(),
	}
	if e.sharing && e.last != nil {
		lat, lng, acc := e.last.Latitude, e.last.Longitude, e.last.AccuracyM
		rec.Latitude = &lat
		rec.Longitude = &lng
		rec.AccuracyM = &acc
		rec.CapturedAtMs = e.last.CapturedAt.UnixMilli()
	}
	return rec
}

func (e *Engine) enqueue(rec pstore.Record) {
	for {
		select {
		case e.mbox <- rec:
			return
		default:
			// replace the stale pending record
			select {
			case <-e.mbox:
			default:
			}
		}
	}
}

func (e *Engine) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-e.mbox:
			e.put(ctx, rec)
		}
	}
}

func (e *Engine) put(ctx context.Context, rec pstore.Record) {
	backoff := e.config.PublishBackoff
	for attempt := 1; ; attempt++ {
		// in-flight cycles complete their read but never write after Stop
		if atomic.LoadInt32(&e.active) == 0 {
			return
		}
		err := e.store.Put(ctx, rec)
		if err == nil {
			return
		}
		if attempt >= e.config.PublishAttempts {
			metrics.PublishFailuresTotal.Inc()
			e.log.Error().Err(err).Int("attempts", attempt).Str("seq", rec.Seq).Msg("dropping presence record")
			return
		}
		e.log.Warn().Err(err).Int("attempt", attempt).Msg("presence put failed, will retry")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		// a newer record supersedes the one we are retrying
		select {
		case newer := <-e.mbox:
			rec = newer
		default:
		}
	}
}

func (e *Engine) tickerLoop(ctx context.Context) {
	hb := time.NewTicker(e.config.HeartbeatInterval)
	sweep := time.NewTicker(e.config.SweepInterval)
	defer hb.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			e.SendHeartbeat()
		case <-sweep.C:
			e.Sweep(time.Now())
		}
	}
}

func (e *Engine) watchLoop(ctx context.Context, recs <-chan pstore.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-recs:
			if !ok {
				e.log.Warn().Msg("store watch stream closed")
				return
			}
			e.apply(rec, time.Now())
		}
	}
}

// apply merges one inbound record. Malformed or out-of-order records
// are discarded; the last good view is preserved.
func (e *Engine) apply(rec pstore.Record, now time.Time) {
	if rec.UserId == "" || rec.UserId == e.config.UserId {
		return
	}
	if rec.HasLocation() {
		if *rec.Latitude < -90 || *rec.Latitude > 90 || *rec.Longitude < -180 || *rec.Longitude > 180 {
			e.log.Error().Str("user_id", rec.UserId).Msg("discarding record with out-of-range coordinates")
			return
		}
	}
	e.mu.Lock()
	st, ok := e.peers[rec.UserId]
	if ok && rec.Seq != "" && st.rec.Seq != "" && rec.Seq <= st.rec.Seq {
		// a later write already arrived; last-writer-wins
		e.mu.Unlock()
		return
	}
	if !ok {
		st = &peerState{}
		e.peers[rec.UserId] = st
	}
	st.rec = rec
	st.online = computeOnline(rec, now, e.config.StalenessThreshold)
	view := viewOf(st)
	e.mu.Unlock()
	e.emit(view)
	e.updateOnlineGauge()
}

// Sweep recomputes staleness for every peer. The absence of updates is
// itself the offline signal, so this runs on a timer: the viewer, not
// the viewed, decides staleness.
func (e *Engine) Sweep(now time.Time) {
	changed := make([]PeerView, 0, 4)
	e.mu.Lock()
	for _, st := range e.peers {
		online := computeOnline(st.rec, now, e.config.StalenessThreshold)
		if online != st.online {
			st.online = online
			changed = append(changed, viewOf(st))
		}
	}
	e.mu.Unlock()
	for _, v := range changed {
		e.log.Info().EmbedObject(v).Msg("peer presence changed")
		e.emit(v)
	}
	if len(changed) > 0 {
		e.updateOnlineGauge()
	}
}

func computeOnline(rec pstore.Record, now time.Time, staleness time.Duration) bool {
	if !rec.SharingEnabled {
		return false
	}
	hb := time.UnixMilli(rec.HeartbeatMs)
	return now.Sub(hb) < staleness
}

func viewOf(st *peerState) PeerView {
	v := PeerView{
		UserId:         st.rec.UserId,
		Online:         st.online,
		SharingEnabled: st.rec.SharingEnabled,
		Degraded:       st.rec.Degraded,
		LastHeartbeat:  time.UnixMilli(st.rec.HeartbeatMs),
	}
	if st.online && st.rec.HasLocation() {
		v.Location = &sampler.Sample{
			Latitude:   *st.rec.Latitude,
			Longitude:  *st.rec.Longitude,
			CapturedAt: time.UnixMilli(st.rec.CapturedAtMs),
		}
		if st.rec.AccuracyM != nil {
			v.Location.AccuracyM = *st.rec.AccuracyM
		}
	}
	return v
}

func (e *Engine) emit(v PeerView) {
	select {
	case e.updates <- v:
	default:
		// proximity consumer lagging; the sweep will refresh it
	}
	d, err := json.Marshal(v)
	if err == nil {
		e.sublist.Send(d)
	}
}

func (e *Engine) updateOnlineGauge() {
	n := 0
	e.mu.Lock()
	for _, st := range e.peers {
		if st.online {
			n++
		}
	}
	e.mu.Unlock()
	metrics.PeersOnline.Set(float64(n))
}

// Updates feeds the proximity engine. Non-blocking producer side;
// missed intermediate views are recovered by the next sweep.
func (e *Engine) Updates() <-chan PeerView {
	return e.updates
}

// Snapshot returns copies of every peer view.
func (e *Engine) Snapshot() []PeerView {
	e.mu.Lock()
	defer e.mu.Unlock()
	views := make([]PeerView, 0, len(e.peers))
	for _, st := range e.peers {
		views = append(views, viewOf(st))
	}
	return views
}

// Subscribe registers a webstream subscriber and primes it with the
// current view of every peer.
func (e *Engine) Subscribe(sub Subscriber) {
	for _, v := range e.Snapshot() {
		d, err := json.Marshal(v)
		if err == nil {
			sub.Push(d)
		}
	}
	e.sublist.Subscribe(sub)
}

func (e *Engine) Unsubscribe(sub Subscriber) {
	e.sublist.Unsubscribe(sub)
}

// Stop synchronously bars any further store writes. Safe from any
// state and idempotent.
func (e *Engine) Stop() {
	atomic.StoreInt32(&e.active, 0)
}

// Shutdown withdraws the published record entirely (sign-out or
// sharing teardown, not a pause).
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Stop()
	return e.store.Remove(ctx, e.config.UserId)
}
