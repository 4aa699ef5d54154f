package proximity

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"
	"nuha.dev/locshare/internal/geo"
	"nuha.dev/locshare/internal/metrics"
	"nuha.dev/locshare/internal/presence"
	"nuha.dev/locshare/internal/sampler"
)

const (
	TopicProximityEntered = "proximity.entered"
	TopicGeofenceEntered  = "geofence.entered"
)

// Event is handed to the notification collaborator via the bus.
type Event struct {
	PeerId    string    `json:"peer_id"`
	RegionId  int64     `json:"region_id,omitempty"`
	Label     string    `json:"label,omitempty"`
	DistanceM float64   `json:"distance_m"`
	At        time.Time `json:"at"`
}

// GeofenceRegion is a fixed-point alert region owned by the local
// user, evaluated locally against peer samples.
type GeofenceRegion struct {
	Id        int64   `json:"id"`
	Label     string  `json:"label"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	RadiusM   float64 `json:"radius_m"`
}

type Config struct {
	ThresholdM float64
	Cooldown   time.Duration
}

func (c *Config) withDefaults() {
	if c.ThresholdM == 0 {
		c.ThresholdM = 500
	}
	if c.Cooldown == 0 {
		c.Cooldown = 10 * time.Minute
	}
}

// Engine computes pairwise distances between the local user and every
// online peer, and peer distances to registered geofence regions.
// A pair notifies at most once per cooldown window; leaving the
// threshold re-arms the pair immediately.
type Engine struct {
	log    log.Logger
	config Config
	bus    *bus.Bus

	mu        sync.Mutex
	self      *sampler.Sample
	peers     map[string]presence.PeerView
	cooldowns map[string]time.Time
	regions   map[int64]GeofenceRegion
	region_id int64
}

func NewEngine(b *bus.Bus, config Config) *Engine {
	config.withDefaults()
	o := &Engine{}
	o.config = config
	o.bus = b
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "proximity").Value()
	o.peers = make(map[string]presence.PeerView)
	o.cooldowns = make(map[string]time.Time)
	o.regions = make(map[int64]GeofenceRegion)
	return o
}

// Run consumes the presence update stream until ctx is done.
func (e *Engine) Run(ctx context.Context, updates <-chan presence.PeerView) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-updates:
			if !ok {
				return
			}
			e.OnPeerChanged(ctx, v)
		}
	}
}

// OnSelfSample records the local position and re-evaluates all pairs.
func (e *Engine) OnSelfSample(ctx context.Context, s sampler.Sample) {
	e.mu.Lock()
	e.self = &s
	e.mu.Unlock()
	e.evaluateAll(ctx, time.Now())
}

// OnPeerChanged ingests one updated peer view.
func (e *Engine) OnPeerChanged(ctx context.Context, v presence.PeerView) {
	e.mu.Lock()
	if v.Online && v.Location != nil {
		e.peers[v.UserId] = v
	} else {
		delete(e.peers, v.UserId)
	}
	e.mu.Unlock()
	e.evaluate(ctx, v, time.Now())
}

// OnPeersChanged replaces the whole peer set (sweep refresh).
func (e *Engine) OnPeersChanged(ctx context.Context, views []presence.PeerView) {
	e.mu.Lock()
	e.peers = make(map[string]presence.PeerView, len(views))
	for _, v := range views {
		if v.Online && v.Location != nil {
			e.peers[v.UserId] = v
		}
	}
	e.mu.Unlock()
	e.evaluateAll(ctx, time.Now())
}

func (e *Engine) evaluateAll(ctx context.Context, now time.Time) {
	e.mu.Lock()
	views := make([]presence.PeerView, 0, len(e.peers))
	for _, v := range e.peers {
		views = append(views, v)
	}
	e.mu.Unlock()
	for _, v := range views {
		e.evaluate(ctx, v, now)
	}
}

func (e *Engine) evaluate(ctx context.Context, v presence.PeerView, now time.Time) {
	if v.Location != nil {
		e.evaluateRegions(ctx, v, now)
	}

	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if self == nil {
		return
	}

	pairKey := "peer/" + v.UserId
	if !v.Online || v.Location == nil {
		// peer went dark: keep the cooldown, distance is unknown
		return
	}
	d := geo.DistanceM(self.Latitude, self.Longitude, v.Location.Latitude, v.Location.Longitude)
	e.fireOrRearm(ctx, TopicProximityEntered, pairKey, d, e.config.ThresholdM, Event{PeerId: v.UserId, DistanceM: d, At: now}, now)
}

func (e *Engine) evaluateRegions(ctx context.Context, v presence.PeerView, now time.Time) {
	e.mu.Lock()
	regions := make([]GeofenceRegion, 0, len(e.regions))
	for _, r := range e.regions {
		regions = append(regions, r)
	}
	e.mu.Unlock()
	for _, r := range regions {
		d := geo.DistanceM(r.Latitude, r.Longitude, v.Location.Latitude, v.Location.Longitude)
		key := "region/" + v.UserId + "/" + strconv.FormatInt(r.Id, 10)
		ev := Event{PeerId: v.UserId, RegionId: r.Id, Label: r.Label, DistanceM: d, At: now}
		e.fireOrRearm(ctx, TopicGeofenceEntered, key, d, r.RadiusM, ev, now)
	}
}

// fireOrRearm is the cooldown discipline shared by pair and region
// alerts: inside the threshold fire once and arm the cooldown; outside
// it clear the cooldown so the next entry notifies promptly.
func (e *Engine) fireOrRearm(ctx context.Context, topic, key string, d, threshold float64, ev Event, now time.Time) {
	e.mu.Lock()
	if d > threshold {
		delete(e.cooldowns, key)
		e.mu.Unlock()
		return
	}
	last, cooling := e.cooldowns[key]
	if cooling && now.Sub(last) < e.config.Cooldown {
		e.mu.Unlock()
		return
	}
	e.cooldowns[key] = now
	e.mu.Unlock()

	metrics.ProximityEventsTotal.WithLabelValues(topic).Inc()
	e.log.Info().Str("topic", topic).Str("peer_id", ev.PeerId).Float64("distance_m", d).Msg("proximity event")
	if e.bus != nil {
		err := e.bus.Emit(ctx, topic, ev)
		if err != nil {
			e.log.Error().Err(err).Str("topic", topic).Msg("unable to emit event")
		}
	}
}

// AddRegion registers a geofence and returns its id.
func (e *Engine) AddRegion(r GeofenceRegion) GeofenceRegion {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.region_id++
	r.Id = e.region_id
	e.regions[r.Id] = r
	return r
}

func (e *Engine) RemoveRegion(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.regions[id]
	delete(e.regions, id)
	return ok
}

func (e *Engine) Regions() []GeofenceRegion {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]GeofenceRegion, 0, len(e.regions))
	for _, r := range e.regions {
		out = append(out, r)
	}
	return out
}

func (e *Engine) Region(id int64) (GeofenceRegion, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.regions[id]
	return r, ok
}
