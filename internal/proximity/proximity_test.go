package proximity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/locshare/internal/presence"
	"nuha.dev/locshare/internal/sampler"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ctx context.Context, ev bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev.Data.(Event))
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestBus(t *testing.T, c *collector) *bus.Bus {
	t.Helper()
	m, err := monoton.New(sequencer.NewMillisecond(), 1, 0)
	require.NoError(t, err)
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	require.NoError(t, err)
	b.RegisterTopics(TopicProximityEntered, TopicGeofenceEntered)
	b.RegisterHandler("collector", bus.Handler{Handle: c.handle, Matcher: ".*"})
	return b
}

func onlinePeer(id string, lat, lng float64) presence.PeerView {
	return presence.PeerView{
		UserId: id, Online: true, SharingEnabled: true,
		Location: &sampler.Sample{Latitude: lat, Longitude: lng, CapturedAt: time.Now()},
	}
}

// ~400m east of (0,0) along the equator
const lng400m = 0.0036
const lng600m = 0.0054

func TestEventFiresInsideThreshold(t *testing.T) {
	c := &collector{}
	e := NewEngine(newTestBus(t, c), Config{ThresholdM: 500, Cooldown: 10 * time.Minute})
	ctx := context.Background()

	e.OnSelfSample(ctx, sampler.Sample{Latitude: 0, Longitude: 0, CapturedAt: time.Now()})
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, lng400m))

	require.Equal(t, 1, c.count())
	assert.Equal(t, "peer1", c.events[0].PeerId)
	assert.InDelta(t, 400, c.events[0].DistanceM, 20)
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	c := &collector{}
	e := NewEngine(newTestBus(t, c), Config{ThresholdM: 500, Cooldown: 10 * time.Minute})
	ctx := context.Background()

	e.OnSelfSample(ctx, sampler.Sample{Latitude: 0, Longitude: 0, CapturedAt: time.Now()})
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, lng400m))
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, lng400m*0.9))
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, lng400m*0.8))

	assert.Equal(t, 1, c.count(), "repeated events inside cooldown")
}

func TestExitRearmsImmediately(t *testing.T) {
	c := &collector{}
	e := NewEngine(newTestBus(t, c), Config{ThresholdM: 500, Cooldown: 10 * time.Minute})
	ctx := context.Background()

	e.OnSelfSample(ctx, sampler.Sample{Latitude: 0, Longitude: 0, CapturedAt: time.Now()})
	// converge to 400m, diverge to 600m, reconverge: exactly two events
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, lng400m))
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, lng600m))
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, lng400m))

	assert.Equal(t, 2, c.count())
}

func TestNoEventOutsideThreshold(t *testing.T) {
	c := &collector{}
	e := NewEngine(newTestBus(t, c), Config{ThresholdM: 500, Cooldown: time.Minute})
	ctx := context.Background()

	e.OnSelfSample(ctx, sampler.Sample{Latitude: 0, Longitude: 0, CapturedAt: time.Now()})
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, lng600m))
	assert.Equal(t, 0, c.count())
}

func TestOfflinePeerNotEvaluated(t *testing.T) {
	c := &collector{}
	e := NewEngine(newTestBus(t, c), Config{ThresholdM: 500, Cooldown: time.Minute})
	ctx := context.Background()

	e.OnSelfSample(ctx, sampler.Sample{Latitude: 0, Longitude: 0, CapturedAt: time.Now()})
	v := onlinePeer("peer1", 0, lng400m)
	v.Online = false
	v.Location = nil
	e.OnPeerChanged(ctx, v)
	assert.Equal(t, 0, c.count())
}

func TestCooldownExpiryAllowsNewEvent(t *testing.T) {
	c := &collector{}
	e := NewEngine(newTestBus(t, c), Config{ThresholdM: 500, Cooldown: 30 * time.Millisecond})
	ctx := context.Background()

	e.OnSelfSample(ctx, sampler.Sample{Latitude: 0, Longitude: 0, CapturedAt: time.Now()})
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, lng400m))
	time.Sleep(50 * time.Millisecond)
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, lng400m))
	assert.Equal(t, 2, c.count())
}

func TestGeofenceEnterWithCooldown(t *testing.T) {
	c := &collector{}
	e := NewEngine(newTestBus(t, c), Config{ThresholdM: 500, Cooldown: 10 * time.Minute})
	ctx := context.Background()

	r := e.AddRegion(GeofenceRegion{Label: "home", Latitude: 0, Longitude: 0, RadiusM: 300})
	require.NotZero(t, r.Id)

	// inside the region, then out, then back in: two events
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, 0.001))
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, 0.01))
	e.OnPeerChanged(ctx, onlinePeer("peer1", 0, 0.001))

	require.Equal(t, 2, c.count())
	assert.Equal(t, "home", c.events[0].Label)
	assert.Equal(t, r.Id, c.events[0].RegionId)
}

func TestRegionCrud(t *testing.T) {
	e := NewEngine(nil, Config{})
	r := e.AddRegion(GeofenceRegion{Label: "office", Latitude: 1, Longitude: 2, RadiusM: 100})
	got, ok := e.Region(r.Id)
	require.True(t, ok)
	assert.Equal(t, "office", got.Label)
	assert.Len(t, e.Regions(), 1)
	assert.True(t, e.RemoveRegion(r.Id))
	assert.False(t, e.RemoveRegion(r.Id))
	assert.Empty(t, e.Regions())
}
