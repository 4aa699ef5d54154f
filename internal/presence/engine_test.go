package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nuha.dev/locshare/internal/pstore"
	"nuha.dev/locshare/internal/pstore/memstore"
	"nuha.dev/locshare/internal/sampler"
)

func seqGen() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%012d", n)
	}
}

func testEngine(t *testing.T, store pstore.Store) *Engine {
	t.Helper()
	return NewEngine(store, seqGen(), Config{
		UserId:             "self",
		HeartbeatInterval:  20 * time.Millisecond,
		StalenessThreshold: 80 * time.Millisecond,
		SweepInterval:      10 * time.Millisecond,
		PublishAttempts:    3,
		PublishBackoff:     5 * time.Millisecond,
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDisableClearsPublishedLocation(t *testing.T) {
	store := memstore.New()
	e := testEngine(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	watch, err := store.Watch(ctx)
	require.NoError(t, err)

	s := sampler.Sample{Latitude: -6.2, Longitude: 106.8, CapturedAt: time.Now(), Provider: "test"}
	e.Publish(&s, true)

	var got pstore.Record
	waitFor(t, func() bool {
		select {
		case got = <-watch:
			return got.HasLocation()
		default:
			return false
		}
	}, "enabled record with location never stored")
	assert.True(t, got.SharingEnabled)

	e.Publish(nil, false)
	waitFor(t, func() bool {
		select {
		case got = <-watch:
			return !got.SharingEnabled
		default:
			return false
		}
	}, "disabled record never stored")
	assert.False(t, got.HasLocation(), "stale position leaked after opt-out")

	// heartbeats after the opt-out must stay cleared
	var hb pstore.Record
	waitFor(t, func() bool {
		select {
		case hb = <-watch:
			return true
		default:
			return false
		}
	}, "no heartbeat after disable")
	assert.False(t, hb.HasLocation())
	assert.False(t, hb.SharingEnabled)
}

func TestStalenessSweepMarksOfflineWithoutEvents(t *testing.T) {
	store := memstore.New()
	e := testEngine(t, store)

	now := time.Now()
	lat, lng := -6.2, 106.8
	e.apply(pstore.Record{
		UserId: "peer1", Latitude: &lat, Longitude: &lng,
		SharingEnabled: true, HeartbeatMs: now.UnixMilli(), Seq: "000000000001",
	}, now)

	views := e.Snapshot()
	require.Len(t, views, 1)
	assert.True(t, views[0].Online)

	// no new inbound record: only the local sweep can flip the peer
	e.Sweep(now.Add(200 * time.Millisecond))
	views = e.Snapshot()
	require.Len(t, views, 1)
	assert.False(t, views[0].Online)
	assert.Nil(t, views[0].Location, "offline peer must not expose a cached position")
}

func TestStaleHeartbeatOverridesCachedSample(t *testing.T) {
	store := memstore.New()
	e := testEngine(t, store)
	now := time.Now()
	lat, lng := 1.0, 2.0
	// sample present but heartbeat already too old: offline wins
	e.apply(pstore.Record{
		UserId: "peer1", Latitude: &lat, Longitude: &lng, SharingEnabled: true,
		HeartbeatMs: now.Add(-time.Minute).UnixMilli(), Seq: "000000000001",
	}, now)
	views := e.Snapshot()
	require.Len(t, views, 1)
	assert.False(t, views[0].Online)
}

func TestLastWriterWins(t *testing.T) {
	store := memstore.New()
	e := testEngine(t, store)
	now := time.Now()
	lat2, lng2 := 2.0, 2.0
	e.apply(pstore.Record{UserId: "peer1", Latitude: &lat2, Longitude: &lng2, SharingEnabled: true, HeartbeatMs: now.UnixMilli(), Seq: "000000000002"}, now)
	lat1, lng1 := 1.0, 1.0
	// an earlier write arriving late must not overwrite
	e.apply(pstore.Record{UserId: "peer1", Latitude: &lat1, Longitude: &lng1, SharingEnabled: true, HeartbeatMs: now.UnixMilli(), Seq: "000000000001"}, now)

	views := e.Snapshot()
	require.Len(t, views, 1)
	require.NotNil(t, views[0].Location)
	assert.Equal(t, 2.0, views[0].Location.Latitude)
}

func TestMalformedRecordPreservesLastGoodView(t *testing.T) {
	store := memstore.New()
	e := testEngine(t, store)
	now := time.Now()
	lat, lng := 3.0, 4.0
	e.apply(pstore.Record{UserId: "peer1", Latitude: &lat, Longitude: &lng, SharingEnabled: true, HeartbeatMs: now.UnixMilli(), Seq: "000000000001"}, now)
	bad, badlng := 340.0, 4.0
	e.apply(pstore.Record{UserId: "peer1", Latitude: &bad, Longitude: &badlng, SharingEnabled: true, HeartbeatMs: now.UnixMilli(), Seq: "000000000002"}, now)

	views := e.Snapshot()
	require.Len(t, views, 1)
	require.NotNil(t, views[0].Location)
	assert.Equal(t, 3.0, views[0].Location.Latitude)
}

func TestOwnRecordIgnored(t *testing.T) {
	store := memstore.New()
	e := testEngine(t, store)
	e.apply(pstore.Record{UserId: "self", SharingEnabled: true, HeartbeatMs: time.Now().UnixMilli(), Seq: "000000000001"}, time.Now())
	assert.Empty(t, e.Snapshot())
}

func TestStopBarsFurtherPublishes(t *testing.T) {
	store := memstore.New()
	e := testEngine(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	watch, err := store.Watch(ctx)
	require.NoError(t, err)

	e.Stop()
	s := sampler.Sample{Latitude: 1, Longitude: 2, CapturedAt: time.Now()}
	e.Publish(&s, true)
	e.SendHeartbeat()

	select {
	case r := <-watch:
		t.Fatalf("record stored after Stop: %+v", r)
	case <-time.After(150 * time.Millisecond):
	}
}

type flakyStore struct {
	*memstore.Store
	mu       sync.Mutex
	failures int
	puts     int
}

func (f *flakyStore) Put(ctx context.Context, r pstore.Record) error {
	f.mu.Lock()
	f.puts++
	fail := f.puts <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("transient store error")
	}
	return f.Store.Put(ctx, r)
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{Store: memstore.New(), failures: 2}
	e := testEngine(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.writerLoop(ctx)

	watch, err := store.Watch(ctx)
	require.NoError(t, err)

	s := sampler.Sample{Latitude: 1, Longitude: 2, CapturedAt: time.Now()}
	e.Publish(&s, true)

	select {
	case r := <-watch:
		assert.True(t, r.HasLocation())
	case <-time.After(2 * time.Second):
		t.Fatal("record never stored despite retries")
	}
}

func TestNewerRecordSupersedesPending(t *testing.T) {
	e := testEngine(t, memstore.New())
	s1 := sampler.Sample{Latitude: 1, Longitude: 1, CapturedAt: time.Now()}
	s2 := sampler.Sample{Latitude: 2, Longitude: 2, CapturedAt: time.Now()}
	// no writer running: the second enqueue must replace the first
	e.Publish(&s1, true)
	e.Publish(&s2, true)
	rec := <-e.mbox
	require.True(t, rec.HasLocation())
	assert.Equal(t, 2.0, *rec.Latitude)
	select {
	case extra := <-e.mbox:
		t.Fatalf("stale record still queued: %+v", extra)
	default:
	}
}

func TestDegradedFlagPublishedAndClearedByNextFix(t *testing.T) {
	e := testEngine(t, memstore.New())
	s := sampler.Sample{Latitude: 1, Longitude: 2, CapturedAt: time.Now()}
	e.Publish(&s, true)
	rec := <-e.mbox
	assert.False(t, rec.Degraded)

	e.SetDegraded(true)
	rec = <-e.mbox
	assert.True(t, rec.Degraded, "positioning outage must be explicit in the published record")
	assert.True(t, rec.SharingEnabled)
	assert.True(t, rec.HasLocation(), "last known position stays published during the outage")

	// unchanged state is not republished
	e.SetDegraded(true)
	select {
	case extra := <-e.mbox:
		t.Fatalf("unchanged degraded state republished: %+v", extra)
	default:
	}

	e.Publish(&s, true)
	rec = <-e.mbox
	assert.False(t, rec.Degraded, "a fresh fix must clear the flag")
}

func TestPeerViewCarriesDegraded(t *testing.T) {
	e := testEngine(t, memstore.New())
	now := time.Now()
	e.apply(pstore.Record{UserId: "peer1", SharingEnabled: true, Degraded: true, HeartbeatMs: now.UnixMilli(), Seq: "000000000001"}, now)
	views := e.Snapshot()
	require.Len(t, views, 1)
	assert.True(t, views[0].Online)
	assert.True(t, views[0].Degraded)
}

func TestScenarioDisableAtT40(t *testing.T) {
	// user shares at t=0, disables at t=40s: the peer sees online views
	// until the disable lands, then offline with no retrievable
	// coordinates after the sweep.
	store := memstore.New()
	viewer := testEngine(t, store)

	t0 := time.Now()
	lat, lng := -6.2, 106.8
	for i := 0; i < 3; i++ {
		ts := t0.Add(time.Duration(i*15) * time.Second)
		viewer.apply(pstore.Record{
			UserId: "sharer", Latitude: &lat, Longitude: &lng, SharingEnabled: true,
			HeartbeatMs: ts.UnixMilli(), CapturedAtMs: ts.UnixMilli(), Seq: fmt.Sprintf("%012d", i+1),
		}, ts)
		views := viewer.Snapshot()
		require.Len(t, views, 1)
		assert.True(t, views[0].Online)
	}
	t40 := t0.Add(40 * time.Second)
	viewer.apply(pstore.Record{UserId: "sharer", SharingEnabled: false, HeartbeatMs: t40.UnixMilli(), Seq: "000000000099"}, t40)
	viewer.Sweep(t40.Add(viewer.config.SweepInterval))
	views := viewer.Snapshot()
	require.Len(t, views, 1)
	assert.False(t, views[0].Online)
	assert.Nil(t, views[0].Location)
}
