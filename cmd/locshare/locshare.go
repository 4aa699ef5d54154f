package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/phuslu/log"
	"nuha.dev/locshare/internal/config"
	"nuha.dev/locshare/internal/history"
	"nuha.dev/locshare/internal/policy"
	"nuha.dev/locshare/internal/power"
	"nuha.dev/locshare/internal/presence"
	"nuha.dev/locshare/internal/proximity"
	"nuha.dev/locshare/internal/pstore"
	"nuha.dev/locshare/internal/pstore/memstore"
	"nuha.dev/locshare/internal/pstore/natstore"
	"nuha.dev/locshare/internal/pstore/redistore"
	"nuha.dev/locshare/internal/sampler/feed"
	"nuha.dev/locshare/internal/sampler/gpsd"
	"nuha.dev/locshare/internal/strategy"
	"nuha.dev/locshare/internal/tracker"
	"nuha.dev/locshare/internal/util"
	"nuha.dev/locshare/internal/web"
	"nuha.dev/locshare/internal/webstream"
)

func main() {
	logger := log.DefaultLogger
	logger.Context = log.NewContext(nil).Str("module", "main").Value()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m, err := monoton.New(sequencer.NewMillisecond(), cfg.NodeId, 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to init sequence generator")
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to init event bus")
	}
	b.RegisterTopics(proximity.TopicProximityEntered, proximity.TopicGeofenceEntered, strategy.TopicTrackingDegraded)
	// the notification collaborator attaches here; until then events go
	// to the log
	b.RegisterHandler("event-log", bus.Handler{
		Matcher: ".*",
		Handle: func(ctx context.Context, ev bus.Event) {
			logger.Info().Str("topic", ev.Topic).Interface("data", ev.Data).Msg("event")
		},
	})

	var store pstore.Store
	switch cfg.StoreBackend {
	case "redis":
		rs := redistore.New(&redistore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDb})
		if err := rs.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("unable to reach redis")
		}
		store = rs
	case "nats":
		store, err = natstore.New(&natstore.Config{Url: cfg.NatsUrl, Name: "locshare-" + cfg.UserId})
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to connect to nats")
		}
	default:
		store = memstore.New()
	}

	var mon power.Monitor
	if cfg.PowerMonitor == "static" {
		mon = power.NewStatic(power.State{BatteryLevel: cfg.StaticBattery, Charging: true, Network: power.NetworkWifi})
	} else {
		mon = power.NewSysfsMonitor(&power.SysfsConfig{})
	}
	class := policy.ClassByName(cfg.DeviceClass)

	gps := gpsd.New(&gpsd.Config{Addr: cfg.GpsdAddr})
	strategies := []strategy.Strategy{
		strategy.NewWatchStrategy("gpsd-watch", gps),
		strategy.NewPollStrategy("gpsd-poll", gps),
	}
	if cfg.FeedListenAddr != "" || cfg.FeedTunnelAddr != "" {
		fd := feed.New(&feed.Config{
			ListenAddr:  cfg.FeedListenAddr,
			TunnelAddr:  cfg.FeedTunnelAddr,
			TunnelToken: cfg.FeedTunnelToken,
		})
		go fd.Run(ctx)
		strategies = append(strategies, strategy.NewFeedStrategy(fd))
	}

	consent := func() bool { return cfg.BackgroundConsent }
	sel := strategy.NewSelector(strategies, mon, class, b, consent, strategy.Config{})

	pres := presence.NewEngine(store, m.Next, presence.Config{
		UserId:             cfg.UserId,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		StalenessThreshold: cfg.StalenessThreshold,
		SweepInterval:      cfg.SweepInterval,
	})
	prox := proximity.NewEngine(b, proximity.Config{
		ThresholdM: cfg.ProximityThresholdM,
		Cooldown:   cfg.ProximityCooldown,
	})
	// surface exhausted-failover episodes in the published record; the
	// flag clears on the next located publish
	b.RegisterHandler("presence-degraded", bus.Handler{
		Matcher: strategy.TopicTrackingDegraded,
		Handle: func(ctx context.Context, ev bus.Event) {
			pres.SetDegraded(true)
		},
	})

	var arch *history.Archiver
	if cfg.HistoryEnabled {
		pool, err := pgxpool.Connect(ctx, cfg.DbUrl)
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to connect to database")
		}
		arch = history.NewArchiver(pool, cfg.HistoryTable, cfg.UserId, &history.Config{})
		err = arch.Run(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("unable to start history archiver")
		}
	}

	trk := tracker.New(cfg.UserId, sel, pres, prox, arch)

	tokenHash := cfg.TokenHash
	if tokenHash == "" {
		token := cfg.Token
		if token == "" {
			token = util.GenRandomString([]byte("ls_"), 24)
			logger.Warn().Str("token", token).Msg("no access token configured, generated an ephemeral one")
		}
		tokenHash = util.HashToken(token)
	}
	api, err := web.NewApi(trk, pres, prox, arch, &web.ApiConfig{
		ListenAddr: cfg.ApiAddr,
		TokenHash:  tokenHash,
		HashidSalt: cfg.HashidSalt,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to init api")
	}
	ws := webstream.NewServer(pres, webstream.Config{Addr: cfg.WebstreamAddr, TokenHash: tokenHash})

	go func() {
		err := pres.Run(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("presence engine failed")
		}
	}()
	go trk.Run(ctx)
	go func() {
		err := api.Run()
		if err != nil {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()
	go func() {
		err := ws.Run()
		if err != nil {
			logger.Fatal().Err(err).Msg("webstream server failed")
		}
	}()

	if cfg.TrackingAutostart {
		err = trk.StartTracking(ctx)
		if err != nil {
			// degraded start is survivable; the api can retry later
			logger.Error().Err(err).Msg("tracking did not start")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	err = trk.Shutdown(shCtx)
	if err != nil {
		logger.Error().Err(err).Msg("error withdrawing presence record")
	}
	if err := api.Shutdown(shCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown error")
	}
	if err := ws.Shutdown(shCtx); err != nil {
		logger.Error().Err(err).Msg("webstream shutdown error")
	}
	cancel()
	store.Close()
}
