package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/yamux"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nuha.dev/locshare/internal/sampler"
	"nuha.dev/locshare/internal/util/wc"
)

// Feed is the passive, platform-degraded positioning backend: companion
// devices push JSON location lines over TCP (directly, optionally behind
// a proxy-protocol LB, or through a yamux tunnel dialled out from behind
// NAT). The daemon consumes whatever arrives; it cannot ask for a fix.
type Feed struct {
	logger      zerolog.Logger
	config      *Config
	cid_counter uint64
	watcher_seq uint64

	mu       sync.Mutex
	latest   *sampler.Sample
	watchers map[uint64]chan sampler.Sample
}

type Config struct {
	ListenAddr  string
	TunnelAddr  string
	TunnelToken string
	// MaxFixAge bounds how stale a cached fix Current may return.
	MaxFixAge time.Duration
}

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type loginData struct {
	SnType string `json:"sn_type"`
	Serial string `json:"serial"`
}

type locationData struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float32   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

var errNotLogin = errors.New("first message not login message")

func New(config *Config) *Feed {
	o := &Feed{}
	o.config = config
	if o.config.MaxFixAge == 0 {
		o.config.MaxFixAge = 30 * time.Second
	}
	o.logger = log.With().Str("module", "feed").Logger()
	o.watchers = make(map[uint64]chan sampler.Sample)
	return o
}

func (f *Feed) Name() string {
	return "feed"
}

// Run starts the configured listeners and blocks until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	if f.config.ListenAddr != "" {
		go f.runDirectListener(ctx)
	}
	if f.config.TunnelAddr != "" {
		go f.runTunnelListener(ctx)
	}
	<-ctx.Done()
}

func (f *Feed) runDirectListener(ctx context.Context) {
	ln, err := net.Listen("tcp", f.config.ListenAddr)
	if err != nil {
		f.logger.Err(err).Msg("unable to listen")
		return
	}
	pln := &proxyproto.Listener{Listener: ln}
	go func() {
		<-ctx.Done()
		pln.Close()
	}()
	f.logger.Info().Str("addr", f.config.ListenAddr).Msg("feed listener started")
	for {
		conn, err := pln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Err(err).Msg("failed to accept new connection")
			}
			return
		}
		cid := atomic.AddUint64(&f.cid_counter, 1)
		wconn := wc.NewWrappedConn(conn, conn.RemoteAddr().String(), cid, f.logger)
		go f.handleConn(wconn)
	}
}

// runTunnelListener dials the tunnel endpoint, authenticates with the
// shared token and accepts pushed streams over the yamux session.
// Redials with a pause, slower when the last session died quickly.
func (f *Feed) runTunnelListener(ctx context.Context) {
	for {
		t0 := time.Now()
		f.runTunnelSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(t0) > 10*time.Second {
			time.Sleep(1 * time.Second)
		} else {
			time.Sleep(5 * time.Second)
		}
	}
}

func (f *Feed) runTunnelSession(ctx context.Context) {
	f.logger.Info().Str("addr", f.config.TunnelAddr).Msg("dialling tunnel")
	yconn, err := net.Dial("tcp", f.config.TunnelAddr)
	if err != nil {
		f.logger.Err(err).Msg("unable to dial tunnel server")
		return
	}
	defer yconn.Close()
	_, err = yconn.Write([]byte(f.config.TunnelToken))
	if err != nil {
		f.logger.Err(err).Msg("unable to authenticate with tunnel server")
		return
	}
	status := []byte{0}
	_, err = yconn.Read(status)
	if err != nil || status[0] != '+' {
		f.logger.Error().Msg("tunnel rejected")
		return
	}
	session, err := yamux.Client(yconn, nil)
	if err != nil {
		f.logger.Err(err).Msg("unable to open yamux session")
		return
	}
	go func() {
		<-ctx.Done()
		session.Close()
	}()
	for {
		tconn, err := session.Accept()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Err(err).Msg("tunnel session ended")
			}
			return
		}
		cid := atomic.AddUint64(&f.cid_counter, 1)
		wconn := wc.NewWrappedConn(tconn, f.config.TunnelAddr, cid, f.logger)
		go f.handleConn(wconn)
	}
}

func (f *Feed) handleConn(c *wc.Conn) {
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := readParse(c)
	if err != nil {
		f.logger.Err(err).Uint64("cid", c.Cid()).Msg("error reading login message")
		return
	}
	if msg.Type != "login" {
		f.logger.Err(errNotLogin).Uint64("cid", c.Cid()).Msg("")
		return
	}
	login := loginData{}
	err = json.Unmarshal(msg.Data, &login)
	if err != nil {
		f.logger.Err(err).Uint64("cid", c.Cid()).Msg("error parsing login message")
		return
	}
	_, _ = c.Write([]byte("+\n"))
	_ = c.SetReadDeadline(time.Time{})
	f.logger.Info().Str("event", "login").Str("sn_type", login.SnType).Str("serial", login.Serial).Str("remote_address", c.RemoteAddr()).Uint64("cid", c.Cid()).Msg("")

	for {
		msg, err := readParse(c)
		if err != nil {
			f.logger.Debug().Err(err).Uint64("cid", c.Cid()).Dur("uptime", time.Since(c.Created())).Msg("feed connection ended")
			return
		}
		if msg.Type != "location" {
			continue
		}
		loc := locationData{}
		err = json.Unmarshal(msg.Data, &loc)
		if err != nil {
			f.logger.Err(err).Uint64("cid", c.Cid()).Msg("error parsing location data, discarding")
			continue
		}
		captured := loc.CapturedAt
		if captured.IsZero() {
			captured = time.Now().UTC()
		}
		f.publish(sampler.Sample{
			Latitude:   loc.Latitude,
			Longitude:  loc.Longitude,
			AccuracyM:  loc.Accuracy,
			CapturedAt: captured,
			Provider:   f.Name(),
		})
	}
}

func readParse(c *wc.Conn) (*message, error) {
	line, err := c.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	m := message{}
	err = json.Unmarshal(line, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (f *Feed) publish(s sampler.Sample) {
	f.mu.Lock()
	f.latest = &s
	for _, ch := range f.watchers {
		select {
		case ch <- s:
		default:
			// slow watcher, drop this fix for it
		}
	}
	f.mu.Unlock()
}

func (f *Feed) subscribe() (uint64, chan sampler.Sample) {
	id := atomic.AddUint64(&f.watcher_seq, 1)
	ch := make(chan sampler.Sample, 8)
	f.mu.Lock()
	f.watchers[id] = ch
	f.mu.Unlock()
	return id, ch
}

func (f *Feed) unsubscribe(id uint64) {
	f.mu.Lock()
	delete(f.watchers, id)
	f.mu.Unlock()
}

func (f *Feed) Current(ctx context.Context, req sampler.Request) (sampler.Sample, error) {
	f.mu.Lock()
	latest := f.latest
	f.mu.Unlock()
	if latest != nil && time.Since(latest.CapturedAt) <= f.config.MaxFixAge {
		return *latest, nil
	}
	id, ch := f.subscribe()
	defer f.unsubscribe(id)
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return sampler.Sample{}, fmt.Errorf("%w: no pushed fix", sampler.ErrNoFix)
	}
}

func (f *Feed) Watch(ctx context.Context, req sampler.Request) (<-chan sampler.Sample, error) {
	id, ch := f.subscribe()
	out := make(chan sampler.Sample, 8)
	go func() {
		defer close(out)
		defer f.unsubscribe(id)
		filter := sampler.NewFilter(req)
		for {
			select {
			case s := <-ch:
				if !filter.Pass(s) {
					continue
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
