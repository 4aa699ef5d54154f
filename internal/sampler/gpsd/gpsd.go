package gpsd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/locshare/internal/sampler"
)

const watchCommand = `?WATCH={"enable":true,"json":true};` + "\n"

// Gpsd reads TPV reports from a gpsd socket. It is the high-accuracy
// positioning backend: one dial per Watch/Current call, the failover
// layer decides when to come back after an error.
type Gpsd struct {
	log    log.Logger
	config *Config
}

type Config struct {
	Addr        string
	DialTimeout time.Duration
}

type report struct {
	Class string  `json:"class"`
	Mode  int     `json:"mode"`
	Time  string  `json:"time"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Epx   float64 `json:"epx"`
	Epy   float64 `json:"epy"`
}

func New(config *Config) *Gpsd {
	o := &Gpsd{}
	o.config = config
	if o.config.DialTimeout == 0 {
		o.config.DialTimeout = 5 * time.Second
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "gpsd").Str("addr", config.Addr).Value()
	return o
}

func (g *Gpsd) Name() string {
	return "gpsd"
}

func (g *Gpsd) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: g.config.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", g.config.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sampler.ErrUnavailable, err)
	}
	_, err = conn.Write([]byte(watchCommand))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", sampler.ErrUnavailable, err)
	}
	return conn, nil
}

func (g *Gpsd) Current(ctx context.Context, req sampler.Request) (sampler.Sample, error) {
	conn, err := g.dial(ctx)
	if err != nil {
		return sampler.Sample{}, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	r := bufio.NewReader(conn)
	sawFixless := false
	for {
		s, err := g.readFix(r)
		if err == errSkip {
			continue
		}
		if err == errFixless {
			sawFixless = true
			continue
		}
		if err != nil {
			if sawFixless {
				// gpsd is reachable and reporting, the receiver just has
				// no satellite lock
				return sampler.Sample{}, fmt.Errorf("%w: receiver has no fix", sampler.ErrNoFix)
			}
			return sampler.Sample{}, err
		}
		return s, nil
	}
}

func (g *Gpsd) Watch(ctx context.Context, req sampler.Request) (<-chan sampler.Sample, error) {
	conn, err := g.dial(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan sampler.Sample, 8)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		f := sampler.NewFilter(req)
		r := bufio.NewReader(conn)
		for {
			s, err := g.readFix(r)
			if err == errSkip || err == errFixless {
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					g.log.Error().Err(err).Msg("watch stream ended")
				}
				return
			}
			if !f.Pass(s) {
				continue
			}
			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

var (
	errSkip    = fmt.Errorf("skip report")
	errFixless = fmt.Errorf("tpv without fix")
)

// readFix reads one line and converts a TPV with a 2D/3D fix into a
// Sample. Non-TPV reports are skipped; a TPV with mode < 2 is reported
// distinctly so Current can tell "no satellite lock" from a dead
// daemon.
func (g *Gpsd) readFix(r *bufio.Reader) (sampler.Sample, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return sampler.Sample{}, fmt.Errorf("%w: %v", sampler.ErrUnavailable, err)
	}
	rep := report{}
	err = json.Unmarshal(line, &rep)
	if err != nil {
		g.log.Debug().Err(err).Msg("discarding malformed report")
		return sampler.Sample{}, errSkip
	}
	if rep.Class != "TPV" {
		return sampler.Sample{}, errSkip
	}
	if rep.Mode < 2 {
		return sampler.Sample{}, errFixless
	}
	captured := time.Now().UTC()
	if rep.Time != "" {
		if t, err := time.Parse(time.RFC3339, rep.Time); err == nil {
			captured = t
		}
	}
	acc := rep.Epx
	if rep.Epy > acc {
		acc = rep.Epy
	}
	return sampler.Sample{
		Latitude:   rep.Lat,
		Longitude:  rep.Lon,
		AccuracyM:  float32(acc),
		CapturedAt: captured,
		Provider:   g.Name(),
	}, nil
}
