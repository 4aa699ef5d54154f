package history

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/locshare/internal/sampler"
)

// Archiver batches the local user's samples and flushes them into
// postgres with CopyFrom. Put appends to the write buffer under a
// short lock; a full or aged buffer moves whole onto the pending queue
// for the flusher task, so a slow copy never blocks the sampling path
// and back-to-back flushes cannot overwrite each other.
type Archiver struct {
	config  *Config
	user_id string
	cond    *sync.Cond
	wlock   *sync.Mutex
	pending []buffer
	wbuf    buffer
	dbc     *pgxpool.Conn
	dbp     *pgxpool.Pool
	log     log.Logger
	table   string
}

type Config struct {
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

func (c *Config) withDefaults() {
	if c.BufSize == 0 {
		c.BufSize = 64
	}
	if c.TickerDur == 0 {
		c.TickerDur = 10 * time.Second
	}
	if c.MaxAgeFlush == 0 {
		c.MaxAgeFlush = time.Minute
	}
}

type buffer struct {
	seq uint64
	t1  time.Time
	t2  time.Time
	buf []record
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]record, 0, len)}
}

type record struct {
	lat      float64
	lon      float64
	acc      float32
	provider string
	gpst     time.Time
	srvt     time.Time
}

func NewArchiver(db *pgxpool.Pool, table string, userId string, config *Config) *Archiver {
	config.withDefaults()
	o := &Archiver{}
	o.config = config
	o.table = table
	o.user_id = userId
	o.dbp = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "history").Value()
	o.wbuf = new_buffer(0, o.config.BufSize)
	o.wlock = &sync.Mutex{}
	o.cond = sync.NewCond(&sync.Mutex{})
	return o
}

func (a *Archiver) Run(ctx context.Context) error {
	var err error
	a.dbc, err = a.dbp.Acquire(ctx)
	if err != nil {
		return err
	}
	go a.timer_flusher(ctx)
	go a.handle(ctx)
	go func() {
		<-ctx.Done()
		a.cond.Broadcast()
	}()
	return nil
}

// Consume archives every sample from the stream until ctx is done.
func (a *Archiver) Consume(ctx context.Context, samples <-chan sampler.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			a.Put(s)
		}
	}
}

func (a *Archiver) timer_flusher(ctx context.Context) {
	ticker := time.NewTicker(a.config.TickerDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			a.wlock.Lock()
			if len(a.wbuf.buf) != 0 && t.Sub(a.wbuf.t1) > a.config.MaxAgeFlush {
				a.flush()
			}
			a.wlock.Unlock()
		}
	}
}

func (a *Archiver) Put(s sampler.Sample) {
	rec := record{lat: s.Latitude, lon: s.Longitude, acc: s.AccuracyM, provider: s.Provider, gpst: s.CapturedAt, srvt: time.Now().UTC()}
	a.wlock.Lock()
	if len(a.wbuf.buf) == 0 {
		a.wbuf.t1 = time.Now().UTC()
	}
	a.wbuf.buf = append(a.wbuf.buf, rec)
	if len(a.wbuf.buf) == a.config.BufSize {
		a.flush()
	}
	a.wlock.Unlock()
}

// flush queues the write buffer for the flusher task. Caller holds
// wlock.
func (a *Archiver) flush() {
	next := a.wbuf.seq + 1
	a.wbuf.t2 = time.Now().UTC()
	a.cond.L.Lock()
	a.pending = append(a.pending, a.wbuf)
	a.cond.L.Unlock()
	a.cond.Signal()
	a.wbuf = new_buffer(next, a.config.BufSize)
}

func (a *Archiver) handle(ctx context.Context) {
	var err error
	a.log.Info().Msg("starting flusher task")
	for {
		a.cond.L.Lock()
		for len(a.pending) == 0 && ctx.Err() == nil {
			a.cond.Wait()
		}
		if ctx.Err() != nil {
			a.cond.L.Unlock()
			return
		}
		buf := a.pending[0]
		a.pending = a.pending[1:]
		a.cond.L.Unlock()
		t1 := time.Now()
		_, err = a.dbc.CopyFrom(ctx,
			pgx.Identifier{a.table},
			[]string{"user_id", "latitude", "longitude", "accuracy_m", "provider", "captured_at", "server_time"},
			pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
				d := buf.buf[i]
				return []interface{}{a.user_id, d.lat, d.lon, d.acc, d.provider, d.gpst, d.srvt}, nil
			}))
		if err != nil {
			a.log.Error().Err(err).Msg("flush error")
		} else {
			a.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
		}
	}
}

// Flush forces a final drain, used on shutdown.
func (a *Archiver) Flush() {
	a.wlock.Lock()
	if len(a.wbuf.buf) != 0 {
		a.flush()
	}
	a.wlock.Unlock()
}

// Entry is one archived fix as returned by Recent.
type Entry struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float32   `json:"accuracy_m"`
	Provider   string    `json:"provider"`
	CapturedAt time.Time `json:"captured_at"`
}

// Recent returns the newest archived fixes, newest first.
func (a *Archiver) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := a.dbp.Query(ctx,
		`SELECT latitude, longitude, accuracy_m, provider, captured_at FROM `+a.table+
			` WHERE user_id = $1 ORDER BY captured_at DESC LIMIT $2`, a.user_id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		err := rows.Scan(&e.Latitude, &e.Longitude, &e.AccuracyM, &e.Provider, &e.CapturedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
