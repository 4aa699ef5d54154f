package natstore

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nuha.dev/locshare/internal/pstore"
)

const subjectPrefix = "presence."

// Store publishes presence records to presence.{user} subjects. NATS
// gives per-subject causal ordering; a local last-value cache provides
// the snapshot replay (records observed since this process connected).
// Removal is a tombstone record with sharing disabled and no location.
type Store struct {
	nc  *nats.Conn
	log log.Logger

	mu    sync.Mutex
	cache map[string]pstore.Record
}

type Config struct {
	Url  string
	Name string
}

func New(config *Config) (*Store, error) {
	nc, err := nats.Connect(config.Url, nats.Name(config.Name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	o := &Store{nc: nc}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "natstore").Value()
	o.cache = make(map[string]pstore.Record)
	return o, nil
}

func (s *Store) Put(ctx context.Context, r pstore.Record) error {
	d, err := pstore.Encode(r)
	if err != nil {
		return err
	}
	err = s.nc.Publish(subjectPrefix+r.UserId, d)
	if err != nil {
		return err
	}
	return s.nc.Flush()
}

func (s *Store) Remove(ctx context.Context, userId string) error {
	s.mu.Lock()
	delete(s.cache, userId)
	s.mu.Unlock()
	return s.Put(ctx, pstore.Record{UserId: userId, SharingEnabled: false})
}

func (s *Store) Watch(ctx context.Context) (<-chan pstore.Record, error) {
	out := make(chan pstore.Record, 64)
	sub, err := s.nc.Subscribe(subjectPrefix+">", func(m *nats.Msg) {
		r, err := pstore.Decode(m.Data)
		if err != nil {
			s.log.Error().Err(err).Str("subject", m.Subject).Msg("discarding malformed presence event")
			return
		}
		if r.UserId == "" {
			r.UserId = strings.TrimPrefix(m.Subject, subjectPrefix)
		}
		s.mu.Lock()
		s.cache[r.UserId] = r
		s.mu.Unlock()
		select {
		case out <- r:
		default:
			s.log.Warn().Str("user_id", r.UserId).Msg("watch buffer full, dropping update")
		}
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, r := range s.cache {
		select {
		case out <- r:
		default:
		}
	}
	s.mu.Unlock()
	// out is left open: the async handler may still be delivering when
	// ctx fires, and consumers stop on ctx, not channel close
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return out, nil
}

func (s *Store) Close() error {
	s.nc.Close()
	return nil
}
