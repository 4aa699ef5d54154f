package redistore

import (
	"context"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
	"nuha.dev/locshare/internal/pstore"
)

const (
	keyPrefix    = "presence:"
	eventChannel = "presence.events"
)

// Store keeps presence records in redis: SET presence:{user} for the
// last-value cache plus a PUBLISH on a shared channel for live fan-out.
// Grounded on the redis pub/sub hub pattern; redis key semantics give
// the required last-write-wins per key.
type Store struct {
	rdb *redis.Client
	log log.Logger
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(config *Config) *Store {
	o := &Store{}
	o.rdb = redis.NewClient(&redis.Options{Addr: config.Addr, Password: config.Password, DB: config.DB})
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "redistore").Value()
	return o
}

// NewWithClient is used by tests to point the store at miniredis.
func NewWithClient(rdb *redis.Client) *Store {
	o := &Store{rdb: rdb}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "redistore").Value()
	return o
}

func (s *Store) Put(ctx context.Context, r pstore.Record) error {
	d, err := pstore.Encode(r)
	if err != nil {
		return err
	}
	err = s.rdb.Set(ctx, keyPrefix+r.UserId, d, 0).Err()
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, eventChannel, d).Err()
}

func (s *Store) Remove(ctx context.Context, userId string) error {
	err := s.rdb.Del(ctx, keyPrefix+userId).Err()
	if err != nil {
		return err
	}
	cleared, err := pstore.Encode(pstore.Record{UserId: userId, SharingEnabled: false})
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, eventChannel, cleared).Err()
}

func (s *Store) Watch(ctx context.Context) (<-chan pstore.Record, error) {
	sub := s.rdb.Subscribe(ctx, eventChannel)
	// force the subscription before snapshotting so no update is lost
	// between snapshot read and stream start
	_, err := sub.Receive(ctx)
	if err != nil {
		sub.Close()
		return nil, err
	}
	out := make(chan pstore.Record, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		s.replay(ctx, out)
		msgs := sub.Channel()
		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					return
				}
				r, err := pstore.Decode([]byte(m.Payload))
				if err != nil {
					s.log.Error().Err(err).Msg("discarding malformed presence event")
					continue
				}
				select {
				case out <- r:
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

func (s *Store) replay(ctx context.Context, out chan<- pstore.Record) {
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		d, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		r, err := pstore.Decode(d)
		if err != nil {
			s.log.Error().Err(err).Str("key", iter.Val()).Msg("discarding malformed presence record")
			continue
		}
		select {
		case out <- r:
		case <-ctx.Done():
			return
		}
	}
	if err := iter.Err(); err != nil {
		s.log.Error().Err(err).Msg("presence snapshot scan failed")
	}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping verifies connectivity at startup so a misconfigured store fails
// the sharing-enable action with a specific reason instead of silently
// dropping publishes.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}
