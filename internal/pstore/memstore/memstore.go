package memstore

import (
	"context"
	"sync"

	"nuha.dev/locshare/internal/pstore"
)

// Store is an in-process presence store for tests and single-host
// setups. Put is last-write-wins per user; Watch replays the current
// table before live updates.
type Store struct {
	mu       sync.Mutex
	table    map[string]pstore.Record
	watchers map[uint64]chan pstore.Record
	seq      uint64
	closed   bool
}

func New() *Store {
	o := &Store{}
	o.table = make(map[string]pstore.Record)
	o.watchers = make(map[uint64]chan pstore.Record)
	return o
}

func (s *Store) Put(ctx context.Context, r pstore.Record) error {
	s.mu.Lock()
	s.table[r.UserId] = r
	for _, ch := range s.watchers {
		select {
		case ch <- r:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Remove(ctx context.Context, userId string) error {
	s.mu.Lock()
	delete(s.table, userId)
	cleared := pstore.Record{UserId: userId, SharingEnabled: false}
	for _, ch := range s.watchers {
		select {
		case ch <- cleared:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Watch(ctx context.Context) (<-chan pstore.Record, error) {
	ch := make(chan pstore.Record, 64)
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.watchers[id] = ch
	for _, r := range s.table {
		select {
		case ch <- r:
		default:
		}
	}
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *Store) Close() error {
	return nil
}
