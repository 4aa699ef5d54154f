package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSub struct {
	name  string
	alive bool
	got   [][]byte
}

func (r *recordingSub) Push(d []byte) bool {
	if !r.alive {
		return false
	}
	r.got = append(r.got, d)
	return true
}

func (r *recordingSub) Name() string { return r.name }

func TestSublistFanout(t *testing.T) {
	s := NewSublist()
	a := &recordingSub{name: "a", alive: true}
	b := &recordingSub{name: "b", alive: true}
	s.Subscribe(a)
	s.Subscribe(b)

	s.Send([]byte("x"))
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)

	s.Unsubscribe(b)
	s.Send([]byte("y"))
	assert.Len(t, a.got, 2)
	assert.Len(t, b.got, 1)
}

func TestSublistPrunesClosedSubscriber(t *testing.T) {
	s := NewSublist()
	a := &recordingSub{name: "a", alive: true}
	s.Subscribe(a)
	assert.Equal(t, 1, s.Len())

	a.alive = false
	s.Send([]byte("x"))
	assert.Equal(t, 0, s.Len())
}
