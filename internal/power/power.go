package power

import (
	"context"
)

type NetworkClass int

const (
	NetworkNone NetworkClass = iota
	NetworkCellular
	NetworkWifi
)

func (n NetworkClass) String() string {
	switch n {
	case NetworkWifi:
		return "wifi"
	case NetworkCellular:
		return "cellular"
	default:
		return "none"
	}
}

type State struct {
	BatteryLevel int
	Charging     bool
	PowerSave    bool
	Network      NetworkClass
}

// Monitor reports the device power/network state. Watch emits a new
// State whenever any field changes; the current state is always
// available without blocking.
type Monitor interface {
	Current() State
	Watch(ctx context.Context) <-chan State
}

// Static is a fixed-state monitor for tests and mains-powered deployments.
type Static struct {
	state State
}

func NewStatic(s State) *Static {
	return &Static{state: s}
}

func (m *Static) Current() State {
	return m.state
}

func (m *Static) Watch(ctx context.Context) <-chan State {
	ch := make(chan State, 1)
	ch <- m.state
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

