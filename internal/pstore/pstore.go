package pstore

import (
	"context"
	"encoding/json"
)

// Record is the authoritative shared-store row for one user, keyed as
// presence/{user_id}. Latitude/Longitude/Accuracy are pointers so a
// withdrawn position is absent on the wire, not zero-valued: peers must
// never read a field that looks present but is semantically withdrawn.
type Record struct {
	UserId         string   `json:"user_id"`
	Latitude       *float64 `json:"lat,omitempty"`
	Longitude      *float64 `json:"lng,omitempty"`
	AccuracyM      *float32 `json:"accuracy,omitempty"`
	CapturedAtMs   int64    `json:"captured_at_epoch_ms,omitempty"`
	SharingEnabled bool     `json:"sharing_enabled"`
	// Degraded tells peers explicitly that sharing is on but the writer
	// currently has no working positioning, instead of leaving them to
	// infer it from a stale CapturedAtMs.
	Degraded    bool  `json:"degraded,omitempty"`
	HeartbeatMs int64 `json:"last_heartbeat_epoch_ms"`
	// Seq is a monotonic per-writer sequence; consumers discard a record
	// whose Seq is not greater than the one already cached for the user.
	Seq string `json:"seq"`
}

func (r Record) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil
}

func Encode(r Record) ([]byte, error) {
	return json.Marshal(r)
}

func Decode(d []byte) (Record, error) {
	r := Record{}
	err := json.Unmarshal(d, &r)
	return r, err
}

// Store is the real-time shared presence transport: last-write-wins
// per-key put, removal, and a watch stream that replays the current
// value of every key before delivering live updates.
type Store interface {
	Put(ctx context.Context, r Record) error
	Remove(ctx context.Context, userId string) error
	Watch(ctx context.Context) (<-chan Record, error)
	Close() error
}
