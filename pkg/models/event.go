// Package models contains the shared domain types exchanged between
// substrate components: events, snapshots, inter-component messages and
// the causality envelope. All types are plain values — components exchange
// copies, never shared mutable state.
package models

import (
	"time"

	"github.com/google/uuid"
)

// AnyVersion is the expected-version sentinel that disables the optimistic
// concurrency check on append.
const AnyVersion int64 = -1

// Event is a single immutable record in the event store.
//
// Invariants (enforced by the store, relied upon everywhere else):
//   - StreamVersion is strictly increasing and gap-free within a stream,
//     starting at 1.
//   - GlobalPosition is strictly increasing across the whole store.
//   - Timestamp is non-decreasing per stream; ordering is by version, not
//     time.
type Event struct {
	ID             uuid.UUID      `json:"id"`
	StreamID       string         `json:"stream_id"`
	StreamVersion  int64          `json:"stream_version"`
	GlobalPosition int64          `json:"global_position"`
	EventType      string         `json:"event_type"`
	Payload        map[string]any `json:"event_data"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	CausationID    string         `json:"causation_id,omitempty"`

	// Timestamp is wall-clock UTC. When produced by time.Now() it also
	// carries Go's monotonic reading, which the analytics layer uses for
	// interval math.
	Timestamp time.Time `json:"timestamp"`

	Causality Causality `json:"causality"`
}

// NewEvent builds an unappended event. StreamVersion and GlobalPosition are
// assigned by the store at append time.
func NewEvent(streamID, eventType string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New(),
		StreamID:  streamID,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a deep-enough copy for copy-on-send semantics: the maps are
// copied one level deep, which is sufficient because payload values are
// treated as immutable once attached.
func (e Event) Clone() Event {
	c := e
	c.Payload = cloneMap(e.Payload)
	c.Metadata = cloneMap(e.Metadata)
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Snapshot is an advisory point-in-time capture of a stream's aggregate
// state. Replay from the log must reproduce equivalent state; snapshots are
// never authoritative.
type Snapshot struct {
	StreamID         string         `json:"stream_id"`
	AggregateVersion int64          `json:"aggregate_version"`
	Payload          map[string]any `json:"payload"`
	Timestamp        time.Time      `json:"timestamp"`
}

// StreamMeta describes the current state of a stream. Lifetime equals the
// lifetime of the store.
type StreamMeta struct {
	StreamID        string    `json:"stream_id"`
	CurrentVersion  int64     `json:"current_version"`
	FirstAppendedAt time.Time `json:"first_appended_at"`
	LastAppendedAt  time.Time `json:"last_appended_at"`
	SnapshotVersion int64     `json:"snapshot_version,omitempty"`
}
