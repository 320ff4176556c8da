// Package eventstore implements the append-only event store: per-stream
// logs with optimistic concurrency, a global ordering, advisory snapshots,
// and at-least-once subscription fan-out with per-stream ordering.
package eventstore

import (
	"log/slog"
	"sync"
	"time"

	"github.com/viablesystems/synapse/pkg/metrics"
	"github.com/viablesystems/synapse/pkg/models"
)

// Reserved stream names. The persisted layout keeps dead letters and
// pattern history as ordinary streams so replay tooling sees them.
const (
	DeadLetterStream     = "$dead-letter"
	PatternHistoryStream = "$pattern-history"
)

// AutoSnapshotInterval is the version distance that triggers an automatic
// snapshot after an append.
const AutoSnapshotInterval = 100

// SnapshotFn folds newly appended events into the previous snapshot payload.
// It must be a pure function of the log so that replay reproduces the same
// advisory state. prev is nil when the stream has no snapshot yet.
type SnapshotFn func(prev *models.Snapshot, events []models.Event) map[string]any

// defaultSnapshotFn counts events per type. Deterministic over the log,
// which is all the advisory contract requires.
func defaultSnapshotFn(prev *models.Snapshot, events []models.Event) map[string]any {
	counts := make(map[string]any)
	if prev != nil {
		for k, v := range prev.Payload {
			counts[k] = v
		}
	}
	for _, e := range events {
		n, _ := counts[e.EventType].(int64)
		counts[e.EventType] = n + 1
	}
	return counts
}

type stream struct {
	events []models.Event
	meta   models.StreamMeta
}

// Store is the in-memory append-only event store. Appends serialize under a
// single write lock (linearizable per stream, and the global position
// reflects that linearization); reads take the shared lock only long enough
// to copy slices out.
type Store struct {
	mu        sync.RWMutex
	streams   map[string]*stream
	global    []models.Event
	globalPos int64
	snapshots map[string]models.Snapshot

	subMu      sync.Mutex
	allSubs    []*Subscriber
	streamSubs map[string][]*Subscriber

	snapshotFn SnapshotFn
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// Option customizes store construction.
type Option func(*Store)

// WithSnapshotFn replaces the default snapshot fold.
func WithSnapshotFn(fn SnapshotFn) Option {
	return func(s *Store) { s.snapshotFn = fn }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		streams:    make(map[string]*stream),
		snapshots:  make(map[string]models.Snapshot),
		streamSubs: make(map[string][]*Subscriber),
		snapshotFn: defaultSnapshotFn,
		log:        slog.With("component", "eventstore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append atomically appends events to a stream.
//
// expectedVersion is either models.AnyVersion or the exact current version;
// a mismatch returns *ConcurrencyConflictError carrying the observed
// version and appends nothing. Each appended event receives the next
// stream version, a fresh global position, and baseMetadata merged under
// its own metadata (per-event keys win).
func (s *Store) Append(streamID string, expectedVersion int64, events []models.Event, baseMetadata map[string]any) (int64, error) {
	if len(events) == 0 {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if st, ok := s.streams[streamID]; ok {
			return st.meta.CurrentVersion, nil
		}
		return 0, nil
	}

	s.mu.Lock()
	st, ok := s.streams[streamID]
	if !ok {
		st = &stream{meta: models.StreamMeta{StreamID: streamID}}
		s.streams[streamID] = st
	}

	current := st.meta.CurrentVersion
	if expectedVersion != models.AnyVersion && expectedVersion != current {
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.StoreConflicts.Inc()
		}
		return 0, &ConcurrencyConflictError{
			StreamID:        streamID,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current,
		}
	}

	now := time.Now().UTC()
	committed := make([]models.Event, 0, len(events))
	for _, e := range events {
		e = e.Clone()
		current++
		s.globalPos++
		e.StreamID = streamID
		e.StreamVersion = current
		e.GlobalPosition = s.globalPos
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		// Per-stream timestamps never go backwards; ordering is by
		// version, ties are allowed.
		if e.Timestamp.Before(st.meta.LastAppendedAt) {
			e.Timestamp = st.meta.LastAppendedAt
		}
		e.Metadata = mergeMetadata(baseMetadata, e.Metadata)

		st.events = append(st.events, e)
		s.global = append(s.global, e)
		committed = append(committed, e)

		if st.meta.FirstAppendedAt.IsZero() {
			st.meta.FirstAppendedAt = e.Timestamp
		}
		st.meta.LastAppendedAt = e.Timestamp
	}
	st.meta.CurrentVersion = current

	snapshotDue := current-st.meta.SnapshotVersion >= AutoSnapshotInterval

	// The fan-out lock is taken before the commit lock is released, so
	// dispatch order is sequenced with commit order. Unlocking first would
	// let two concurrent appends to the same stream deliver their versions
	// inverted.
	s.subMu.Lock()
	s.mu.Unlock()
	s.dispatchLocked(streamID, committed)
	s.subMu.Unlock()

	if s.metrics != nil {
		s.metrics.StoreAppends.Add(float64(len(committed)))
	}
	if snapshotDue {
		s.autoSnapshot(streamID)
	}
	return current, nil
}

// mergeMetadata merges base under per-event metadata; per-event keys win.
func mergeMetadata(base, own map[string]any) map[string]any {
	if len(base) == 0 {
		return own
	}
	out := make(map[string]any, len(base)+len(own))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range own {
		out[k] = v
	}
	return out
}

// ReadStream returns up to maxCount events with StreamVersion > fromVersion
// in version order. An unknown stream reads as empty. maxCount <= 0 means
// no limit.
func (s *Store) ReadStream(streamID string, fromVersion int64, maxCount int) []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[streamID]
	if !ok {
		return nil
	}
	// Versions are gap-free starting at 1, so the slice index is direct.
	if fromVersion >= st.meta.CurrentVersion {
		return nil
	}
	start := fromVersion
	if start < 0 {
		start = 0
	}
	events := st.events[int(start):]
	if maxCount > 0 && len(events) > maxCount {
		events = events[:maxCount]
	}
	out := make([]models.Event, len(events))
	copy(out, events)
	return out
}

// ReadAll returns up to maxCount events with GlobalPosition > fromPosition
// in global order. maxCount <= 0 means no limit.
func (s *Store) ReadAll(fromPosition int64, maxCount int) []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromPosition >= s.globalPos {
		return nil
	}
	start := fromPosition
	if start < 0 {
		start = 0
	}
	events := s.global[int(start):]
	if maxCount > 0 && len(events) > maxCount {
		events = events[:maxCount]
	}
	out := make([]models.Event, len(events))
	copy(out, events)
	return out
}

// Meta returns the stream metadata, if the stream exists.
func (s *Store) Meta(streamID string) (models.StreamMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[streamID]
	if !ok {
		return models.StreamMeta{}, false
	}
	return st.meta, true
}

// GlobalPosition returns the position of the latest committed event.
func (s *Store) GlobalPosition() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalPos
}

// SaveSnapshot stores the single current snapshot for a stream, replacing
// any previous one.
func (s *Store) SaveSnapshot(snap models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.Timestamp = snap.Timestamp.UTC()
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	s.snapshots[snap.StreamID] = snap
	if st, ok := s.streams[snap.StreamID]; ok {
		st.meta.SnapshotVersion = snap.AggregateVersion
	}
}

// LoadSnapshot returns the current snapshot for a stream.
func (s *Store) LoadSnapshot(streamID string) (models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[streamID]
	if !ok {
		return models.Snapshot{}, ErrNoSnapshot
	}
	return snap, nil
}

// autoSnapshot folds the events since the last snapshot into a new one.
func (s *Store) autoSnapshot(streamID string) {
	s.mu.RLock()
	st, ok := s.streams[streamID]
	if !ok {
		s.mu.RUnlock()
		return
	}
	version := st.meta.CurrentVersion
	since := st.meta.SnapshotVersion
	events := make([]models.Event, int(version-since))
	copy(events, st.events[int(since):int(version)])
	var prev *models.Snapshot
	if snap, ok := s.snapshots[streamID]; ok {
		prev = &snap
	}
	s.mu.RUnlock()

	payload := s.snapshotFn(prev, events)
	s.SaveSnapshot(models.Snapshot{
		StreamID:         streamID,
		AggregateVersion: version,
		Payload:          payload,
		Timestamp:        time.Now().UTC(),
	})
	s.log.Debug("Auto-snapshot saved", "stream_id", streamID, "version", version)
}

// SubscribeAll registers a recipient for every committed event.
func (s *Store) SubscribeAll(sub *Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.allSubs = append(s.allSubs, sub)
}

// SubscribeStream registers a recipient for one stream's events.
func (s *Store) SubscribeStream(streamID string, sub *Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.streamSubs[streamID] = append(s.streamSubs[streamID], sub)
}

// Unsubscribe removes and invalidates a recipient.
func (s *Store) Unsubscribe(sub *Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.allSubs = removeSub(s.allSubs, sub)
	for id, subs := range s.streamSubs {
		s.streamSubs[id] = removeSub(subs, sub)
		if len(s.streamSubs[id]) == 0 {
			delete(s.streamSubs, id)
		}
	}
	sub.closeInbox()
}

// dispatchLocked fans committed events out to subscribers in commit order.
// Callers hold subMu, acquired before the commit lock was released; a dead
// recipient is dropped and the rest keep receiving.
func (s *Store) dispatchLocked(streamID string, events []models.Event) {
	for _, e := range events {
		s.allSubs = s.deliverTo(s.allSubs, e)
		if subs, ok := s.streamSubs[streamID]; ok {
			remaining := s.deliverTo(subs, e)
			if len(remaining) == 0 {
				delete(s.streamSubs, streamID)
			} else {
				s.streamSubs[streamID] = remaining
			}
		}
	}
}

// deliverTo delivers one event to each subscriber, returning the survivors.
func (s *Store) deliverTo(subs []*Subscriber, e models.Event) []*Subscriber {
	alive := subs[:0]
	for _, sub := range subs {
		if err := sub.deliver(e); err != nil {
			s.log.Warn("Removing dead subscriber",
				"subscriber_id", sub.ID(), "stream_id", e.StreamID, "error", err)
			sub.closeInbox()
			continue
		}
		alive = append(alive, sub)
	}
	return alive
}

func removeSub(subs []*Subscriber, target *Subscriber) []*Subscriber {
	out := subs[:0]
	for _, sub := range subs {
		if sub != target {
			out = append(out, sub)
		}
	}
	return out
}
