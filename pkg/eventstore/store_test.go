package eventstore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viablesystems/synapse/pkg/models"
)

func makeEvents(streamID string, n int) []models.Event {
	events := make([]models.Event, n)
	for i := range events {
		events[i] = models.NewEvent(streamID, "system1.operation.completed", map[string]any{"n": i})
	}
	return events
}

func TestAppendAssignsGapFreeVersions(t *testing.T) {
	s := New()

	v, err := s.Append("orders", models.AnyVersion, makeEvents("orders", 3), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = s.Append("orders", 3, makeEvents("orders", 2), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	events := s.ReadStream("orders", 0, 0)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.StreamVersion, "versions must start at 1 and be gap-free")
	}
}

func TestGlobalPositionsStrictlyIncreasing(t *testing.T) {
	s := New()
	_, err := s.Append("a", models.AnyVersion, makeEvents("a", 2), nil)
	require.NoError(t, err)
	_, err = s.Append("b", models.AnyVersion, makeEvents("b", 2), nil)
	require.NoError(t, err)
	_, err = s.Append("a", models.AnyVersion, makeEvents("a", 1), nil)
	require.NoError(t, err)

	all := s.ReadAll(0, 0)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].GlobalPosition, all[i-1].GlobalPosition)
	}

	// Per-stream order is consistent with global order.
	var lastA int64
	for _, e := range all {
		if e.StreamID == "a" {
			assert.Greater(t, e.StreamVersion, lastA)
			lastA = e.StreamVersion
		}
	}
}

func TestAppendConflictIsNoOp(t *testing.T) {
	s := New()
	_, err := s.Append("s", models.AnyVersion, makeEvents("s", 5), nil)
	require.NoError(t, err)

	_, err = s.Append("s", 3, makeEvents("s", 2), nil)
	require.Error(t, err)
	current, ok := IsConcurrencyConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(5), current)

	// Nothing was appended.
	assert.Len(t, s.ReadStream("s", 0, 0), 5)
}

func TestConcurrentAppendsExactlyOneWins(t *testing.T) {
	s := New()
	_, err := s.Append("s", models.AnyVersion, makeEvents("s", 5), nil)
	require.NoError(t, err)

	type result struct {
		version int64
		err     error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Append("s", 5, makeEvents("s", 2), nil)
			results <- result{v, err}
		}()
	}
	wg.Wait()
	close(results)

	var oks, conflicts int
	for r := range results {
		if r.err == nil {
			oks++
			assert.Equal(t, int64(7), r.version)
		} else {
			conflicts++
			current, ok := IsConcurrencyConflict(r.err)
			require.True(t, ok)
			assert.Equal(t, int64(7), current)
		}
	}
	assert.Equal(t, 1, oks)
	assert.Equal(t, 1, conflicts)
	assert.Len(t, s.ReadStream("s", 0, 100), 7)
}

func TestReadStreamReproducesAppendsInOrder(t *testing.T) {
	s := New()
	var appended []models.Event
	for i := 0; i < 4; i++ {
		batch := makeEvents("s", 3)
		_, err := s.Append("s", models.AnyVersion, batch, nil)
		require.NoError(t, err)
		appended = append(appended, batch...)
	}

	read := s.ReadStream("s", 0, 0)
	require.Len(t, read, len(appended))
	for i := range read {
		assert.Equal(t, appended[i].ID, read[i].ID)
		assert.Equal(t, appended[i].EventType, read[i].EventType)
	}
}

func TestReadStreamPagination(t *testing.T) {
	s := New()
	_, err := s.Append("s", models.AnyVersion, makeEvents("s", 10), nil)
	require.NoError(t, err)

	page := s.ReadStream("s", 4, 3)
	require.Len(t, page, 3)
	assert.Equal(t, int64(5), page[0].StreamVersion)
	assert.Equal(t, int64(7), page[2].StreamVersion)

	// Unknown stream reads as empty.
	assert.Empty(t, s.ReadStream("missing", 0, 10))
}

func TestMetadataMerge(t *testing.T) {
	s := New()
	e := models.NewEvent("s", "test.event", nil)
	e.Metadata = map[string]any{"source": "event"}
	_, err := s.Append("s", models.AnyVersion, []models.Event{e}, map[string]any{"source": "base", "batch": true})
	require.NoError(t, err)

	got := s.ReadStream("s", 0, 1)[0]
	assert.Equal(t, "event", got.Metadata["source"], "per-event metadata wins")
	assert.Equal(t, true, got.Metadata["batch"])
}

func TestSnapshotSaveLoad(t *testing.T) {
	s := New()
	_, err := s.Append("s", models.AnyVersion, makeEvents("s", 3), nil)
	require.NoError(t, err)

	_, err = s.LoadSnapshot("s")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	s.SaveSnapshot(models.Snapshot{StreamID: "s", AggregateVersion: 3, Payload: map[string]any{"count": 3}})
	snap, err := s.LoadSnapshot("s")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.AggregateVersion)

	meta, ok := s.Meta("s")
	require.True(t, ok)
	assert.Equal(t, int64(3), meta.SnapshotVersion)
}

func TestAutoSnapshotEvery100(t *testing.T) {
	s := New()
	_, err := s.Append("s", models.AnyVersion, makeEvents("s", 99), nil)
	require.NoError(t, err)
	_, err = s.LoadSnapshot("s")
	assert.ErrorIs(t, err, ErrNoSnapshot)

	_, err = s.Append("s", 99, makeEvents("s", 1), nil)
	require.NoError(t, err)

	snap, err := s.LoadSnapshot("s")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.AggregateVersion)
	assert.Equal(t, int64(100), snap.Payload["system1.operation.completed"])
}

func TestSubscribeAllReceivesCommittedInOrder(t *testing.T) {
	s := New()
	sub := NewSubscriber(16)
	s.SubscribeAll(sub)

	_, err := s.Append("s", models.AnyVersion, makeEvents("s", 3), nil)
	require.NoError(t, err)

	for want := int64(1); want <= 3; want++ {
		select {
		case e := <-sub.Events():
			assert.Equal(t, want, e.StreamVersion)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func TestConcurrentAppendsDeliverStreamVersionsInOrder(t *testing.T) {
	const (
		writers   = 8
		perWriter = 10
	)
	s := New()
	sub := NewSubscriber(writers * perWriter)
	s.SubscribeAll(sub)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_, err := s.Append("s", models.AnyVersion, makeEvents("s", 1), nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	var last int64
	for i := 0; i < writers*perWriter; i++ {
		select {
		case e := <-sub.Events():
			require.Greater(t, e.StreamVersion, last,
				"delivery out of order: got version %d after version %d", e.StreamVersion, last)
			last = e.StreamVersion
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d deliveries", i)
		}
	}
	assert.Equal(t, int64(writers*perWriter), last)
}

func TestSubscribeStreamFiltersOtherStreams(t *testing.T) {
	s := New()
	sub := NewSubscriber(16)
	s.SubscribeStream("wanted", sub)

	_, err := s.Append("other", models.AnyVersion, makeEvents("other", 2), nil)
	require.NoError(t, err)
	_, err = s.Append("wanted", models.AnyVersion, makeEvents("wanted", 1), nil)
	require.NoError(t, err)

	select {
	case e := <-sub.Events():
		assert.Equal(t, "wanted", e.StreamID)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	select {
	case e, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected extra event: %+v", e)
		}
	default:
	}
}

func TestDeadSubscriberIsRemoved(t *testing.T) {
	s := New()
	dead := NewSubscriber(1)
	dead.Close() // invalidated before delivery
	live := NewSubscriber(16)
	s.SubscribeAll(dead)
	s.SubscribeAll(live)

	_, err := s.Append("s", models.AnyVersion, makeEvents("s", 1), nil)
	require.NoError(t, err)

	select {
	case e := <-live.Events():
		assert.Equal(t, int64(1), e.StreamVersion)
	case <-time.After(time.Second):
		t.Fatal("live subscriber should still receive")
	}

	// The dead subscriber's inbox is closed once the store drops it.
	_, ok := <-dead.Events()
	assert.False(t, ok)
}

func TestDeliveredEventsWerePreviouslyAppended(t *testing.T) {
	s := New()
	sub := NewSubscriber(64)
	s.SubscribeAll(sub)

	var appended []models.Event
	for i := 0; i < 5; i++ {
		batch := makeEvents(fmt.Sprintf("s-%d", i%2), 2)
		_, err := s.Append(batch[0].StreamID, models.AnyVersion, batch, nil)
		require.NoError(t, err)
		appended = append(appended, batch...)
	}

	known := make(map[string]bool, len(appended))
	for _, e := range appended {
		known[e.ID.String()] = true
	}
	for i := 0; i < len(appended); i++ {
		select {
		case e := <-sub.Events():
			assert.True(t, known[e.ID.String()], "no synthetic deliveries")
		case <-time.After(time.Second):
			t.Fatal("timed out")
		}
	}
}
