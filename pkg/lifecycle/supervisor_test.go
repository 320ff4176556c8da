package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChild struct {
	name     string
	startErr error

	mu     sync.Mutex
	starts int
	stops  int
}

func (c *fakeChild) Name() string { return c.name }

func (c *fakeChild) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return c.startErr
}

func (c *fakeChild) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func (c *fakeChild) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

func TestStartsChildrenInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	mk := func(name string) Child {
		return NewChild(name, func(_ context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}, nil)
	}

	s := New(mk("store"), mk("producer"), mk("processor"))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, []string{"store", "producer", "processor"}, order)
}

func TestStartFailureUnwindsStartedChildren(t *testing.T) {
	a := &fakeChild{name: "store"}
	b := &fakeChild{name: "producer", startErr: errors.New("no buffer")}
	c := &fakeChild{name: "processor"}

	s := New(a, b, c)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "producer")

	aStarts, aStops := a.counts()
	assert.Equal(t, 1, aStarts)
	assert.Equal(t, 1, aStops)
	cStarts, _ := c.counts()
	assert.Zero(t, cStarts)
}

func TestStopReversesStartupOrder(t *testing.T) {
	var mu sync.Mutex
	var stopped []string
	mk := func(name string) Child {
		return NewChild(name, func(_ context.Context) error { return nil }, func() {
			mu.Lock()
			defer mu.Unlock()
			stopped = append(stopped, name)
		})
	}

	s := New(mk("store"), mk("producer"), mk("processor"))
	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	assert.Equal(t, []string{"processor", "producer", "store"}, stopped)
}

func TestRestartsFailedChildOnly(t *testing.T) {
	store := &fakeChild{name: "store"}
	producer := &fakeChild{name: "producer"}

	s := New(store, producer)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.ReportFailure("producer", errors.New("buffer wedged"))

	require.Eventually(t, func() bool {
		starts, stops := producer.counts()
		return starts == 2 && stops == 1
	}, time.Second, 5*time.Millisecond)

	starts, stops := store.counts()
	assert.Equal(t, 1, starts)
	assert.Zero(t, stops)
	assert.Equal(t, 1, s.Stats().Restarts["producer"])
}

func TestEscalatesWhenBudgetExhausted(t *testing.T) {
	store := &fakeChild{name: "store"}
	flaky := &fakeChild{name: "producer"}

	s := New(store, flaky)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	for i := 0; i <= restartLimit; i++ {
		s.ReportFailure("producer", errors.New("still down"))
		// Let the serialized loop drain so no report is dropped.
		require.Eventually(t, func() bool {
			return len(s.failures) == 0
		}, time.Second, time.Millisecond)
	}

	select {
	case <-s.Terminated():
	case <-time.After(time.Second):
		t.Fatal("supervisor never escalated")
	}

	assert.True(t, s.Stats().Escalated)
	assert.Equal(t, restartLimit, s.Stats().Restarts["producer"])
	// Escalation stops the whole group, healthy children included.
	_, stops := store.counts()
	assert.Equal(t, 1, stops)
}

func TestOldRestartsFallOutOfWindow(t *testing.T) {
	flaky := &fakeChild{name: "producer"}
	s := New(flaky)

	current := time.Now()
	s.now = func() time.Time { return current }

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	for i := 0; i < restartLimit; i++ {
		s.ReportFailure("producer", errors.New("down"))
		require.Eventually(t, func() bool {
			return len(s.failures) == 0 && s.Stats().Restarts["producer"] == i+1
		}, time.Second, time.Millisecond)
	}

	// The budget is spent; advance past the window and the next failure
	// restarts instead of escalating.
	current = current.Add(restartWindow + time.Second)
	s.ReportFailure("producer", errors.New("down again"))

	require.Eventually(t, func() bool {
		return s.Stats().Restarts["producer"] == restartLimit+1
	}, time.Second, time.Millisecond)
	select {
	case <-s.Terminated():
		t.Fatal("escalated despite expired window")
	default:
	}
}

func TestFailedRestartIsRequeued(t *testing.T) {
	flaky := &fakeChild{name: "producer"}
	s := New(flaky)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	flaky.mu.Lock()
	flaky.startErr = errors.New("cannot bind")
	flaky.mu.Unlock()

	s.ReportFailure("producer", errors.New("down"))

	// Restart fails, gets requeued, and retries until the budget burns out.
	select {
	case <-s.Terminated():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never escalated on persistent start failure")
	}
}

func TestUnknownChildReportIsIgnored(t *testing.T) {
	store := &fakeChild{name: "store"}
	s := New(store)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	s.ReportFailure("ghost", errors.New("who"))
	time.Sleep(20 * time.Millisecond)

	starts, stops := store.counts()
	assert.Equal(t, 1, starts)
	assert.Zero(t, stops)
}
