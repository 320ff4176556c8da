package processor

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viablesystems/synapse/pkg/analytics"
	"github.com/viablesystems/synapse/pkg/broker"
	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/eventstore"
	"github.com/viablesystems/synapse/pkg/models"
	"github.com/viablesystems/synapse/pkg/patterns"
)

type emitRecord struct {
	topic   string
	payload any
}

type emitRecorder struct {
	mu      sync.Mutex
	records []emitRecord
}

func (r *emitRecorder) emit(topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, emitRecord{topic: topic, payload: payload})
}

func (r *emitRecorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.topic)
	}
	return out
}

func (r *emitRecorder) countTopic(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.topic == topic {
			n++
		}
	}
	return n
}

type stubSource struct {
	mu     sync.Mutex
	queued []models.Event
}

func (s *stubSource) Request(n int) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queued) == 0 {
		return nil
	}
	if n > len(s.queued) {
		n = len(s.queued)
	}
	out := s.queued[:n]
	s.queued = s.queued[n:]
	return out
}

func (s *stubSource) add(events ...models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, events...)
}

func testProcessorConfig() *config.ProcessorConfig {
	fast := config.LaneConfig{Concurrency: 2, BatchSize: 4, BatchTimeout: 10 * time.Millisecond}
	return &config.ProcessorConfig{
		HighPriority:    fast,
		NormalPriority:  fast,
		Analytics:       fast,
		PatternMatching: fast,
	}
}

func newTestProcessor(t *testing.T, source EventSource) (*Processor, *eventstore.Store, *patterns.Matcher, *emitRecorder) {
	t.Helper()
	rec := &emitRecorder{}
	store := eventstore.New()
	matcher := patterns.New(
		&config.PatternsConfig{Window: time.Second, WindowCap: 100},
		nil,
		patterns.WithEmitter(rec.emit),
	)
	engine := analytics.New(&config.AnalyticsConfig{AnomalySamples: 5, DashboardCacheTTL: 30 * time.Second}, rec.emit)
	if source == nil {
		source = &stubSource{}
	}
	p := New(testProcessorConfig(), source, store, matcher, engine, nil, rec.emit)
	require.NoError(t, p.Start(t.Context()))
	t.Cleanup(p.Stop)
	return p, store, matcher, rec
}

func TestClassifyRoutesLanes(t *testing.T) {
	cases := []struct {
		name string
		e    models.Event
		lane string
	}{
		{"algedonic prefix", models.NewEvent("s", "algedonic.pain.signal", nil), LaneHighPriority},
		{"system5 prefix", models.NewEvent("s", "system5.policy.update", nil), LaneHighPriority},
		{"critical infix", models.NewEvent("s", "orders.critical.failure", nil), LaneHighPriority},
		{"urgency payload", models.NewEvent("s", "orders.created", map[string]any{"urgency": 0.9}), LaneHighPriority},
		{"urgency at boundary stays normal", models.NewEvent("s", "orders.created", map[string]any{"urgency": 0.8}), LaneNormalPriority},
		{"metric infix", models.NewEvent("s", "orders.metric.count", nil), LaneAnalytics},
		{"performance infix", models.NewEvent("s", "db.performance.slow", nil), LaneAnalytics},
		{"analytics prefix", models.NewEvent("s", "analytics.rollup", nil), LaneAnalytics},
		{"variety prefix", models.NewEvent("s", "variety.amplified", nil), LanePatternMatching},
		{"system1 operation", models.NewEvent("s", "system1.operation.start", nil), LanePatternMatching},
		{"system2 coordination", models.NewEvent("s", "system2.coordination.sync", nil), LanePatternMatching},
		{"recursion prefix", models.NewEvent("s", "recursion.level.enter", nil), LanePatternMatching},
		{"chaos prefix", models.NewEvent("s", "chaos.injected", nil), LanePatternMatching},
		{"emergent prefix", models.NewEvent("s", "emergent.behavior", nil), LanePatternMatching},
		{"plain event", models.NewEvent("s", "orders.created", nil), LaneNormalPriority},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.lane, classify(tc.e))
		})
	}
}

func TestClassifyHonorsPriorityMetadata(t *testing.T) {
	e := models.NewEvent("s", "orders.created", nil)
	e.Metadata = map[string]any{MetadataPriority: models.PriorityCritical}
	assert.Equal(t, LaneHighPriority, classify(e))

	e.Metadata = map[string]any{MetadataPriority: "high"}
	assert.Equal(t, LaneHighPriority, classify(e))

	e.Metadata = map[string]any{MetadataPriority: "normal"}
	assert.Equal(t, LaneNormalPriority, classify(e))
}

func TestEnrichStampsMetadata(t *testing.T) {
	e := models.NewEvent("orders-42", "orders.created", nil)
	enriched := enrich(e, LaneNormalPriority)

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{12}$`), enriched.Metadata[MetadataCorrelationID])
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}$`), enriched.Metadata[MetadataPartitionKey])
	assert.Equal(t, "orders-42", enriched.Metadata[MetadataSource])
	assert.Equal(t, models.PriorityNormal, enriched.Metadata[MetadataPriority])
	assert.IsType(t, time.Time{}, enriched.Metadata[MetadataProcessingStartedAt])
}

func TestEnrichKeepsExplicitSource(t *testing.T) {
	e := models.NewEvent("orders-42", "orders.created", nil)
	e.Metadata = map[string]any{MetadataSource: "gateway"}
	enriched := enrich(e, LaneHighPriority)
	assert.Equal(t, "gateway", enriched.Metadata[MetadataSource])
	assert.Equal(t, models.PriorityHigh, enriched.Metadata[MetadataPriority])
}

func TestCorrelationIDStable(t *testing.T) {
	a := CorrelationID("orders-42", "orders.created")
	b := CorrelationID("orders-42", "orders.created")
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, CorrelationID("orders-43", "orders.created"))

	// Same stream, any type: same partition.
	assert.Equal(t, PartitionKey("orders-42"), PartitionKey("orders-42"))
	assert.Len(t, PartitionKey("orders-42"), 8)
}

func TestHighPriorityPersistsAndBroadcasts(t *testing.T) {
	p, store, _, rec := newTestProcessor(t, nil)

	p.Submit(models.NewEvent("alarms", "algedonic.pain.db", map[string]any{"severity": "high"}))

	require.Eventually(t, func() bool {
		return len(store.ReadStream("alarms", 0, 10)) == 1
	}, time.Second, 5*time.Millisecond)

	stored := store.ReadStream("alarms", 0, 10)[0]
	assert.Equal(t, "algedonic.pain.db", stored.EventType)
	assert.Equal(t, CorrelationID("alarms", "algedonic.pain.db"), stored.Metadata[MetadataCorrelationID])

	require.Eventually(t, func() bool {
		return rec.countTopic(broker.TopicHighPriority) == 1 && rec.countTopic(broker.TopicLive) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNormalLaneBatchesPerStream(t *testing.T) {
	p, store, _, _ := newTestProcessor(t, nil)

	for i := 0; i < 3; i++ {
		p.Submit(models.NewEvent("orders", "orders.created", map[string]any{"n": i}))
	}
	p.Submit(models.NewEvent("payments", "payments.settled", nil))

	require.Eventually(t, func() bool {
		return len(store.ReadStream("orders", 0, 10)) == 3 && len(store.ReadStream("payments", 0, 10)) == 1
	}, time.Second, 5*time.Millisecond)

	// Stream versions are contiguous, so the three events landed as appends
	// on the same stream.
	events := store.ReadStream("orders", 0, 10)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.StreamVersion)
	}

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Aggregations["orders.created"])
	assert.Equal(t, int64(1), stats.Aggregations["payments.settled"])
}

func TestBatchTimeoutFlushesPartialBatch(t *testing.T) {
	// Batch size 4, but a single event must still flush on the timeout.
	p, store, _, _ := newTestProcessor(t, nil)

	p.Submit(models.NewEvent("orders", "orders.created", nil))

	require.Eventually(t, func() bool {
		return len(store.ReadStream("orders", 0, 10)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPullLoopDrainsSource(t *testing.T) {
	source := &stubSource{}
	for i := 0; i < 10; i++ {
		source.add(models.NewEvent("orders", "orders.created", map[string]any{"n": i}))
	}
	p, store, _, _ := newTestProcessor(t, source)

	require.Eventually(t, func() bool {
		return len(store.ReadStream("orders", 0, 20)) == 10
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(10), p.Stats().Processed)
	assert.Equal(t, int64(10), p.Stats().PerLane[LaneNormalPriority])
}

func TestAnalyticsLaneCountsBatches(t *testing.T) {
	p, _, _, _ := newTestProcessor(t, nil)

	p.Submit(models.NewEvent("telemetry", "analytics.rollup", map[string]any{"value": 1.0}))
	p.Submit(models.NewEvent("telemetry", "db.metric.reads", map[string]any{"value": 2.0}))

	require.Eventually(t, func() bool {
		return p.Stats().PerLane[LaneAnalytics] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPatternLaneFeedsMatcher(t *testing.T) {
	p, _, matcher, _ := newTestProcessor(t, nil)

	p.Submit(models.NewEvent("ops", "variety.amplified", nil))
	p.Submit(models.NewEvent("ops", "chaos.injected", nil))

	require.Eventually(t, func() bool {
		return matcher.WindowSize() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), p.Stats().PerLane[LanePatternMatching])
}

func TestDeadLetterRecordsAndEmits(t *testing.T) {
	p, store, _, rec := newTestProcessor(t, nil)

	failed := []models.Event{
		models.NewEvent("orders", "orders.created", nil),
		models.NewEvent("orders", "orders.updated", nil),
	}
	p.deadLetter(LaneNormalPriority, failed, errors.New("append refused"))

	records := store.ReadStream(eventstore.DeadLetterStream, 0, 10)
	require.Len(t, records, 2)
	first := records[0]
	assert.Equal(t, "processing.failed", first.EventType)
	assert.Equal(t, "orders", first.Payload["original_stream"])
	assert.Equal(t, "orders.created", first.Payload["original_type"])
	assert.Equal(t, failed[0].ID.String(), first.Payload["original_id"])
	assert.Equal(t, LaneNormalPriority, first.Payload["lane"])
	assert.Equal(t, "append refused", first.Payload["error"])
	assert.Equal(t, 0, first.Payload["retry_count"])

	assert.Equal(t, int64(2), p.Stats().DeadLettered)
	assert.Equal(t, 1, rec.countTopic(broker.TopicErrors))
}

func TestLaneHandlerErrorTriggersDeadLetter(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []models.Event
	)
	l := newLane("failing", config.LaneConfig{Concurrency: 1, BatchSize: 2, BatchTimeout: 5 * time.Millisecond},
		func(_ context.Context, _ []models.Event) error {
			return errors.New("handler down")
		})
	l.onError = func(_ string, batch []models.Event, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, batch...)
	}
	l.start(t.Context())
	defer l.stop()

	l.submit(models.NewEvent("s", "a", nil))
	l.submit(models.NewEvent("s", "b", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStatsSnapshotIsACopy(t *testing.T) {
	p, _, _, _ := newTestProcessor(t, nil)
	p.Submit(models.NewEvent("orders", "orders.created", nil))

	require.Eventually(t, func() bool {
		return p.Stats().Processed == 1
	}, time.Second, 5*time.Millisecond)

	snap := p.Stats()
	snap.PerLane[LaneNormalPriority] = 99
	snap.Aggregations["orders.created"] = 99
	assert.Equal(t, int64(1), p.Stats().PerLane[LaneNormalPriority])
	assert.Equal(t, int64(1), p.Stats().Aggregations["orders.created"])
}
