// Package processor implements the pull-based pipeline between producer
// and the downstream components: events are pulled on demand, enriched,
// classified into four priority lanes, batched, and handled per lane.
// Failed batches are dead-lettered and the pipeline keeps going.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/viablesystems/synapse/pkg/analytics"
	"github.com/viablesystems/synapse/pkg/broker"
	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/eventstore"
	"github.com/viablesystems/synapse/pkg/metrics"
	"github.com/viablesystems/synapse/pkg/models"
	"github.com/viablesystems/synapse/pkg/patterns"
	"github.com/viablesystems/synapse/pkg/producer"
)

const (
	// pullBatch is how many events one demand-pull requests.
	pullBatch = 64

	// idleWait is the pause between pulls when the producer is empty.
	idleWait = 10 * time.Millisecond
)

// EventSource is the demand-pull side of the producer.
type EventSource interface {
	Request(n int) []models.Event
}

// Emitter publishes processor payloads on a topic. Nil disables emission.
type Emitter func(topic string, payload any)

// Stats is the processor's externally visible counter set.
type Stats struct {
	Processed    int64            `json:"processed"`
	PerLane      map[string]int64 `json:"per_lane"`
	DeadLettered int64            `json:"dead_lettered"`
	Aggregations map[string]int64 `json:"aggregations"`
}

// Processor pulls from the producer and drives the four lanes.
type Processor struct {
	cfg       *config.ProcessorConfig
	source    EventSource
	store     *eventstore.Store
	matcher   *patterns.Matcher
	analytics *analytics.Engine
	metrics   *metrics.Metrics
	emit      Emitter
	log       *slog.Logger

	lanes map[string]*lane

	mu           sync.Mutex
	processed    int64
	perLane      map[string]int64
	deadLettered int64
	aggregations map[string]int64

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New wires a processor. mets and emit may be nil.
func New(
	cfg *config.ProcessorConfig,
	source EventSource,
	store *eventstore.Store,
	matcher *patterns.Matcher,
	engine *analytics.Engine,
	mets *metrics.Metrics,
	emit Emitter,
) *Processor {
	p := &Processor{
		cfg:          cfg,
		source:       source,
		store:        store,
		matcher:      matcher,
		analytics:    engine,
		metrics:      mets,
		emit:         emit,
		log:          slog.With("component", "processor"),
		perLane:      make(map[string]int64),
		aggregations: make(map[string]int64),
		stopCh:       make(chan struct{}),
	}

	p.lanes = map[string]*lane{
		LaneHighPriority:    newLane(LaneHighPriority, cfg.HighPriority, p.handleHighPriority),
		LaneNormalPriority:  newLane(LaneNormalPriority, cfg.NormalPriority, p.handleNormal),
		LaneAnalytics:       newLane(LaneAnalytics, cfg.Analytics, p.handleAnalytics),
		LanePatternMatching: newLane(LanePatternMatching, cfg.PatternMatching, p.handlePatterns),
	}
	for _, l := range p.lanes {
		l.onBatch = p.recordBatch
		l.onError = p.deadLetter
	}
	return p
}

// Start launches the lanes and the pull loop.
func (p *Processor) Start(ctx context.Context) error {
	for _, l := range p.lanes {
		l.start(ctx)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pullLoop(ctx)
	}()
	p.log.Info("Processor started",
		"high_concurrency", p.cfg.HighPriority.Concurrency,
		"normal_concurrency", p.cfg.NormalPriority.Concurrency)
	return nil
}

// Stop halts the pull loop, then the lanes.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	for _, l := range p.lanes {
		l.stop()
	}
	p.log.Info("Processor stopped")
}

func (p *Processor) pullLoop(ctx context.Context) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		events := p.source.Request(pullBatch)
		if len(events) == 0 {
			select {
			case <-time.After(idleWait):
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, e := range events {
			p.Submit(e)
		}
	}
}

// Submit enriches, classifies, and routes one event. Exposed for direct
// feeding in tests and the HTTP inject path.
func (p *Processor) Submit(e models.Event) {
	laneName := classify(e)
	e = enrich(e, laneName)
	p.lanes[laneName].submit(e)
}

// handleHighPriority persists each event immediately, broadcasts it, and
// runs the critical pattern check.
func (p *Processor) handleHighPriority(ctx context.Context, batch []models.Event) error {
	for _, e := range batch {
		if _, err := p.store.Append(e.StreamID, models.AnyVersion, []models.Event{e}, nil); err != nil {
			return fmt.Errorf("high-priority append for stream %s: %w", e.StreamID, err)
		}
		if p.emit != nil {
			p.emit(broker.TopicHighPriority, e)
			p.emit(broker.TopicLive, e)
		}
		p.matcher.CheckCritical(e)
		p.observeLatency(e)
	}
	return nil
}

// handleNormal persists the batch with one append per stream, updates the
// aggregation counters, and defers standard pattern evaluation to a single
// flush.
func (p *Processor) handleNormal(ctx context.Context, batch []models.Event) error {
	byStream := make(map[string][]models.Event)
	for _, e := range batch {
		byStream[e.StreamID] = append(byStream[e.StreamID], e)
	}
	for streamID, events := range byStream {
		if _, err := p.store.Append(streamID, models.AnyVersion, events, nil); err != nil {
			return fmt.Errorf("batched append for stream %s: %w", streamID, err)
		}
	}

	p.mu.Lock()
	for _, e := range batch {
		p.aggregations[e.EventType]++
	}
	p.mu.Unlock()

	for _, e := range batch {
		p.matcher.CheckStandard(e)
		p.observeLatency(e)
	}
	p.matcher.FlushDeferred()
	return nil
}

func (p *Processor) handleAnalytics(_ context.Context, batch []models.Event) error {
	p.analytics.ProcessBatch(batch)
	return nil
}

func (p *Processor) handlePatterns(_ context.Context, batch []models.Event) error {
	p.matcher.ProcessEvents(batch)
	return nil
}

// observeLatency reports receive-to-handling latency to analytics.
func (p *Processor) observeLatency(e models.Event) {
	if p.analytics == nil {
		return
	}
	if receivedAt, ok := e.Metadata[producer.MetadataReceivedAt].(time.Time); ok {
		p.analytics.RecordLatency(time.Since(receivedAt))
	}
}

func (p *Processor) recordBatch(name string, batch []models.Event) {
	p.mu.Lock()
	p.processed += int64(len(batch))
	p.perLane[name] += int64(len(batch))
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.ProcessorBatches.WithLabelValues(name).Inc()
		p.metrics.ProcessorProcessed.WithLabelValues(name).Add(float64(len(batch)))
	}
}

// deadLetter records one dead-letter event per failed message on the
// dedicated stream and notifies the error topic. Pipeline processing
// continues; the records carry retry_count for a later requeue tool.
func (p *Processor) deadLetter(laneName string, batch []models.Event, cause error) {
	now := time.Now().UTC()
	records := make([]models.Event, 0, len(batch))
	for _, original := range batch {
		records = append(records, models.NewEvent(eventstore.DeadLetterStream, "processing.failed", map[string]any{
			"original_stream": original.StreamID,
			"original_type":   original.EventType,
			"original_id":     original.ID.String(),
			"lane":            laneName,
			"error":           cause.Error(),
			"timestamp":       now,
			"retry_count":     0,
		}))
	}
	if _, err := p.store.Append(eventstore.DeadLetterStream, models.AnyVersion, records, nil); err != nil {
		p.log.Error("Failed to record dead letters", "error", err)
	}

	p.mu.Lock()
	p.deadLettered += int64(len(batch))
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.DeadLetters.Add(float64(len(batch)))
	}
	if p.emit != nil {
		p.emit(broker.TopicErrors, map[string]any{
			"lane":  laneName,
			"count": len(batch),
			"error": cause.Error(),
		})
	}
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Processed:    p.processed,
		DeadLettered: p.deadLettered,
		PerLane:      make(map[string]int64, len(p.perLane)),
		Aggregations: make(map[string]int64, len(p.aggregations)),
	}
	for k, v := range p.perLane {
		s.PerLane[k] = v
	}
	for k, v := range p.aggregations {
		s.Aggregations[k] = v
	}
	return s
}
