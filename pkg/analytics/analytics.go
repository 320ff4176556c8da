// Package analytics keeps rolling metrics over processed events: latency
// statistics, a 24 h per-minute throughput ring, event-type distribution,
// per-subsystem counters, algedonic balance, and derived trends and
// anomalies. Dashboard snapshots are cached briefly to keep the HTTP
// surface cheap.
package analytics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viablesystems/synapse/pkg/broker"
	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/models"
)

const (
	// ringMinutes holds 24 h of per-minute throughput buckets.
	ringMinutes = 24 * 60

	// topK bounds the reported event-type distribution.
	topK = 10

	// trendInterval is how often trend direction is recomputed.
	trendInterval = 5 * time.Minute

	// trendTolerance is the ±10% band treated as stable.
	trendTolerance = 0.10
)

// Emitter publishes analytics payloads on a topic. Wired to the broker;
// nil disables emission.
type Emitter func(topic string, payload any)

// LatencyStats summarizes observed processing latencies in milliseconds.
type LatencyStats struct {
	Count int64   `json:"count"`
	Total float64 `json:"total_ms"`
	Avg   float64 `json:"avg_ms"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
}

// SubsystemStats counts per-subsystem activity. AvgLatency is recomputed
// exponentially so old samples fade.
type SubsystemStats struct {
	Operations int64   `json:"operations"`
	Errors     int64   `json:"errors"`
	Timeouts   int64   `json:"timeouts"`
	Overrides  int64   `json:"overrides"`
	Violations int64   `json:"violations"`
	AvgLatency float64 `json:"avg_latency_ms"`
}

// AlgedonicBalance tracks pain/pleasure signal counts and running mean
// intensities.
type AlgedonicBalance struct {
	PainCount        int64   `json:"pain_count"`
	PleasureCount    int64   `json:"pleasure_count"`
	PainIntensity    float64 `json:"pain_intensity"`
	PleasureIntensity float64 `json:"pleasure_intensity"`
}

// Trend is a throughput direction computed over two adjacent 5-minute
// windows.
type Trend struct {
	Direction    string    `json:"direction"` // increasing, decreasing, stable
	CurrentMean  float64   `json:"current_mean"`
	PreviousMean float64   `json:"previous_mean"`
	ComputedAt   time.Time `json:"computed_at"`
}

// Anomaly flags a statistical deviation in throughput or latency.
type Anomaly struct {
	Kind      string    `json:"kind"`     // throughput, latency
	Severity  string    `json:"severity"` // medium, high
	Observed  float64   `json:"observed"`
	Expected  float64   `json:"expected"`
	Sigma     float64   `json:"sigma"`
	Timestamp time.Time `json:"timestamp"`
}

// TypeCount pairs an event type with its occurrence count.
type TypeCount struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

// Dashboard is the externally served snapshot.
type Dashboard struct {
	EventsProcessed int64                     `json:"events_processed"`
	Latency         LatencyStats              `json:"latency"`
	ThroughputLast5 []int64                   `json:"throughput_last_5m"`
	TopEventTypes   []TypeCount               `json:"top_event_types"`
	Subsystems      map[string]SubsystemStats `json:"subsystems"`
	Algedonic       AlgedonicBalance          `json:"algedonic"`
	Trend           Trend                     `json:"trend"`
	Anomalies       []Anomaly                 `json:"anomalies"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

type minuteBucket struct {
	minute int64 // unix minute the count belongs to
	count  int64
}

// Engine accumulates metrics and derives trends, anomalies, and dashboard
// snapshots. All methods are safe for concurrent use.
type Engine struct {
	cfg  *config.AnalyticsConfig
	log  *slog.Logger
	emit Emitter

	mu              sync.Mutex
	eventsProcessed int64
	latency         LatencyStats
	ring            [ringMinutes]minuteBucket
	typeCounts      map[string]int64
	subsystems      [5]SubsystemStats
	algedonic       AlgedonicBalance
	trend           Trend
	anomalies       []Anomaly

	cachedDashboard *Dashboard
	cachedAt        time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now is swapped in tests to drive the ring deterministically.
	now func() time.Time
}

// New creates an analytics engine. emit may be nil.
func New(cfg *config.AnalyticsConfig, emit Emitter) *Engine {
	return &Engine{
		cfg:        cfg,
		log:        slog.With("component", "analytics"),
		emit:       emit,
		typeCounts: make(map[string]int64),
		trend:      Trend{Direction: "stable"},
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the periodic anomaly and trend loops.
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.run(ctx)
	e.log.Info("Analytics engine started")
	return nil
}

// Stop terminates the periodic loops and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.log.Info("Analytics engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	minuteTick := time.NewTicker(time.Minute)
	trendTick := time.NewTicker(trendInterval)
	defer minuteTick.Stop()
	defer trendTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-minuteTick.C:
			e.checkAnomalies()
			e.publishThroughput()
		case <-trendTick.C:
			e.computeTrend()
		}
	}
}

// ProcessBatch records a batch of events from the analytics lane.
func (e *Engine) ProcessBatch(events []models.Event) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range events {
		e.recordLocked(ev, now)
	}
}

// RecordLatency observes one end-to-end processing latency.
func (e *Engine) RecordLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000

	e.mu.Lock()
	defer e.mu.Unlock()
	e.latency.Count++
	e.latency.Total += ms
	e.latency.Avg = e.latency.Total / float64(e.latency.Count)
	if e.latency.Count == 1 || ms < e.latency.Min {
		e.latency.Min = ms
	}
	if ms > e.latency.Max {
		e.latency.Max = ms
	}
}

func (e *Engine) recordLocked(ev models.Event, now time.Time) {
	e.eventsProcessed++
	e.typeCounts[ev.EventType]++
	e.bucketLocked(now).count++

	if idx, kind := classifySubsystem(ev.EventType); idx >= 0 {
		s := &e.subsystems[idx]
		switch kind {
		case "error":
			s.Errors++
		case "timeout":
			s.Timeouts++
		case "override":
			s.Overrides++
		case "violation":
			s.Violations++
		default:
			s.Operations++
		}
		if lat, ok := payloadNumber(ev.Payload, "latency_ms"); ok {
			if s.AvgLatency == 0 {
				s.AvgLatency = lat
			} else {
				s.AvgLatency = s.AvgLatency*0.9 + lat*0.1
			}
		}
	}

	if strings.HasPrefix(ev.EventType, "algedonic.pain") {
		e.algedonic.PainCount++
		if v, ok := payloadNumber(ev.Payload, "intensity"); ok {
			e.algedonic.PainIntensity = runningMean(e.algedonic.PainIntensity, v, e.algedonic.PainCount)
		}
	} else if strings.HasPrefix(ev.EventType, "algedonic.pleasure") {
		e.algedonic.PleasureCount++
		if v, ok := payloadNumber(ev.Payload, "intensity"); ok {
			e.algedonic.PleasureIntensity = runningMean(e.algedonic.PleasureIntensity, v, e.algedonic.PleasureCount)
		}
	}
}

// bucketLocked returns the ring bucket for now, resetting it when the slot
// is being reused for a new minute.
func (e *Engine) bucketLocked(now time.Time) *minuteBucket {
	minute := now.Unix() / 60
	b := &e.ring[minute%ringMinutes]
	if b.minute != minute {
		b.minute = minute
		b.count = 0
	}
	return b
}

// minuteCounts returns per-minute throughput for the n minutes ending at
// the minute before now (the current partial minute is excluded). Callers
// hold mu.
func (e *Engine) minuteCounts(now time.Time, n int) []int64 {
	end := now.Unix() / 60
	out := make([]int64, 0, n)
	for m := end - int64(n); m < end; m++ {
		b := e.ring[m%ringMinutes]
		if b.minute == m {
			out = append(out, b.count)
		} else {
			out = append(out, 0)
		}
	}
	return out
}

// checkAnomalies compares the just-completed minute against the trailing
// sample window.
func (e *Engine) checkAnomalies() {
	now := e.now()
	samples := e.cfg.AnomalySamples
	if samples < 2 {
		samples = 2
	}

	e.mu.Lock()
	counts := e.minuteCounts(now, samples+1)
	current := float64(counts[len(counts)-1])
	baseline := counts[:len(counts)-1]
	mean, sigma := meanStddev(baseline)

	var found []Anomaly
	if sigma > 0 {
		dev := math.Abs(current-mean) / sigma
		if dev > 3 {
			found = append(found, Anomaly{Kind: "throughput", Severity: "high", Observed: current, Expected: mean, Sigma: dev, Timestamp: now.UTC()})
		} else if dev > 2 {
			found = append(found, Anomaly{Kind: "throughput", Severity: "medium", Observed: current, Expected: mean, Sigma: dev, Timestamp: now.UTC()})
		}
	}
	if e.latency.Count > 0 && e.latency.Avg > 0 && e.latency.Max > 5*e.latency.Avg {
		found = append(found, Anomaly{Kind: "latency", Severity: "medium", Observed: e.latency.Max, Expected: e.latency.Avg, Timestamp: now.UTC()})
	}
	e.anomalies = append(e.anomalies, found...)
	if len(e.anomalies) > 100 {
		e.anomalies = e.anomalies[len(e.anomalies)-100:]
	}
	e.mu.Unlock()

	for _, a := range found {
		e.log.Warn("Anomaly detected",
			"kind", a.Kind,
			"severity", a.Severity,
			"observed", a.Observed,
			"expected", a.Expected)
		if e.emit != nil {
			e.emit(broker.TopicAnalyticsInsights, a)
		}
	}
}

func (e *Engine) publishThroughput() {
	if e.emit == nil {
		return
	}
	now := e.now()
	e.mu.Lock()
	counts := e.minuteCounts(now, 1)
	e.mu.Unlock()
	e.emit(broker.TopicAnalyticsThroughput, map[string]any{
		"minute": now.Unix() / 60,
		"count":  counts[0],
	})
}

// computeTrend compares the mean of the last 5 minutes with the previous 5.
func (e *Engine) computeTrend() {
	now := e.now()

	e.mu.Lock()
	counts := e.minuteCounts(now, 10)
	prevMean, _ := meanStddev(counts[:5])
	curMean, _ := meanStddev(counts[5:])

	direction := "stable"
	switch {
	case prevMean == 0 && curMean > 0:
		direction = "increasing"
	case prevMean > 0 && curMean > prevMean*(1+trendTolerance):
		direction = "increasing"
	case prevMean > 0 && curMean < prevMean*(1-trendTolerance):
		direction = "decreasing"
	}
	e.trend = Trend{Direction: direction, CurrentMean: curMean, PreviousMean: prevMean, ComputedAt: now.UTC()}
	trend := e.trend
	e.mu.Unlock()

	e.log.Debug("Trend recomputed", "direction", trend.Direction, "current", trend.CurrentMean, "previous", trend.PreviousMean)
	if e.emit != nil {
		e.emit(broker.TopicAnalyticsInsights, trend)
	}
}

// Dashboard returns the current snapshot, recomputing at most once per
// cache TTL.
func (e *Engine) Dashboard() *Dashboard {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cachedDashboard != nil && now.Sub(e.cachedAt) < e.cfg.DashboardCacheTTL {
		return e.cachedDashboard
	}

	subs := make(map[string]SubsystemStats, 5)
	for i, s := range e.subsystems {
		subs["s"+string(rune('1'+i))] = s
	}

	d := &Dashboard{
		EventsProcessed: e.eventsProcessed,
		Latency:         e.latency,
		ThroughputLast5: e.minuteCounts(now, 5),
		TopEventTypes:   e.topTypesLocked(),
		Subsystems:      subs,
		Algedonic:       e.algedonic,
		Trend:           e.trend,
		Anomalies:       append([]Anomaly(nil), e.anomalies...),
		GeneratedAt:     now.UTC(),
	}
	e.cachedDashboard = d
	e.cachedAt = now
	return d
}

// Anomalies returns the retained anomaly list, oldest first.
func (e *Engine) Anomalies() []Anomaly {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Anomaly(nil), e.anomalies...)
}

// TrendReport returns the latest computed trend.
func (e *Engine) TrendReport() Trend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trend
}

func (e *Engine) topTypesLocked() []TypeCount {
	all := make([]TypeCount, 0, len(e.typeCounts))
	for t, c := range e.typeCounts {
		all = append(all, TypeCount{EventType: t, Count: c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].EventType < all[j].EventType
	})
	if len(all) > topK {
		all = all[:topK]
	}
	return all
}

// classifySubsystem maps "systemN.<verb>..." types onto a subsystem index
// and counter kind. Returns index -1 for non-subsystem types.
func classifySubsystem(eventType string) (int, string) {
	if !strings.HasPrefix(eventType, "system") || len(eventType) < 8 {
		return -1, ""
	}
	n := eventType[6]
	if n < '1' || n > '5' || eventType[7] != '.' {
		return -1, ""
	}
	idx := int(n - '1')
	switch {
	case strings.Contains(eventType, "error") || strings.Contains(eventType, "failed"):
		return idx, "error"
	case strings.Contains(eventType, "timeout"):
		return idx, "timeout"
	case strings.Contains(eventType, "override"):
		return idx, "override"
	case strings.Contains(eventType, "violated") || strings.Contains(eventType, "violation"):
		return idx, "violation"
	default:
		return idx, "operation"
	}
}

func payloadNumber(payload map[string]any, key string) (float64, bool) {
	if payload == nil {
		return 0, false
	}
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func runningMean(mean, sample float64, count int64) float64 {
	return mean + (sample-mean)/float64(count)
}

func meanStddev(counts []int64) (float64, float64) {
	if len(counts) == 0 {
		return 0, 0
	}
	var sum float64
	for _, c := range counts {
		sum += float64(c)
	}
	mean := sum / float64(len(counts))
	var variance float64
	for _, c := range counts {
		d := float64(c) - mean
		variance += d * d
	}
	variance /= float64(len(counts))
	return mean, math.Sqrt(variance)
}
