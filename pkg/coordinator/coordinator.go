// Package coordinator arbitrates every inter-component message. Each
// (from, to, message) triple is scored by the attention engine, filtered,
// checked for flow conflicts, rate limited, optionally synchronized, and
// finally delivered to the target context's inbox. Numeric signals pass
// through a per-flow oscillation damper on the way.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/viablesystems/synapse/pkg/broker"
	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/metrics"
	"github.com/viablesystems/synapse/pkg/models"
	"github.com/viablesystems/synapse/pkg/patterns"
)

const (
	// blockThreshold is the attention score below which messages are
	// dropped outright.
	blockThreshold = 0.2

	// bypassThreshold is the attention score above which rate limits are
	// waived.
	bypassThreshold = 0.8

	// syncThreshold is the attention score above which forwarding requires
	// state alignment regardless of message type.
	syncThreshold = 0.9

	// simultaneousAccessWindow is how recently the target must have
	// received a message to flag simultaneous access.
	simultaneousAccessWindow = 10 * time.Millisecond

	// recentFlowWindow is how long a flow counts as recent for circular
	// dependency detection.
	recentFlowWindow = time.Second

	// rateWindow is the sliding window rate limits are measured over.
	rateWindow = time.Second
)

// Conflict kinds reported by detection.
const (
	ConflictSimultaneousAccess = "simultaneous_access"
	ConflictCircularDependency = "circular_dependency"
	ConflictResourceContention = "resource_contention"
)

// Result describes what the coordinator did with one message.
type Result struct {
	Forwarded bool          `json:"forwarded"`
	Blocked   bool          `json:"blocked"`
	Reason    string        `json:"reason,omitempty"`
	Conflict  string        `json:"conflict,omitempty"`
	Bypassed  bool          `json:"bypassed,omitempty"`
	Delayed   time.Duration `json:"delayed,omitempty"`
	Score     float64       `json:"score"`
}

// ConflictRecord is a retained conflict detection.
type ConflictRecord struct {
	Kind       string        `json:"kind"`
	Flow       string        `json:"flow"`
	Resolution string        `json:"resolution"`
	Delay      time.Duration `json:"delay"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Stats is the coordinator's externally visible counter set.
type Stats struct {
	Forwarded    int64            `json:"forwarded"`
	Filtered     int64            `json:"filtered"`
	Conflicts    map[string]int64 `json:"conflicts"`
	Bypasses     int64            `json:"bypasses"`
	Delays       int64            `json:"delays"`
	Oscillations int64            `json:"oscillations"`
	Crises       int64            `json:"crises"`
	Syncs        int64            `json:"syncs"`
}

// Emitter publishes coordination payloads on a topic. Nil disables it.
type Emitter func(topic string, payload any)

// AttentionScorer is the slice of the attention engine the coordinator
// consults. Satisfied by *attention.Engine.
type AttentionScorer interface {
	Score(msg models.Message, contextID string) (float64, map[string]float64)
	ShiftAttention(newFocus string) float64
}

// Coordinator owns the arbitration pipeline. Safe for concurrent use.
type Coordinator struct {
	cfg       *config.CoordinationConfig
	attention AttentionScorer
	metrics   *metrics.Metrics
	log       *slog.Logger
	emit      Emitter

	registry *registry

	mu           sync.Mutex
	lastDelivery map[string]time.Time
	recentFlows  map[models.Flow]time.Time
	flowRates    map[models.Flow][]time.Time
	dampers      map[models.Flow]*oscillationDetector
	blockGlobs   []patterns.Glob
	conflictLog  []ConflictRecord
	pendingAcks  map[string]chan syncAck
	stats        Stats

	// sleep is swapped in tests so delays do not slow the suite.
	sleep func(time.Duration)
	now   func() time.Time
}

// New creates a coordinator. mets and emit may be nil. Malformed block
// patterns are skipped with a warning.
func New(cfg *config.CoordinationConfig, att AttentionScorer, mets *metrics.Metrics, emit Emitter) *Coordinator {
	c := &Coordinator{
		cfg:          cfg,
		attention:    att,
		metrics:      mets,
		log:          slog.With("component", "coordinator"),
		emit:         emit,
		registry:     newRegistry(),
		lastDelivery: make(map[string]time.Time),
		recentFlows:  make(map[models.Flow]time.Time),
		flowRates:    make(map[models.Flow][]time.Time),
		dampers:      make(map[models.Flow]*oscillationDetector),
		pendingAcks:  make(map[string]chan syncAck),
		stats:        Stats{Conflicts: make(map[string]int64)},
		sleep:        time.Sleep,
		now:          time.Now,
	}
	for _, p := range cfg.BlockPatterns {
		g, err := patterns.CompileGlob(p)
		if err != nil {
			c.log.Warn("Skipping invalid block pattern", "pattern", p, "error", err)
			continue
		}
		c.blockGlobs = append(c.blockGlobs, g)
	}
	return c
}

// Register adds a component context and returns it. Registering an
// existing ID returns the original context.
func (c *Coordinator) Register(id string, inboxSize int) *Context {
	return c.registry.register(id, inboxSize)
}

// Contexts returns the registered context IDs.
func (c *Coordinator) Contexts() []string {
	return c.registry.ids()
}

// Coordinate arbitrates one message from source to target.
func (c *Coordinator) Coordinate(ctx context.Context, from, to string, msg models.Message) (Result, error) {
	msg.Source = from
	msg.Target = to
	flow := models.Flow{From: from, To: to}

	if c.blockedByPattern(msg.Type) {
		return Result{Blocked: true, Reason: "blocked_pattern"}, nil
	}

	score, components := c.attention.Score(msg, to)
	// Optional probability overlay. Weight 0 means unset, not "never".
	if msg.Weight > 0 && msg.Weight < 1 {
		score *= msg.Weight
	}
	msg.AttentionScore = score
	msg.AttentionComponents = components

	if score < blockThreshold {
		c.mu.Lock()
		c.stats.Filtered++
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CoordinatorFiltered.Inc()
		}
		c.log.Debug("Message blocked", "flow", flow, "score", score, "reason", "low_attention")
		return Result{Blocked: true, Reason: "low_attention", Score: score}, nil
	}

	result := Result{Score: score}
	now := c.now()

	c.mu.Lock()
	conflict := c.detectConflictLocked(flow, msg, now)
	if conflict != "" {
		delay := 50 * time.Millisecond
		if score > 0.7 {
			delay = 20 * time.Millisecond
		}
		c.recordConflictLocked(conflict, flow, delay, now)
		result.Conflict = conflict
		result.Delayed += delay
	}

	rateDelay, bypassed := c.rateLimitLocked(flow, score, now)
	if bypassed {
		c.stats.Bypasses++
		result.Bypassed = true
	}
	result.Delayed += rateDelay
	if result.Delayed > 0 {
		c.stats.Delays++
	}
	c.mu.Unlock()

	if c.metrics != nil {
		if conflict != "" {
			c.metrics.CoordinatorConflicts.WithLabelValues(conflict).Inc()
		}
		if bypassed {
			c.metrics.CoordinatorBypass.Inc()
		}
		if result.Delayed > 0 {
			c.metrics.CoordinatorDelayed.Inc()
		}
	}
	if result.Delayed > 0 {
		c.sleep(result.Delayed)
	}

	if c.requiresSync(msg.Type, score) {
		msg.Synchronized = true
		c.alignTarget(ctx, to)
	}

	msg = c.dampen(flow, msg, score)

	return c.forward(flow, msg, result)
}

func (c *Coordinator) blockedByPattern(msgType string) bool {
	for _, g := range c.blockGlobs {
		if g.Match(msgType) {
			return true
		}
	}
	return false
}

// detectConflictLocked checks the three conflict kinds in order. Callers
// hold mu.
func (c *Coordinator) detectConflictLocked(flow models.Flow, msg models.Message, now time.Time) string {
	if last, ok := c.lastDelivery[flow.To]; ok && now.Sub(last) < simultaneousAccessWindow {
		return ConflictSimultaneousAccess
	}
	if at, ok := c.recentFlows[flow.Reverse()]; ok && now.Sub(at) < recentFlowWindow {
		return ConflictCircularDependency
	}
	if msg.Type == "resource_request" {
		if target, ok := c.registry.get(flow.To); ok && target.isLocked() {
			return ConflictResourceContention
		}
	}
	return ""
}

func (c *Coordinator) recordConflictLocked(kind string, flow models.Flow, delay time.Duration, now time.Time) {
	c.stats.Conflicts[kind]++
	c.conflictLog = append(c.conflictLog, ConflictRecord{
		Kind:       kind,
		Flow:       flow.String(),
		Resolution: "delayed",
		Delay:      delay,
		Timestamp:  now.UTC(),
	})
	if len(c.conflictLog) > 100 {
		c.conflictLog = c.conflictLog[len(c.conflictLog)-100:]
	}
}

// rateLimitLocked applies the attention-scaled per-flow limit. Callers
// hold mu.
func (c *Coordinator) rateLimitLocked(flow models.Flow, score float64, now time.Time) (time.Duration, bool) {
	cutoff := now.Add(-rateWindow)
	stamps := c.flowRates[flow]
	trim := 0
	for trim < len(stamps) && stamps[trim].Before(cutoff) {
		trim++
	}
	stamps = stamps[trim:]
	c.flowRates[flow] = append(stamps, now)

	effective := float64(c.cfg.MaxFrequencyPerFlow) * (1 + score)
	if float64(len(stamps)) < effective {
		return 0, false
	}
	if score > bypassThreshold {
		return 0, true
	}
	return time.Duration(100*(2-score)) * time.Millisecond, false
}

func (c *Coordinator) requiresSync(msgType string, score float64) bool {
	if score > syncThreshold {
		return true
	}
	for _, t := range c.cfg.SyncRequiredTypes {
		if t == msgType {
			return true
		}
	}
	return false
}

// dampen routes numeric signals through the flow's oscillation detector.
// Non-numeric messages pass through untouched unless the flow is already
// known to oscillate, in which case they are only marked.
func (c *Coordinator) dampen(flow models.Flow, msg models.Message, score float64) models.Message {
	now := c.now()
	if msg.Signal == nil {
		c.mu.Lock()
		d, ok := c.dampers[flow]
		oscillating := ok && d.oscillatingAt(now)
		c.mu.Unlock()
		if oscillating {
			msg.Dampened = true
		}
		return msg
	}

	c.mu.Lock()
	d, ok := c.dampers[flow]
	if !ok {
		d = newOscillationDetector(c.cfg.OscillationWindow, c.cfg.OscillationThreshold)
		c.dampers[flow] = d
	}
	oscillating, crisis := d.observe(*msg.Signal, now)
	if oscillating {
		c.stats.Oscillations++
	}
	if crisis {
		c.stats.Crises++
	}
	c.mu.Unlock()

	if !oscillating {
		return msg
	}

	if c.metrics != nil {
		c.metrics.Oscillations.Inc()
	}
	factor := c.cfg.DampeningFactor + (1-c.cfg.DampeningFactor)*score
	damped := *msg.Signal * factor
	msg.Signal = &damped
	msg.Dampened = true
	c.log.Warn("Oscillation dampened", "flow", flow, "factor", factor, "crisis", crisis)

	if crisis {
		c.attention.ShiftAttention("oscillation_crisis")
		if c.emit != nil {
			c.emit(broker.TopicCoordination, map[string]any{
				"kind": "oscillation_crisis",
				"flow": flow.String(),
			})
		}
	}
	return msg
}

func (c *Coordinator) forward(flow models.Flow, msg models.Message, result Result) (Result, error) {
	target, ok := c.registry.get(flow.To)
	if !ok {
		result.Blocked = true
		result.Reason = "unknown_target"
		return result, nil
	}

	select {
	case target.Inbox <- msg:
	default:
		result.Blocked = true
		result.Reason = "inbox_full"
		c.log.Warn("Target inbox full, message dropped", "flow", flow)
		return result, nil
	}

	now := c.now()
	c.mu.Lock()
	c.lastDelivery[flow.To] = now
	c.recentFlows[flow] = now
	c.stats.Forwarded++
	c.mu.Unlock()

	result.Forwarded = true
	// Per-context delivery feed, subscribable as vsm:context:<id>.
	if c.emit != nil {
		c.emit(broker.TopicContext(flow.To), map[string]any{
			"message_id": msg.ID.String(),
			"type":       msg.Type,
			"source":     flow.From,
			"score":      msg.AttentionScore,
			"dampened":   msg.Dampened,
		})
	}
	return result, nil
}

// ConflictLog returns the retained conflict records, oldest first.
func (c *Coordinator) ConflictLog() []ConflictRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ConflictRecord(nil), c.conflictLog...)
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Conflicts = make(map[string]int64, len(c.stats.Conflicts))
	for k, v := range c.stats.Conflicts {
		s.Conflicts[k] = v
	}
	return s
}
