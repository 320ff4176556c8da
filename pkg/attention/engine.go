// Package attention implements the salience engine: per-message scores in
// [0,1] built from five weighted components (novelty, urgency, relevance,
// intensity, coherence), modulated by an attention state machine and a
// fatigue model. Scores above the salience floor feed the temporal windows
// that novelty is measured against, so repeated messages decay rapidly.
package attention

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/metrics"
	"github.com/viablesystems/synapse/pkg/models"
)

const (
	// salienceFloor is the score above which a message enters the temporal
	// windows and context memory.
	salienceFloor = 0.3

	// highSalience marks messages retained in the top-K list.
	highSalience = 0.8

	// topSalientCap bounds the retained high-salience list.
	topSalientCap = 10

	// maintenanceInterval drives fatigue recovery, memory decay, window
	// sweeps, and state transitions.
	maintenanceInterval = time.Second

	// shiftSettleDelay is how long a shift stays in the shifting state
	// before settling into focused.
	shiftSettleDelay = 100 * time.Millisecond
)

// LearnedPattern contributes to the coherence component when its type glob
// matches the message type.
type LearnedPattern struct {
	Name     string
	TypeGlob string
	Strength float64
}

// SalientEvent is a retained high-salience scoring.
type SalientEvent struct {
	MessageType string    `json:"message_type"`
	Source      string    `json:"source"`
	Score       float64   `json:"score"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stats is the externally visible engine state.
type Stats struct {
	State          State          `json:"state"`
	Fatigue        float64        `json:"fatigue"`
	Focus          string         `json:"focus"`
	ScoredCount    int64          `json:"scored_count"`
	AverageScore   float64        `json:"average_score"`
	TopSalient     []SalientEvent `json:"top_salient"`
	ContextWeights int            `json:"context_weights"`
}

// Engine scores messages and maintains the attention state machine. All
// methods are safe for concurrent use.
type Engine struct {
	cfg     *config.AttentionConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	mu             sync.Mutex
	state          State
	fatigue        float64
	focus          string
	windows        []*temporalWindow
	contextWeights map[string]float64
	learned        []LearnedPattern
	scoredCount    int64
	scoreSum       float64
	topSalient     []SalientEvent
	shiftCount     int64
	shiftTimer     *time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// New creates an engine in the distributed state. mets may be nil. Weights
// are renormalized so they always sum to 1.
func New(cfg *config.AttentionConfig, mets *metrics.Metrics) *Engine {
	return &Engine{
		cfg:            cfg,
		metrics:        mets,
		log:            slog.With("component", "attention"),
		state:          StateDistributed,
		windows:        newWindows(),
		contextWeights: make(map[string]float64),
		stopCh:         make(chan struct{}),
		now:            time.Now,
	}
}

// Start launches the maintenance loop.
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.run(ctx)
	e.log.Info("Attention engine started", "state", e.State())
	return nil
}

// Stop terminates the maintenance loop and any pending shift settle.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.mu.Lock()
	if e.shiftTimer != nil {
		e.shiftTimer.Stop()
	}
	e.mu.Unlock()
	e.log.Info("Attention engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	tick := time.NewTicker(maintenanceInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-tick.C:
			e.maintain()
		}
	}
}

// Score computes the attention score and its five components for a
// message in the given context. High-scoring messages feed the novelty
// windows and reinforce the context's memory weight.
func (e *Engine) Score(msg models.Message, contextID string) (float64, map[string]float64) {
	now := e.now()
	hash := messageHash(msg)

	e.mu.Lock()
	defer e.mu.Unlock()

	components := map[string]float64{
		"novelty":   e.noveltyLocked(hash, now),
		"urgency":   urgency(msg, now),
		"relevance": e.relevanceLocked(msg, contextID, hash, now),
		"intensity": intensity(msg),
		"coherence": e.coherenceLocked(msg),
	}

	w := e.normalizedWeightsLocked()
	raw := w.Novelty*components["novelty"] +
		w.Urgency*components["urgency"] +
		w.Relevance*components["relevance"] +
		w.Intensity*components["intensity"] +
		w.Coherence*components["coherence"]

	score := clamp01(raw * e.state.Multiplier() * (1 - 0.5*e.fatigue))

	e.scoredCount++
	e.scoreSum += score
	if e.metrics != nil {
		e.metrics.AttentionScores.Observe(score)
	}

	if score > salienceFloor {
		entry := windowEntry{at: now, score: score, hash: hash}
		for _, win := range e.windows {
			win.add(entry)
		}
		key := contextID
		if key == "" {
			key = msg.Source
		}
		e.contextWeights[key] = math.Min(1, e.contextWeights[key]+0.1*score)
	}
	if score > highSalience {
		e.recordSalientLocked(msg, score, now)
	}

	return score, components
}

// Filter scores each message, annotates it, keeps those at or above the
// threshold, and returns them sorted by score descending.
func (e *Engine) Filter(msgs []models.Message, threshold float64) []models.Message {
	kept := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		score, components := e.Score(msg, msg.Source)
		msg.AttentionScore = score
		msg.AttentionComponents = components
		if score >= threshold {
			kept = append(kept, msg)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].AttentionScore > kept[j].AttentionScore
	})
	return kept
}

// ShiftAttention moves focus to newFocus and returns the shift cost. The
// engine passes through shifting and settles into focused after a short
// delay; the cost accrues as fatigue.
func (e *Engine) ShiftAttention(newFocus string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if newFocus == e.focus {
		return 0
	}
	cost := 0.1 + 0.2*(1-similarity(e.focus, newFocus))
	e.focus = newFocus
	e.state = StateShifting
	e.fatigue = math.Min(1, e.fatigue+cost)
	e.shiftCount++

	if e.shiftTimer != nil {
		e.shiftTimer.Stop()
	}
	e.shiftTimer = time.AfterFunc(shiftSettleDelay, e.settleShift)

	e.log.Debug("Attention shifted", "focus", newFocus, "cost", cost, "fatigue", e.fatigue)
	return cost
}

func (e *Engine) settleShift() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateShifting {
		e.state = StateFocused
	}
}

// AddLearnedPattern registers a coherence contributor.
func (e *Engine) AddLearnedPattern(p LearnedPattern) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.learned = append(e.learned, p)
}

// SetContextWeight primes the memory weight for a context.
func (e *Engine) SetContextWeight(id string, w float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contextWeights[id] = clamp01(w)
}

// State returns the current attention state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Fatigue returns the current fatigue level.
func (e *Engine) Fatigue() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatigue
}

// Stats returns a snapshot of the engine state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	avg := 0.0
	if e.scoredCount > 0 {
		avg = e.scoreSum / float64(e.scoredCount)
	}
	return Stats{
		State:          e.state,
		Fatigue:        e.fatigue,
		Focus:          e.focus,
		ScoredCount:    e.scoredCount,
		AverageScore:   avg,
		TopSalient:     append([]SalientEvent(nil), e.topSalient...),
		ContextWeights: len(e.contextWeights),
	}
}

// maintain runs one maintenance pass: fatigue recovery, context memory
// decay, window sweeps, state transitions.
func (e *Engine) maintain() {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	recovery := e.cfg.FatigueRecoveryRate
	if recovery <= 0 {
		recovery = 0.01
	}
	e.fatigue = math.Max(0, e.fatigue-recovery)

	for id, w := range e.contextWeights {
		w *= 0.95
		if w < 0.01 {
			delete(e.contextWeights, id)
		} else {
			e.contextWeights[id] = w
		}
	}

	for _, win := range e.windows {
		win.sweep(now)
	}

	switch {
	case e.fatigue > 0.7 && e.state != StateFatigued:
		e.state = StateFatigued
		e.log.Info("Attention fatigued", "fatigue", e.fatigue)
	case e.state == StateFatigued && e.fatigue < 0.2:
		e.state = StateRecovering
	case e.state == StateRecovering && e.fatigue < 0.1:
		e.state = StateDistributed
	}
}

// noveltyLocked multiplies per-scale decay factors: every same-hash entry
// in a window halves-ish the component via exp(-0.5 * count).
func (e *Engine) noveltyLocked(hash uint64, now time.Time) float64 {
	novelty := 1.0
	for _, win := range e.windows {
		count := win.countHash(hash, now)
		novelty *= math.Exp(-0.5 * float64(count))
	}
	return novelty
}

func urgency(msg models.Message, now time.Time) float64 {
	switch {
	case msg.Priority == models.PriorityCritical:
		return 1.0
	case msg.Priority == models.PriorityHigh:
		return 0.8
	case msg.Deadline != nil:
		msToDeadline := float64(msg.Deadline.Sub(now).Milliseconds())
		return 1 - clamp01(msToDeadline/60000)
	case isAlarmType(msg.Type):
		return 0.9
	default:
		return 0.3
	}
}

func isAlarmType(t string) bool {
	for _, kw := range []string{"alarm", "alert", "emergency"} {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

// relevanceLocked takes the best of context memory, focus similarity, and
// conversation continuity, with a continuity boost.
func (e *Engine) relevanceLocked(msg models.Message, contextID string, hash uint64, now time.Time) float64 {
	key := contextID
	if key == "" {
		key = msg.Source
	}
	contextWeight := e.contextWeights[key]

	focusSim := 0.5
	if e.focus != "" {
		focusSim = similarity(e.focus, msg.Type)
	}

	continuity := e.continuityLocked(hash, now)

	relevance := math.Max(contextWeight, math.Max(focusSim, continuity))
	if continuity > 0.3 {
		relevance = math.Min(1, relevance+0.2)
	}
	return relevance
}

// continuityLocked measures how much of an ongoing exchange this message
// is: same-hash entries in the 10 s window, saturating at 5.
func (e *Engine) continuityLocked(hash uint64, now time.Time) float64 {
	count := e.windows[2].countHash(hash, now)
	return math.Min(1, float64(count)/5)
}

func intensity(msg models.Message) float64 {
	v := 0.5
	if s, _ := msg.Payload["volume"].(string); s == "high" {
		v += 0.2
	}
	if repeatCount(msg.Payload) > 3 {
		v += 0.1
	}
	if s, _ := msg.Payload["source_authority"].(string); s == "high" {
		v += 0.15
	}
	if len(msg.Payload) > 10 {
		v += 0.05
	}
	return clamp01(v)
}

func repeatCount(payload map[string]any) int {
	switch v := payload["repeat_count"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (e *Engine) coherenceLocked(msg models.Message) float64 {
	var sum float64
	for _, p := range e.learned {
		if globMatch(p.TypeGlob, msg.Type) {
			sum += p.Strength
		}
	}
	return clamp01(sum)
}

func (e *Engine) recordSalientLocked(msg models.Message, score float64, now time.Time) {
	e.topSalient = append(e.topSalient, SalientEvent{
		MessageType: msg.Type,
		Source:      msg.Source,
		Score:       score,
		Timestamp:   now.UTC(),
	})
	sort.SliceStable(e.topSalient, func(i, j int) bool {
		return e.topSalient[i].Score > e.topSalient[j].Score
	})
	if len(e.topSalient) > topSalientCap {
		e.topSalient = e.topSalient[:topSalientCap]
	}
}

func (e *Engine) normalizedWeightsLocked() config.AttentionWeights {
	w := e.cfg.Weights
	sum := w.Novelty + w.Urgency + w.Relevance + w.Intensity + w.Coherence
	if sum <= 0 {
		return config.AttentionWeights{Novelty: 0.30, Urgency: 0.25, Relevance: 0.20, Intensity: 0.15, Coherence: 0.10}
	}
	w.Novelty /= sum
	w.Urgency /= sum
	w.Relevance /= sum
	w.Intensity /= sum
	w.Coherence /= sum
	return w
}

// similarity is token overlap over dot-separated segments: |A∩B| / |A∪B|.
// The empty string is similar to nothing.
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	setA := tokenSet(a)
	setB := tokenSet(b)
	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Split(s, ".") {
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

// globMatch supports an optional single trailing ".*" on learned pattern
// globs; anything else is an exact match.
func globMatch(glob, s string) bool {
	if prefix, ok := strings.CutSuffix(glob, ".*"); ok {
		return strings.HasPrefix(s, prefix+".")
	}
	return glob == s
}

func messageHash(msg models.Message) uint64 {
	h := fnv.New64a()
	h.Write([]byte(msg.Type))
	h.Write([]byte{0})
	h.Write([]byte(msg.Source))
	h.Write([]byte{0})
	h.Write([]byte(msg.Target))
	return h.Sum64()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
