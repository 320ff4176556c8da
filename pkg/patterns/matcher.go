// Package patterns implements the sliding-window complex-event matcher:
// restricted glob matching over event types, the canonical built-in spec
// set, confidence scoring, action dispatch, and the optional sequence
// learner.
package patterns

import (
	"log/slog"
	"sync"
	"time"

	"github.com/viablesystems/synapse/pkg/broker"
	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/metrics"
	"github.com/viablesystems/synapse/pkg/models"
)

// historyCap bounds the retained match history.
const historyCap = 100

// learnedThreshold is how often a 3-event type sequence must occur before
// it becomes a synthetic spec.
const learnedThreshold = 5

// Emitter publishes a pattern-match payload on a topic. Wired to the
// broker; nil disables emission.
type Emitter func(topic string, payload any)

// ActionFunc handles a dispatched action tag.
type ActionFunc func(Match)

type windowEntry struct {
	event   models.Event
	addedAt time.Time // monotonic arrival time, used for recency math
}

// Matcher holds the sliding window and evaluates specs against it. All
// methods are safe for concurrent use; evaluation itself is pure, so
// re-running over the same window reproduces the same matches.
type Matcher struct {
	cfg     *config.PatternsConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	specs   []Spec
	window  []windowEntry
	history []Match
	pending bool

	emit    Emitter
	actions map[string]ActionFunc

	seqCounts map[[3]string]int
}

// Option customizes matcher construction.
type Option func(*Matcher)

// WithEmitter wires topic emission (normally the broker publish).
func WithEmitter(e Emitter) Option {
	return func(m *Matcher) { m.emit = e }
}

// WithSpecs appends additional specs to the built-in set.
func WithSpecs(specs ...Spec) Option {
	return func(m *Matcher) { m.specs = append(m.specs, specs...) }
}

// New creates a matcher with the built-in specs. mets may be nil.
func New(cfg *config.PatternsConfig, mets *metrics.Metrics, opts ...Option) *Matcher {
	m := &Matcher{
		cfg:       cfg,
		metrics:   mets,
		log:       slog.With("component", "patterns"),
		specs:     BuiltinSpecs(),
		actions:   make(map[string]ActionFunc),
		seqCounts: make(map[[3]string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAction installs a handler for an action tag. Unregistered tags
// are logged when dispatched.
func (m *Matcher) RegisterAction(tag string, fn ActionFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[tag] = fn
}

// CheckCritical adds the event and immediately evaluates only the
// critical-severity specs. Used by the processor's high-priority lane.
func (m *Matcher) CheckCritical(e models.Event) []Match {
	m.mu.Lock()
	m.add(e)
	matches := m.evaluate(func(s Spec) bool { return s.Severity == models.SeverityCritical })
	m.mu.Unlock()

	m.act(matches)
	return matches
}

// CheckStandard adds the event and defers evaluation until the next
// FlushDeferred call (batched by the processor's normal lane).
func (m *Matcher) CheckStandard(e models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(e)
	m.pending = true
}

// FlushDeferred evaluates all specs if any CheckStandard calls are pending.
func (m *Matcher) FlushDeferred() []Match {
	m.mu.Lock()
	if !m.pending {
		m.mu.Unlock()
		return nil
	}
	m.pending = false
	matches := m.evaluate(nil)
	m.mu.Unlock()

	m.act(matches)
	return matches
}

// ProcessEvents adds a batch and evaluates all specs once.
func (m *Matcher) ProcessEvents(batch []models.Event) []Match {
	m.mu.Lock()
	for _, e := range batch {
		m.add(e)
	}
	matches := m.evaluate(nil)
	m.mu.Unlock()

	m.act(matches)
	return matches
}

// History returns the retained matches, most recent last.
func (m *Matcher) History() []Match {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Match, len(m.history))
	copy(out, m.history)
	return out
}

// WindowSize returns the current window population.
func (m *Matcher) WindowSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.window)
}

// add inserts an event and prunes by age and cap. Callers hold mu.
func (m *Matcher) add(e models.Event) {
	now := time.Now()
	m.window = append(m.window, windowEntry{event: e, addedAt: now})
	m.prune(now)
	if m.cfg.LearningEnabled {
		m.observeSequence()
	}
}

func (m *Matcher) prune(now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	trim := 0
	for trim < len(m.window) && m.window[trim].addedAt.Before(cutoff) {
		trim++
	}
	m.window = m.window[trim:]
	if over := len(m.window) - m.cfg.WindowCap; over > 0 {
		m.window = m.window[over:]
	}
}

// evaluate runs every spec passing the filter against the current window.
// Callers hold mu.
func (m *Matcher) evaluate(filter func(Spec) bool) []Match {
	now := time.Now()
	m.prune(now)

	var matches []Match
	for _, spec := range m.specs {
		if filter != nil && !filter(spec) {
			continue
		}
		if match, ok := m.evaluateSpec(spec, now); ok {
			matches = append(matches, match)
			m.record(match)
		}
	}
	return matches
}

// evaluateSpec applies the four evaluation steps: relevance filter (≥2),
// recency filter (≥1), predicate, confidence.
func (m *Matcher) evaluateSpec(spec Spec, now time.Time) (Match, bool) {
	var relevant []windowEntry
	for _, entry := range m.window {
		if matchesAny(spec.Globs, entry.event.EventType) {
			relevant = append(relevant, entry)
		}
	}
	if len(relevant) < 2 {
		return Match{}, false
	}

	var recent []windowEntry
	for _, entry := range relevant {
		if now.Sub(entry.addedAt) <= m.cfg.Window {
			recent = append(recent, entry)
		}
	}
	if len(recent) < 1 {
		return Match{}, false
	}

	events := make([]models.Event, len(recent))
	for i, entry := range recent {
		events[i] = entry.event
	}
	if !spec.Predicate(events) {
		return Match{}, false
	}

	return Match{
		PatternName:   spec.Name,
		Severity:      spec.Severity,
		ActionTag:     spec.ActionTag,
		MatchedEvents: events,
		Confidence:    m.confidence(recent, now),
		Timestamp:     time.Now().UTC(),
	}, true
}

// confidence = (avg_recency + min(1, count/5)) / 2 where avg_recency is the
// mean of 1 - age/window, clamped to [0,1].
func (m *Matcher) confidence(entries []windowEntry, now time.Time) float64 {
	windowMs := float64(m.cfg.Window.Milliseconds())
	var sum float64
	for _, entry := range entries {
		recency := 1 - float64(now.Sub(entry.addedAt).Milliseconds())/windowMs
		if recency < 0 {
			recency = 0
		}
		if recency > 1 {
			recency = 1
		}
		sum += recency
	}
	avgRecency := sum / float64(len(entries))

	countFactor := float64(len(entries)) / 5
	if countFactor > 1 {
		countFactor = 1
	}
	return (avgRecency + countFactor) / 2
}

// record appends to history with the cap applied. Callers hold mu.
func (m *Matcher) record(match Match) {
	m.history = append(m.history, match)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	if m.metrics != nil {
		m.metrics.PatternMatches.WithLabelValues(match.PatternName).Inc()
	}
}

// act emits and dispatches outside the matcher lock.
func (m *Matcher) act(matches []Match) {
	for _, match := range matches {
		m.log.Info("Pattern matched",
			"pattern", match.PatternName,
			"severity", match.Severity,
			"confidence", match.Confidence,
			"events", len(match.MatchedEvents))

		if m.emit != nil {
			m.emit(broker.TopicPatterns, match)
			if match.Severity == models.SeverityCritical {
				topic := broker.TopicEmergencyResponse
				if match.ActionTag == ActionLimitRecursion {
					topic = broker.TopicEmergencyRecursion
				}
				m.emit(topic, match)
			}
		}

		m.mu.Lock()
		fn := m.actions[match.ActionTag]
		m.mu.Unlock()
		if fn != nil {
			fn(match)
		} else {
			m.log.Debug("No handler registered for action", "action", match.ActionTag)
		}
	}
}

// observeSequence feeds the learner with the latest contiguous 3-event
// type sequence. Once a sequence has occurred learnedThreshold times it
// becomes a synthetic spec requiring all three types in the window.
// Callers hold mu.
func (m *Matcher) observeSequence() {
	if len(m.window) < 3 {
		return
	}
	tail := m.window[len(m.window)-3:]
	seq := [3]string{tail[0].event.EventType, tail[1].event.EventType, tail[2].event.EventType}
	m.seqCounts[seq]++
	if m.seqCounts[seq] == learnedThreshold {
		m.promoteLocked(seq)
	}
}

// Learn ingests a historical sequence and promotes recurring 3-event type
// sequences without touching the live window.
func (m *Matcher) Learn(history []models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i+2 < len(history); i++ {
		seq := [3]string{history[i].EventType, history[i+1].EventType, history[i+2].EventType}
		m.seqCounts[seq]++
		if m.seqCounts[seq] == learnedThreshold {
			m.promoteLocked(seq)
		}
	}
}

func (m *Matcher) promoteLocked(seq [3]string) {
	name := "learned_" + seq[0] + "_" + seq[1] + "_" + seq[2]
	for _, s := range m.specs {
		if s.Name == name {
			return
		}
	}
	types := seq
	m.specs = append(m.specs, Spec{
		Name:  name,
		Globs: []Glob{MustGlob(types[0]), MustGlob(types[1]), MustGlob(types[2])},
		Predicate: func(events []models.Event) bool {
			seen := make(map[string]bool, 3)
			for _, e := range events {
				seen[e.EventType] = true
			}
			return seen[types[0]] && seen[types[1]] && seen[types[2]]
		},
		Severity:  models.SeverityInfo,
		ActionTag: ActionObserveLearned,
	})
	m.log.Info("Learned pattern promoted to spec", "pattern", name)
}
