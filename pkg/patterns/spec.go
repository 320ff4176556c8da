package patterns

import (
	"time"

	"github.com/viablesystems/synapse/pkg/models"
)

// Action tags dispatched on pattern match.
const (
	ActionRebalanceVariety  = "rebalance_variety"
	ActionAutonomicResponse = "trigger_autonomic_response"
	ActionLimitRecursion    = "limit_recursion"
	ActionRestartCoord      = "restart_coordination"
	ActionScaleIntelligence = "scale_intelligence"
	ActionAnalyzeEmergence  = "analyze_emergence"
	ActionEnforcePolicies   = "enforce_policies"
	ActionObserveLearned    = "observe_learned_pattern"
)

// Predicate decides whether the relevant, recent window events constitute a
// match. Predicates must be pure: same events, same verdict.
type Predicate func(events []models.Event) bool

// Spec is a configured complex-event pattern.
type Spec struct {
	Name      string
	Globs     []Glob
	Predicate Predicate
	Severity  models.Severity
	ActionTag string
}

// Match is an emitted pattern detection.
type Match struct {
	PatternName   string          `json:"pattern_name"`
	Severity      models.Severity `json:"severity"`
	ActionTag     string          `json:"action_tag"`
	MatchedEvents []models.Event  `json:"matched_events"`
	Confidence    float64         `json:"confidence"`
	Timestamp     time.Time       `json:"timestamp"`
}

// countMatching counts events whose type matches the glob.
func countMatching(events []models.Event, g Glob) int {
	n := 0
	for _, e := range events {
		if g.Match(e.EventType) {
			n++
		}
	}
	return n
}

// BuiltinSpecs returns the canonical pattern set.
func BuiltinSpecs() []Spec {
	return []Spec{
		{
			Name:  "variety_imbalance",
			Globs: []Glob{MustGlob("variety.amplified"), MustGlob("variety.filtered")},
			Predicate: func(events []models.Event) bool {
				amplified := countMatching(events, MustGlob("variety.amplified"))
				filtered := countMatching(events, MustGlob("variety.filtered"))
				// Zero filtered events: treat the ratio as the amplified count.
				if filtered == 0 {
					return float64(amplified) > 3
				}
				return float64(amplified)/float64(filtered) > 3
			},
			Severity:  models.SeverityWarning,
			ActionTag: ActionRebalanceVariety,
		},
		{
			Name: "algedonic_cascade",
			// One wildcard per glob: "system*.degraded" covers any
			// subsystem and any depth before the .degraded suffix.
			Globs: []Glob{MustGlob("algedonic.pain.detected"), MustGlob("system*.degraded")},
			Predicate: func(events []models.Event) bool {
				pain := countMatching(events, MustGlob("algedonic.pain.detected"))
				degraded := countMatching(events, MustGlob("system*.degraded"))
				return pain >= 1 && degraded >= 2
			},
			Severity:  models.SeverityCritical,
			ActionTag: ActionAutonomicResponse,
		},
		{
			Name:  "recursive_explosion",
			Globs: []Glob{MustGlob("recursion.meta_vsm.spawned")},
			Predicate: func(events []models.Event) bool {
				return countMatching(events, MustGlob("recursion.meta_vsm.spawned")) > 5
			},
			Severity:  models.SeverityCritical,
			ActionTag: ActionLimitRecursion,
		},
		{
			Name:  "coordination_failure",
			Globs: []Glob{MustGlob("system2.coordination.failed"), MustGlob("system1.operation.timeout")},
			Predicate: func(events []models.Event) bool {
				failures := countMatching(events, MustGlob("system2.coordination.failed"))
				timeouts := countMatching(events, MustGlob("system1.operation.timeout"))
				return failures >= 3 || timeouts >= 5
			},
			Severity:  models.SeverityWarning,
			ActionTag: ActionRestartCoord,
		},
		{
			Name:  "intelligence_overload",
			Globs: []Glob{MustGlob("system4.intelligence.analyzed"), MustGlob("system4.analysis.timeout")},
			Predicate: func(events []models.Event) bool {
				analyzed := countMatching(events, MustGlob("system4.intelligence.analyzed"))
				timeouts := countMatching(events, MustGlob("system4.analysis.timeout"))
				if analyzed == 0 {
					return false
				}
				return float64(timeouts)/float64(analyzed) > 0.3
			},
			Severity:  models.SeverityWarning,
			ActionTag: ActionScaleIntelligence,
		},
		{
			Name: "emergent_behavior",
			// The grammar allows a single wildcard, so the five VSM
			// subsystems each get their own unexpected.* glob.
			Globs: []Glob{
				MustGlob("emergent.*"),
				MustGlob("system1.unexpected.*"),
				MustGlob("system2.unexpected.*"),
				MustGlob("system3.unexpected.*"),
				MustGlob("system4.unexpected.*"),
				MustGlob("system5.unexpected.*"),
			},
			Predicate: func(events []models.Event) bool {
				return len(events) >= 3
			},
			Severity:  models.SeverityInfo,
			ActionTag: ActionAnalyzeEmergence,
		},
		{
			Name:  "policy_violation_cascade",
			Globs: []Glob{MustGlob("system5.policy.violated"), MustGlob("system3.control.override")},
			Predicate: func(events []models.Event) bool {
				violations := countMatching(events, MustGlob("system5.policy.violated"))
				overrides := countMatching(events, MustGlob("system3.control.override"))
				return violations >= 2 && overrides >= 1
			},
			Severity:  models.SeverityCritical,
			ActionTag: ActionEnforcePolicies,
		},
	}
}
