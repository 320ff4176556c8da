package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is the unit of inter-component exchange arbitrated by the
// coordinator. The coordinator annotates it with attention results and
// synchronization markers before forwarding to the target inbox.
type Message struct {
	ID       uuid.UUID      `json:"id"`
	Type     string         `json:"type"`
	Source   string         `json:"source"`
	Target   string         `json:"target"`
	Priority Priority       `json:"priority,omitempty"`
	Deadline *time.Time     `json:"deadline,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`

	// Signal carries the numeric value for flows subject to oscillation
	// damping. Nil for non-numeric messages.
	Signal *float64 `json:"signal,omitempty"`

	// Weight is an optional probability overlay in [0,1] applied after the
	// attention score. 1 when unset.
	Weight float64 `json:"weight,omitempty"`

	// Annotations attached by the coordinator.
	AttentionScore      float64            `json:"attention_score,omitempty"`
	AttentionComponents map[string]float64 `json:"attention_components,omitempty"`
	Synchronized        bool               `json:"synchronized,omitempty"`
	Dampened            bool               `json:"dampened,omitempty"`

	Causality  Causality `json:"causality"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewMessage builds a message for the given flow.
func NewMessage(source, target, msgType string, payload map[string]any) Message {
	return Message{
		ID:         uuid.New(),
		Type:       msgType,
		Source:     source,
		Target:     target,
		Priority:   PriorityNormal,
		Payload:    payload,
		Weight:     1,
		ReceivedAt: time.Now(),
	}
}

// Flow identifies a directed (source, target) pair for ordering, rate
// limiting and oscillation tracking.
type Flow struct {
	From string
	To   string
}

// Reverse returns the opposite direction of the flow.
func (f Flow) Reverse() Flow { return Flow{From: f.To, To: f.From} }

func (f Flow) String() string { return f.From + "->" + f.To }
