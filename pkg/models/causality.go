package models

import (
	"context"

	"github.com/google/uuid"
)

// Causality is the tracing envelope carried on every broker message. The
// trace ID survives the whole causal chain; each hop gets a fresh span with
// the previous span as parent and an incremented chain depth.
type Causality struct {
	TraceID      string `json:"trace_id,omitempty"`
	SpanID       string `json:"span_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
	ChainDepth   int    `json:"chain_depth,omitempty"`
	OriginNode   string `json:"origin_node,omitempty"`
}

// IsZero reports whether no causality context has been established.
func (c Causality) IsZero() bool { return c.TraceID == "" }

// Child derives the envelope for the next hop: same trace, new span,
// current span as parent, depth incremented. A zero receiver starts a new
// trace rooted at originNode.
func (c Causality) Child(originNode string) Causality {
	next := Causality{
		SpanID:     uuid.New().String(),
		ChainDepth: c.ChainDepth + 1,
		OriginNode: c.OriginNode,
	}
	if c.IsZero() {
		next.TraceID = uuid.New().String()
		next.OriginNode = originNode
		next.ChainDepth = 1
		return next
	}
	next.TraceID = c.TraceID
	next.ParentSpanID = c.SpanID
	return next
}

type causalityKey struct{}

// WithCausality stores the envelope on the context for downstream sends.
func WithCausality(ctx context.Context, c Causality) context.Context {
	return context.WithValue(ctx, causalityKey{}, c)
}

// CausalityFrom restores the envelope from the context. Returns the zero
// value when no envelope has been propagated.
func CausalityFrom(ctx context.Context) Causality {
	if c, ok := ctx.Value(causalityKey{}).(Causality); ok {
		return c
	}
	return Causality{}
}
