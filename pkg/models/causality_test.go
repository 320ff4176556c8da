package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCausalityChildStartsNewTrace(t *testing.T) {
	var zero Causality
	require.True(t, zero.IsZero())

	c := zero.Child("node-a")
	assert.NotEmpty(t, c.TraceID)
	assert.NotEmpty(t, c.SpanID)
	assert.Empty(t, c.ParentSpanID)
	assert.Equal(t, 1, c.ChainDepth)
	assert.Equal(t, "node-a", c.OriginNode)
}

func TestCausalityChildPropagatesTrace(t *testing.T) {
	root := Causality{}.Child("node-a")

	hop := root.Child("node-b")
	assert.Equal(t, root.TraceID, hop.TraceID)
	assert.Equal(t, root.SpanID, hop.ParentSpanID)
	assert.NotEqual(t, root.SpanID, hop.SpanID)
	assert.Equal(t, 2, hop.ChainDepth)
	// Origin node is set once at trace creation and never rewritten.
	assert.Equal(t, "node-a", hop.OriginNode)
}

func TestCausalityContextRoundTrip(t *testing.T) {
	c := Causality{}.Child("node-a")
	ctx := WithCausality(context.Background(), c)
	assert.Equal(t, c, CausalityFrom(ctx))

	assert.True(t, CausalityFrom(context.Background()).IsZero())
}

func TestEventClone(t *testing.T) {
	e := NewEvent("stream-1", "system1.operation.completed", map[string]any{"k": 1})
	e.Metadata = map[string]any{"source": "test"}

	c := e.Clone()
	c.Payload["k"] = 2
	c.Metadata["source"] = "other"

	assert.Equal(t, 1, e.Payload["k"])
	assert.Equal(t, "test", e.Metadata["source"])
}

func TestFlowReverse(t *testing.T) {
	f := Flow{From: "a", To: "b"}
	assert.Equal(t, Flow{From: "b", To: "a"}, f.Reverse())
	assert.Equal(t, "a->b", f.String())
}

func TestEnums(t *testing.T) {
	assert.True(t, PriorityCritical.IsValid())
	assert.False(t, Priority("urgent").IsValid())
	assert.True(t, SeverityWarning.IsValid())
	assert.False(t, Severity("fatal").IsValid())
}
