package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobExact(t *testing.T) {
	g, err := CompileGlob("variety.amplified")
	require.NoError(t, err)
	assert.True(t, g.Match("variety.amplified"))
	assert.False(t, g.Match("variety.amplified.more"))
	assert.False(t, g.Match("variety"))
}

func TestGlobPrefix(t *testing.T) {
	g := MustGlob("emergent.*")
	assert.True(t, g.Match("emergent.behavior"))
	assert.True(t, g.Match("emergent."))
	assert.False(t, g.Match("emergen"))
}

func TestGlobSuffix(t *testing.T) {
	g := MustGlob("*.degraded")
	assert.True(t, g.Match("system1.operation.degraded"))
	assert.False(t, g.Match("degraded.system"))
}

func TestGlobMiddle(t *testing.T) {
	g := MustGlob("system*.degraded")
	assert.True(t, g.Match("system1.operation.degraded"))
	assert.True(t, g.Match("system5.degraded"))
	assert.False(t, g.Match("subsystem1.degraded"))
	// No overlap: prefix+suffix must both fit.
	assert.False(t, g.Match("system"))
}

func TestGlobRejectsMultipleWildcards(t *testing.T) {
	_, err := CompileGlob("system*.*.degraded")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one wildcard")

	assert.Panics(t, func() { MustGlob("a*b*c") })
}
