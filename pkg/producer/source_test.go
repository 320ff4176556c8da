package producer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viablesystems/synapse/pkg/config"
)

func TestSyntheticSourceShape(t *testing.T) {
	fn := SyntheticSource("node-1")

	streams := make(map[string]bool, len(syntheticStreams))
	for _, s := range syntheticStreams {
		streams[s] = true
	}

	for i := 0; i < 200; i++ {
		events := fn()
		require.LessOrEqual(t, len(events), 3)
		for _, e := range events {
			assert.True(t, streams[e.StreamID], "unexpected stream %q", e.StreamID)
			assert.Equal(t, SyntheticEventType, e.EventType)
			assert.Equal(t, "node-1", e.Payload["node"])

			level, ok := e.Payload["level"].(float64)
			require.True(t, ok)
			assert.GreaterOrEqual(t, level, 0.0)
			assert.LessOrEqual(t, level, 1.0)
		}
	}
}

func TestSyntheticSourceFeedsBuffer(t *testing.T) {
	cfg := &config.ProducerConfig{BufferSize: 100, PollInterval: time.Millisecond}
	p := startProducer(t, cfg, WithPollFn(SyntheticSource("node-1")))

	// Zero-event polls are allowed, so wait for any fill rather than an
	// exact level.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Buffered > 0 {
			events := p.Request(1)
			require.Len(t, events, 1)
			assert.Equal(t, SyntheticEventType, events[0].EventType)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("poll source never produced an event")
}
