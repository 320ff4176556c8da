package producer

import (
	"math/rand/v2"

	"github.com/viablesystems/synapse/pkg/models"
)

// Telemetry streams fed by the built-in poll source.
var syntheticStreams = []string{
	"telemetry:cpu",
	"telemetry:memory",
	"telemetry:io",
}

// SyntheticEventType is the event type of built-in poll samples.
const SyntheticEventType = "telemetry.sample"

// SyntheticSource returns a PollFn yielding zero to three telemetry
// samples per poll. Each sample is a bounded random walk in [0, 1] on one
// of the telemetry streams, which keeps the pipeline, analytics windows
// and oscillation dampers fed even when no external source is attached.
// Not safe for concurrent use; the producer calls it from its run loop
// only.
func SyntheticSource(nodeID string) PollFn {
	levels := make([]float64, len(syntheticStreams))
	for i := range levels {
		levels[i] = 0.5
	}
	return func() []models.Event {
		n := rand.IntN(4)
		if n == 0 {
			return nil
		}
		events := make([]models.Event, 0, n)
		for i := 0; i < n; i++ {
			idx := rand.IntN(len(syntheticStreams))
			levels[idx] += (rand.Float64() - 0.5) * 0.1
			if levels[idx] < 0 {
				levels[idx] = 0
			}
			if levels[idx] > 1 {
				levels[idx] = 1
			}
			events = append(events, models.NewEvent(syntheticStreams[idx], SyntheticEventType, map[string]any{
				"level": levels[idx],
				"node":  nodeID,
			}))
		}
		return events
	}
}
