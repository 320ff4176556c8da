package coordinator

import (
	"time"
)

// crisisDetections is how many oscillation detections within one window
// escalate to a crisis.
const crisisDetections = 5

type signalSample struct {
	at    time.Time
	value float64
}

// oscillationDetector watches one flow's numeric signals over a sliding
// window and counts direction changes. Enough reversals in the window mean
// the flow is oscillating and its signal should be attenuated.
type oscillationDetector struct {
	window    time.Duration
	threshold int

	samples    []signalSample
	detections []time.Time
}

func newOscillationDetector(window time.Duration, threshold int) *oscillationDetector {
	return &oscillationDetector{window: window, threshold: threshold}
}

// observe records a sample and reports whether the flow currently
// oscillates and whether detections have piled up into a crisis.
func (d *oscillationDetector) observe(value float64, now time.Time) (oscillating, crisis bool) {
	d.samples = append(d.samples, signalSample{at: now, value: value})
	d.prune(now)

	if d.directionChanges() <= d.threshold {
		return false, false
	}

	d.detections = append(d.detections, now)
	return true, len(d.detections) > crisisDetections
}

// oscillatingAt reports whether a detection is still inside the window.
// Lets non-numeric traffic on the flow be marked without contributing a
// sample.
func (d *oscillationDetector) oscillatingAt(now time.Time) bool {
	d.prune(now)
	return len(d.detections) > 0
}

func (d *oscillationDetector) prune(now time.Time) {
	cutoff := now.Add(-d.window)
	trim := 0
	for trim < len(d.samples) && d.samples[trim].at.Before(cutoff) {
		trim++
	}
	d.samples = d.samples[trim:]

	trim = 0
	for trim < len(d.detections) && d.detections[trim].Before(cutoff) {
		trim++
	}
	d.detections = d.detections[trim:]
}

// directionChanges counts sign reversals between consecutive deltas.
func (d *oscillationDetector) directionChanges() int {
	if len(d.samples) < 3 {
		return 0
	}
	changes := 0
	prevDir := 0
	for i := 1; i < len(d.samples); i++ {
		delta := d.samples[i].value - d.samples[i-1].value
		dir := 0
		if delta > 0 {
			dir = 1
		} else if delta < 0 {
			dir = -1
		}
		if dir != 0 && prevDir != 0 && dir != prevDir {
			changes++
		}
		if dir != 0 {
			prevDir = dir
		}
	}
	return changes
}
