package attention

import "time"

// windowCap bounds each temporal window's entry count.
const windowCap = 1000

// windowScales are the four temporal scales novelty is measured against.
var windowScales = []time.Duration{
	100 * time.Millisecond,
	1 * time.Second,
	10 * time.Second,
	60 * time.Second,
}

type windowEntry struct {
	at    time.Time
	score float64
	hash  uint64
}

// temporalWindow is a bounded sliding window of scored message hashes at
// one scale. Entries older than the scale are ignored by counts but only
// removed by sweep, which uses a 2x grace so counts near the boundary stay
// stable between sweeps.
type temporalWindow struct {
	scale   time.Duration
	entries []windowEntry
}

func newWindows() []*temporalWindow {
	ws := make([]*temporalWindow, len(windowScales))
	for i, scale := range windowScales {
		ws[i] = &temporalWindow{scale: scale}
	}
	return ws
}

func (w *temporalWindow) add(e windowEntry) {
	w.entries = append(w.entries, e)
	if len(w.entries) > windowCap {
		w.entries = w.entries[len(w.entries)-windowCap:]
	}
}

// countHash counts in-scale entries carrying the hash.
func (w *temporalWindow) countHash(hash uint64, now time.Time) int {
	cutoff := now.Add(-w.scale)
	n := 0
	for _, e := range w.entries {
		if e.hash == hash && !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// sweep drops entries older than twice the scale.
func (w *temporalWindow) sweep(now time.Time) {
	cutoff := now.Add(-2 * w.scale)
	trim := 0
	for trim < len(w.entries) && w.entries[trim].at.Before(cutoff) {
		trim++
	}
	w.entries = w.entries[trim:]
}
