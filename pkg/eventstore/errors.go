package eventstore

import (
	"errors"
	"fmt"
)

// ErrSubscriberDead is returned when delivery to a subscriber inbox fails
// after the bounded retry budget. The subscriber is removed; events stay
// durable in the store.
var ErrSubscriberDead = errors.New("subscriber dead")

// ErrNoSnapshot is returned by LoadSnapshot when the stream has none.
var ErrNoSnapshot = errors.New("no snapshot for stream")

// ConcurrencyConflictError reports an append rejected by the optimistic
// concurrency check. CurrentVersion is the version observed at check time;
// callers retry by re-reading from it.
type ConcurrencyConflictError struct {
	StreamID        string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, current %d",
		e.StreamID, e.ExpectedVersion, e.CurrentVersion)
}

// IsConcurrencyConflict reports whether err is a concurrency conflict and
// returns the observed version.
func IsConcurrencyConflict(err error) (int64, bool) {
	var c *ConcurrencyConflictError
	if errors.As(err, &c) {
		return c.CurrentVersion, true
	}
	return 0, false
}
