package eventstore

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viablesystems/synapse/pkg/models"
)

// DefaultInboxSize is the subscriber inbox capacity when 0 is requested.
const DefaultInboxSize = 256

// deliverRetries and deliverRetryWait bound how long a committed event may
// wait on a full subscriber inbox before the subscriber is declared dead.
const (
	deliverRetries   = 3
	deliverRetryWait = 10 * time.Millisecond
)

// Subscriber is an opaque recipient handle with a bounded inbox. Delivery
// failure invalidates the handle: the store closes it and removes it from
// fan-out. Consumers range over Events() until it is closed.
type Subscriber struct {
	id    uuid.UUID
	inbox chan models.Event
	done  chan struct{}

	closeOnce sync.Once
	inboxOnce sync.Once
}

// NewSubscriber creates a subscriber with the given inbox capacity.
func NewSubscriber(capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = DefaultInboxSize
	}
	return &Subscriber{
		id:    uuid.New(),
		inbox: make(chan models.Event, capacity),
		done:  make(chan struct{}),
	}
}

// ID returns the subscriber's opaque identifier.
func (s *Subscriber) ID() uuid.UUID { return s.id }

// Events is the subscriber's inbox. Closed by the store once the handle is
// invalidated and removed from fan-out.
func (s *Subscriber) Events() <-chan models.Event { return s.inbox }

// Close invalidates the handle. The store removes it (and closes the inbox)
// on the next delivery attempt or unsubscribe. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// closed reports whether the subscriber has been invalidated.
func (s *Subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// closeInbox closes the event channel. Called only by the store, under its
// dispatch lock, after the subscriber has been removed from fan-out — this
// ordering is what makes sends and the close race-free.
func (s *Subscriber) closeInbox() {
	s.closeOnce.Do(func() { close(s.done) })
	s.inboxOnce.Do(func() { close(s.inbox) })
}

// deliver pushes one event, retrying briefly on a full inbox. Events are
// copies — subscribers never share mutable state with the store.
func (s *Subscriber) deliver(e models.Event) error {
	if s.closed() {
		return ErrSubscriberDead
	}
	for attempt := 0; attempt <= deliverRetries; attempt++ {
		select {
		case <-s.done:
			return ErrSubscriberDead
		case s.inbox <- e.Clone():
			return nil
		default:
		}
		if attempt < deliverRetries {
			time.Sleep(deliverRetryWait)
		}
	}
	return ErrSubscriberDead
}
