package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// inprocInboxSize bounds each subscriber's delivery queue.
	inprocInboxSize = 256

	// deliveryAttempts is how often a failing handler is retried before
	// the envelope is dropped.
	deliveryAttempts = 3

	// redeliveryBackoff is the initial wait between attempts; it doubles
	// per retry.
	redeliveryBackoff = 10 * time.Millisecond
)

// InProc is the in-process broker used in single-node deployments and
// tests. Delivery is asynchronous per subscriber with bounded queues;
// handler errors trigger bounded redelivery.
type InProc struct {
	node string
	log  *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]*inprocSub
	closed bool
	wg     sync.WaitGroup
}

type inprocSub struct {
	broker  *InProc
	topic   string
	handler Handler
	ch      chan Envelope
	done    chan struct{}
	once    sync.Once
}

// NewInProc creates an in-process broker identified as node in causality
// envelopes.
func NewInProc(node string) *InProc {
	return &InProc{
		node: node,
		log:  slog.With("component", "broker", "kind", "inproc"),
		subs: make(map[string][]*inprocSub),
	}
}

// Publish delivers the payload to every current subscriber of the topic.
func (b *InProc) Publish(ctx context.Context, topic string, payload any) error {
	env, err := newEnvelope(ctx, b.node, topic, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	subs := append([]*inprocSub(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- env:
		case <-sub.done:
		default:
			b.log.Warn("Subscriber queue full, envelope dropped", "topic", topic)
		}
	}
	return nil
}

// Subscribe registers a handler for the topic and starts its delivery
// worker.
func (b *InProc) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	sub := &inprocSub{
		broker:  b,
		topic:   topic,
		handler: handler,
		ch:      make(chan Envelope, inprocInboxSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, context.Canceled
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Close stops all subscriptions and waits for in-flight deliveries.
func (b *InProc) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	var all []*inprocSub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*inprocSub)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}

	waitDone := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *inprocSub) run() {
	defer s.broker.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case env := <-s.ch:
			s.deliver(env)
		}
	}
}

// deliver invokes the handler with bounded redelivery. Ack-after-process:
// an envelope counts as consumed only when the handler returns nil.
func (s *inprocSub) deliver(env Envelope) {
	ctx := handlerContext(context.Background(), env)
	backoff := redeliveryBackoff
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if err := s.handler(ctx, env); err == nil {
			return
		} else if attempt < deliveryAttempts {
			s.broker.log.Debug("Handler failed, redelivering",
				"topic", s.topic, "attempt", attempt, "error", err)
			select {
			case <-s.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		} else {
			s.broker.log.Error("Envelope dropped after redelivery attempts",
				"topic", s.topic, "envelope_id", env.ID, "error", err)
		}
	}
}

func (s *inprocSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription and stops its worker.
func (s *inprocSub) Unsubscribe(_ context.Context) error {
	b := s.broker
	b.mu.Lock()
	subs := b.subs[s.topic]
	for i, candidate := range subs {
		if candidate == s {
			b.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	s.stop()
	return nil
}
