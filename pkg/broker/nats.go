package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS is the clustered transport: envelopes are JSON-marshaled onto NATS
// subjects. Durability and redelivery are weaker than the Postgres broker;
// handler errors get bounded local retries only.
type NATS struct {
	node string
	conn *nats.Conn
	log  *slog.Logger

	mu   sync.Mutex
	subs []*natsSub
}

type natsSub struct {
	broker  *NATS
	topic   string
	handler Handler
	sub     *nats.Subscription
}

// NewNATS connects to the NATS server at url.
func NewNATS(node, url string) (*NATS, error) {
	log := slog.With("component", "broker", "kind", "nats")
	opts := []nats.Option{
		nats.Name("synapse-" + node),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info("NATS reconnected", "url", conn.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("NATS error", "error", err)
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", "url", conn.ConnectedUrl())
	return &NATS{node: node, conn: conn, log: log}, nil
}

// Publish marshals the envelope onto the topic subject.
func (b *NATS) Publish(ctx context.Context, topic string, payload any) error {
	env, err := newEnvelope(ctx, b.node, topic, payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler on the topic subject.
func (b *NATS) Subscribe(_ context.Context, topic string, handler Handler) (Subscription, error) {
	ns := &natsSub{broker: b, topic: topic, handler: handler}
	sub, err := b.conn.Subscribe(topic, ns.onMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	ns.sub = sub

	b.mu.Lock()
	b.subs = append(b.subs, ns)
	b.mu.Unlock()

	b.log.Debug("Subscribed to subject", "subject", topic)
	return ns, nil
}

func (ns *natsSub) onMessage(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		ns.broker.log.Error("Malformed envelope", "subject", ns.topic, "error", err)
		return
	}

	ctx := handlerContext(context.Background(), env)
	backoff := redeliveryBackoff
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if err := ns.handler(ctx, env); err == nil {
			return
		} else if attempt < deliveryAttempts {
			time.Sleep(backoff)
			backoff *= 2
		} else {
			ns.broker.log.Error("Envelope dropped after redelivery attempts",
				"subject", ns.topic, "envelope_id", env.ID, "error", err)
		}
	}
}

// Unsubscribe removes the subscription.
func (ns *natsSub) Unsubscribe(_ context.Context) error {
	b := ns.broker
	b.mu.Lock()
	for i, candidate := range b.subs {
		if candidate == ns {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	return ns.sub.Unsubscribe()
}

// Close drains the connection so in-flight messages finish dispatching.
func (b *NATS) Close(_ context.Context) error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
