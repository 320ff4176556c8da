package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/viablesystems/synapse/pkg/models"
)

// Envelope wraps every published payload with identity and causality. The
// causality chain is extended on publish and restored into the handler's
// context on receive.
type Envelope struct {
	ID          uuid.UUID        `json:"id"`
	Topic       string           `json:"topic"`
	Payload     json.RawMessage  `json:"payload"`
	Causality   models.Causality `json:"causality"`
	PublishedAt time.Time        `json:"published_at"`

	// SeqID is the durable sequence number assigned by persistent brokers.
	// Zero for transient transports.
	SeqID int64 `json:"seq_id,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Handler processes one delivered envelope. Returning nil acknowledges the
// message; an error triggers redelivery.
type Handler func(ctx context.Context, env Envelope) error

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe(ctx context.Context) error
}

// Broker is durable publish/subscribe between substrate components and
// nodes. Implementations: in-process (default), PostgreSQL NOTIFY with a
// persistent event table, and NATS.
type Broker interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
}

// newEnvelope builds an envelope for a publish, extending the causality
// chain found on the context.
func newEnvelope(ctx context.Context, originNode, topic string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		ID:          uuid.New(),
		Topic:       topic,
		Payload:     raw,
		Causality:   models.CausalityFrom(ctx).Child(originNode),
		PublishedAt: time.Now().UTC(),
	}, nil
}

// handlerContext restores the envelope's causality onto a context so the
// handler's own publishes continue the chain.
func handlerContext(ctx context.Context, env Envelope) context.Context {
	return models.WithCausality(ctx, env.Causality)
}
