package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/viablesystems/synapse/pkg/broker"
	"github.com/viablesystems/synapse/pkg/eventstore"
)

// catchupLimit is the maximum number of events returned in one catchup
// response. Beyond this a catchup.overflow message tells the client to do a
// full REST reload instead of paginating.
const catchupLimit = 200

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action      string `json:"action"` // "subscribe", "unsubscribe", "catchup", "ping"
	Topic       string `json:"topic,omitempty"`
	LastVersion *int64 `json:"last_version,omitempty"` // for catchup on stream topics
}

// Connection is one WebSocket client.
//
// subscriptions is accessed without a lock: all reads and writes happen on
// the single goroutine that owns the connection (HandleConnection's read
// loop and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

type topicState struct {
	conns map[string]bool
	sub   broker.Subscription
}

// ConnectionManager fans broker envelopes out to WebSocket clients. The
// manager holds one broker subscription per topic, created when the first
// client subscribes and torn down when the last one leaves.
type ConnectionManager struct {
	broker       broker.Broker
	store        *eventstore.Store
	writeTimeout time.Duration
	log          *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection

	topicMu sync.RWMutex
	topics  map[string]*topicState
}

// NewConnectionManager builds a manager over the broker. store may be nil;
// it only serves catchup on stream topics.
func NewConnectionManager(b broker.Broker, store *eventstore.Store, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		broker:       b,
		store:        store,
		writeTimeout: writeTimeout,
		log:          slog.With("component", "ws"),
		connections:  make(map[string]*Connection),
		topics:       make(map[string]*topicState),
	}
}

// HandleConnection owns one WebSocket connection. Blocks until the
// connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Topic == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "topic is required for subscribe"})
			return
		}
		if err := m.subscribe(ctx, c, msg.Topic); err != nil {
			m.sendJSON(c, map[string]string{
				"type":    "subscription.error",
				"topic":   msg.Topic,
				"message": "failed to subscribe to topic",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":  "subscription.confirmed",
			"topic": msg.Topic,
		})

	case "unsubscribe":
		if msg.Topic == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "topic is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Topic)

	case "catchup":
		if msg.Topic == "" || msg.LastVersion == nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": "topic and last_version are required for catchup"})
			return
		}
		m.handleCatchup(c, msg.Topic, *msg.LastVersion)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

// subscribe registers the connection on the topic, creating the broker
// subscription when it is the first subscriber. The broker subscribe is
// synchronous so that subscription.confirmed means the feed is live.
func (m *ConnectionManager) subscribe(ctx context.Context, c *Connection, topic string) error {
	m.topicMu.Lock()
	state, exists := m.topics[topic]
	if !exists {
		state = &topicState{conns: make(map[string]bool)}
		m.topics[topic] = state
	}
	state.conns[c.ID] = true
	m.topicMu.Unlock()

	if !exists {
		sub, err := m.broker.Subscribe(ctx, topic, func(_ context.Context, env broker.Envelope) error {
			data, marshalErr := json.Marshal(env)
			if marshalErr != nil {
				return marshalErr
			}
			m.Broadcast(topic, data)
			return nil
		})
		if err != nil {
			m.log.Error("Failed to subscribe broker topic", "topic", topic, "error", err)
			m.topicMu.Lock()
			delete(m.topics, topic)
			m.topicMu.Unlock()
			return err
		}
		m.topicMu.Lock()
		state.sub = sub
		m.topicMu.Unlock()
	}

	c.subscriptions[topic] = true
	return nil
}

// unsubscribe removes the connection from the topic and drops the broker
// subscription when the last subscriber leaves. The drop re-checks the
// topic map so a rapid unsubscribe/resubscribe cycle does not lose the
// broker subscription.
func (m *ConnectionManager) unsubscribe(c *Connection, topic string) {
	m.topicMu.Lock()
	var sub broker.Subscription
	if state, exists := m.topics[topic]; exists {
		delete(state.conns, c.ID)
		if len(state.conns) == 0 {
			delete(m.topics, topic)
			sub = state.sub
		}
	}
	m.topicMu.Unlock()

	if sub != nil {
		go func() {
			m.topicMu.RLock()
			_, resubscribed := m.topics[topic]
			m.topicMu.RUnlock()
			if resubscribed {
				return
			}
			if err := sub.Unsubscribe(context.Background()); err != nil {
				m.log.Error("Failed to drop broker subscription", "topic", topic, "error", err)
			}
		}()
	}

	delete(c.subscriptions, topic)
}

// handleCatchup replays stream events missed since lastVersion. Only
// stream topics are backed by the event store; other topics have no replay
// source.
func (m *ConnectionManager) handleCatchup(c *Connection, topic string, lastVersion int64) {
	streamID, ok := strings.CutPrefix(topic, broker.TopicStream(""))
	if !ok || m.store == nil {
		m.sendJSON(c, map[string]string{"type": "error", "topic": topic, "message": "catchup not available for topic"})
		return
	}

	events := m.store.ReadStream(streamID, lastVersion, catchupLimit+1)
	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, data); err != nil {
			m.log.Warn("Failed to send catchup event", "connection_id", c.ID, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"topic":    topic,
			"has_more": true,
		})
	}
}

// Broadcast sends raw bytes to every connection subscribed to the topic.
func (m *ConnectionManager) Broadcast(topic string, data []byte) {
	m.topicMu.RLock()
	state, exists := m.topics[topic]
	if !exists {
		m.topicMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(state.conns))
	for id := range state.conns {
		ids = append(ids, id)
	}
	m.topicMu.RUnlock()

	// Snapshot connection pointers, then send without holding any lock so
	// a slow client (up to writeTimeout) cannot stall register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, data); err != nil {
			m.log.Warn("Failed to send to WebSocket client", "connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections returns the count of open WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(topic string) int {
	m.topicMu.RLock()
	defer m.topicMu.RUnlock()
	state, ok := m.topics[topic]
	if !ok {
		return 0
	}
	return len(state.conns)
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for topic := range c.subscriptions {
		m.unsubscribe(c, topic)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		m.log.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
