package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// notifyLimit is PostgreSQL's NOTIFY payload budget with headroom. Larger
// envelopes are truncated to a routing stub; receivers fetch the full row
// by sequence number.
const notifyLimit = 7900

// listenCmd represents a LISTEN/UNLISTEN command to be executed by the
// receive loop, which is the sole goroutine that touches the pgx
// connection.
type listenCmd struct {
	sql    string
	result chan error
}

// Postgres is the durable broker: every publish persists the envelope to
// broker_events and broadcasts it via pg_notify in a single transaction,
// so the insert and the notification commit atomically. A dedicated LISTEN
// connection receives notifications and dispatches them to local
// subscribers; missed envelopes are recovered from the table by sequence
// number on reconnect.
type Postgres struct {
	node       string
	db         *sql.DB
	connString string
	log        *slog.Logger

	conn   *pgx.Conn // Dedicated connection for LISTEN
	connMu sync.Mutex

	// cmdCh serializes LISTEN/UNLISTEN through the receive loop. This
	// avoids the "conn busy" race between WaitForNotification and Exec.
	cmdCh   chan listenCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	subMu    sync.RWMutex
	subs     map[string][]*pgSub
	channels map[string]bool // Currently LISTENing channels
	wg       sync.WaitGroup
}

type pgSub struct {
	broker  *Postgres
	topic   string
	handler Handler
	queue   chan Envelope
	done    chan struct{}
	once    sync.Once
	lastAck atomic.Int64
}

// NewPostgres creates a Postgres broker over an open pool. connString is
// used for the dedicated LISTEN connection.
func NewPostgres(node string, db *sql.DB, connString string) *Postgres {
	return &Postgres{
		node:       node,
		db:         db,
		connString: connString,
		log:        slog.With("component", "broker", "kind", "postgres"),
		cmdCh:      make(chan listenCmd, 16),
		subs:       make(map[string][]*pgSub),
		channels:   make(map[string]bool),
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving
// notifications.
func (b *Postgres) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, b.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()
	b.running.Store(true)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancelLoop = cancel
	b.loopDone = make(chan struct{})
	go func() {
		defer close(b.loopDone)
		b.receiveLoop(loopCtx)
	}()

	b.log.Info("Postgres broker started")
	return nil
}

// Publish persists the envelope and broadcasts it atomically.
func (b *Postgres) Publish(ctx context.Context, topic string, payload any) error {
	env, err := newEnvelope(ctx, b.node, topic, payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var parentSpan *string
	if env.Causality.ParentSpanID != "" {
		parentSpan = &env.Causality.ParentSpanID
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO broker_events (topic, payload, trace_id, span_id, parent_span_id, chain_depth, origin_node, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		topic, []byte(env.Payload), env.Causality.TraceID, env.Causality.SpanID,
		parentSpan, env.Causality.ChainDepth, env.Causality.OriginNode, env.PublishedAt,
	).Scan(&env.SeqID)
	if err != nil {
		return fmt.Errorf("failed to persist envelope: %w", err)
	}

	notifyPayload, err := b.notifyPayload(env)
	if err != nil {
		return err
	}

	// pg_notify within the same transaction - held until COMMIT.
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", topic, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit publish transaction: %w", err)
	}
	return nil
}

// notifyPayload marshals the envelope for NOTIFY, falling back to a
// routing stub when it exceeds the payload budget.
func (b *Postgres) notifyPayload(env Envelope) (string, error) {
	full, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(full) <= notifyLimit {
		return string(full), nil
	}

	stub, err := json.Marshal(map[string]any{
		"seq_id":    env.SeqID,
		"topic":     env.Topic,
		"truncated": true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncation stub: %w", err)
	}
	return string(stub), nil
}

// Subscribe registers a handler and LISTENs on the topic channel. Only
// envelopes published after the subscription are delivered; use
// SubscribeFrom for catchup.
func (b *Postgres) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	return b.SubscribeFrom(ctx, topic, 0, handler)
}

// SubscribeFrom registers a handler and first replays persisted envelopes
// with sequence numbers greater than sinceSeq.
func (b *Postgres) SubscribeFrom(ctx context.Context, topic string, sinceSeq int64, handler Handler) (Subscription, error) {
	if !b.running.Load() {
		return nil, fmt.Errorf("LISTEN connection not established")
	}

	sub := &pgSub{
		broker:  b,
		topic:   topic,
		handler: handler,
		queue:   make(chan Envelope, inprocInboxSize),
		done:    make(chan struct{}),
	}
	sub.lastAck.Store(sinceSeq)

	if err := b.listen(ctx, topic); err != nil {
		return nil, err
	}

	b.subMu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.wg.Add(1)
	b.subMu.Unlock()
	go sub.run()

	if sinceSeq > 0 {
		if err := b.catchup(ctx, sub); err != nil {
			b.log.Warn("Catchup failed", "topic", topic, "error", err)
		}
	}
	return sub, nil
}

// listen sends LISTEN for a channel on the dedicated connection. The
// command is executed by the receive loop to avoid concurrent pgx access.
func (b *Postgres) listen(ctx context.Context, channel string) error {
	b.subMu.Lock()
	already := b.channels[channel]
	b.subMu.Unlock()
	if already {
		return nil
	}

	if err := b.execListenCmd(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTEN %s failed: %w", channel, err)
	}
	b.subMu.Lock()
	b.channels[channel] = true
	b.subMu.Unlock()
	b.log.Debug("Listening on channel", "channel", channel)
	return nil
}

func (b *Postgres) unlisten(ctx context.Context, channel string) error {
	if err := b.execListenCmd(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("UNLISTEN %s failed: %w", channel, err)
	}
	b.subMu.Lock()
	delete(b.channels, channel)
	b.subMu.Unlock()
	return nil
}

func (b *Postgres) execListenCmd(ctx context.Context, sqlText string) error {
	cmd := listenCmd{sql: sqlText, result: make(chan error, 1)}
	select {
	case b.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// catchup replays persisted envelopes the subscriber has not acked yet.
func (b *Postgres) catchup(ctx context.Context, sub *pgSub) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, payload, trace_id, span_id, COALESCE(parent_span_id::text, ''), chain_depth, origin_node, published_at
		 FROM broker_events WHERE topic = $1 AND id > $2 ORDER BY id`,
		sub.topic, sub.lastAck.Load())
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		env := Envelope{Topic: sub.topic}
		var payload []byte
		if err := rows.Scan(&env.SeqID, &payload, &env.Causality.TraceID, &env.Causality.SpanID,
			&env.Causality.ParentSpanID, &env.Causality.ChainDepth, &env.Causality.OriginNode,
			&env.PublishedAt); err != nil {
			return err
		}
		env.Payload = payload
		select {
		case sub.queue <- env:
		case <-sub.done:
			return nil
		}
	}
	return rows.Err()
}

// fetchEnvelope loads a full envelope by sequence number. Used when the
// NOTIFY payload was truncated.
func (b *Postgres) fetchEnvelope(ctx context.Context, seq int64) (Envelope, error) {
	var env Envelope
	var payload []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT id, topic, payload, trace_id, span_id, COALESCE(parent_span_id::text, ''), chain_depth, origin_node, published_at
		 FROM broker_events WHERE id = $1`, seq).
		Scan(&env.SeqID, &env.Topic, &payload, &env.Causality.TraceID, &env.Causality.SpanID,
			&env.Causality.ParentSpanID, &env.Causality.ChainDepth, &env.Causality.OriginNode,
			&env.PublishedAt)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = payload
	return env, nil
}

// receiveLoop continuously receives notifications and dispatches them to
// local subscribers. It is the sole goroutine touching the pgx connection.
func (b *Postgres) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.processPendingCmds(ctx)

		b.connMu.Lock()
		conn := b.conn
		b.connMu.Unlock()
		if conn == nil {
			b.reconnect(ctx)
			continue
		}

		// Short timeout so pending LISTEN/UNLISTEN commands get processed.
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			b.log.Error("NOTIFY receive error", "error", err)
			b.reconnect(ctx)
			continue
		}

		b.dispatch(ctx, notification.Channel, []byte(notification.Payload))
	}
}

func (b *Postgres) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-b.cmdCh:
			b.connMu.Lock()
			conn := b.conn
			b.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// dispatch decodes a notification and queues it for the topic's
// subscribers, fetching the full row when the payload was truncated.
func (b *Postgres) dispatch(ctx context.Context, channel string, payload []byte) {
	var probe struct {
		SeqID     int64 `json:"seq_id"`
		Truncated bool  `json:"truncated"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		b.log.Error("Malformed NOTIFY payload", "channel", channel, "error", err)
		return
	}

	var env Envelope
	if probe.Truncated {
		fetched, err := b.fetchEnvelope(ctx, probe.SeqID)
		if err != nil {
			b.log.Error("Failed to fetch truncated envelope", "seq_id", probe.SeqID, "error", err)
			return
		}
		env = fetched
	} else if err := json.Unmarshal(payload, &env); err != nil {
		b.log.Error("Malformed envelope", "channel", channel, "error", err)
		return
	}

	b.subMu.RLock()
	subs := append([]*pgSub(nil), b.subs[channel]...)
	b.subMu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.queue <- env:
		case <-sub.done:
		default:
			b.log.Warn("Subscriber queue full, relying on catchup", "topic", channel)
		}
	}
}

// reconnect re-establishes the LISTEN connection with backoff, re-LISTENs
// every channel, and replays what subscribers missed while disconnected.
func (b *Postgres) reconnect(ctx context.Context) {
	b.connMu.Lock()
	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}
	b.connMu.Unlock()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, b.connString)
		if err != nil {
			b.log.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}

		b.connMu.Lock()
		b.conn = conn
		b.connMu.Unlock()

		b.subMu.RLock()
		channels := make([]string, 0, len(b.channels))
		for ch := range b.channels {
			channels = append(channels, ch)
		}
		var subs []*pgSub
		for _, topicSubs := range b.subs {
			subs = append(subs, topicSubs...)
		}
		b.subMu.RUnlock()

		for _, ch := range channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				b.log.Error("Re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		for _, sub := range subs {
			if err := b.catchup(ctx, sub); err != nil {
				b.log.Error("Post-reconnect catchup failed", "topic", sub.topic, "error", err)
			}
		}

		b.log.Info("Postgres broker reconnected")
		return
	}
}

// Close stops the receive loop, waits for subscriber workers, and closes
// the LISTEN connection. The pooled *sql.DB is owned by the caller.
func (b *Postgres) Close(ctx context.Context) error {
	b.running.Store(false)
	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	if b.loopDone != nil {
		<-b.loopDone
	}

	b.subMu.Lock()
	var all []*pgSub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*pgSub)
	b.channels = make(map[string]bool)
	b.subMu.Unlock()
	for _, sub := range all {
		sub.stop()
	}
	b.wg.Wait()

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}
	return nil
}

func (s *pgSub) run() {
	defer s.broker.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case env := <-s.queue:
			s.deliver(env)
		}
	}
}

// deliver invokes the handler with bounded retries and records the ack
// watermark on success. Unacked sequence numbers are replayed by catchup.
func (s *pgSub) deliver(env Envelope) {
	ctx := handlerContext(context.Background(), env)
	backoff := redeliveryBackoff
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if err := s.handler(ctx, env); err == nil {
			if env.SeqID > s.lastAck.Load() {
				s.lastAck.Store(env.SeqID)
			}
			return
		} else if attempt < deliveryAttempts {
			select {
			case <-s.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		} else {
			s.broker.log.Error("Envelope delivery failed, left for catchup",
				"topic", s.topic, "seq_id", env.SeqID, "error", err)
		}
	}
}

func (s *pgSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription, UNLISTENing the channel when it
// was the topic's last subscriber.
func (s *pgSub) Unsubscribe(ctx context.Context) error {
	b := s.broker
	b.subMu.Lock()
	subs := b.subs[s.topic]
	for i, candidate := range subs {
		if candidate == s {
			b.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	remaining := len(b.subs[s.topic])
	b.subMu.Unlock()

	s.stop()
	if remaining == 0 && b.running.Load() {
		return b.unlisten(ctx, s.topic)
	}
	return nil
}
