// Package producer implements the ingest stage: a bounded FIFO buffer with
// a drop-oldest overflow policy, fed by event store subscriptions, direct
// injection, broker topics and a periodic external poll. Consumers pull by
// demand; the producer never pushes downstream.
package producer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/eventstore"
	"github.com/viablesystems/synapse/pkg/metrics"
	"github.com/viablesystems/synapse/pkg/models"
)

// MetadataReceivedAt is the metadata key carrying the receive timestamp the
// producer stamps on every buffered event.
const MetadataReceivedAt = "received_at"

// rateWindow is the sliding window for the per-second production rate.
const rateWindow = 10 * time.Second

// PollFn is the periodic external poll source. Called every poll interval;
// may return zero to a few events (synthetic or externally sourced).
type PollFn func() []models.Event

// Stats is a point-in-time view of the producer counters.
type Stats struct {
	TotalProduced int64   `json:"total_produced"`
	Dropped       int64   `json:"dropped"`
	Buffered      int     `json:"buffered"`
	RatePerSecond float64 `json:"rate_per_second"`
}

// Producer owns the bounded buffer. All ingest paths funnel through the
// ingest channel into the run loop, which is the only goroutine that
// touches the buffer — demand-pull requests go through the same loop.
type Producer struct {
	cfg     *config.ProducerConfig
	metrics *metrics.Metrics
	pollFn  PollFn
	log     *slog.Logger

	ingest  chan models.Event
	demand  chan demandReq
	statsCh chan chan Stats

	buffer []models.Event

	totalProduced int64
	dropped       int64
	produceTimes  []time.Time

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

type demandReq struct {
	n     int
	reply chan []models.Event
}

// Option customizes producer construction.
type Option func(*Producer)

// WithPollFn installs the periodic external poll source.
func WithPollFn(fn PollFn) Option {
	return func(p *Producer) { p.pollFn = fn }
}

// New creates a producer. metrics may be nil (tests).
func New(cfg *config.ProducerConfig, m *metrics.Metrics, opts ...Option) *Producer {
	p := &Producer{
		cfg:     cfg,
		metrics: m,
		log:     slog.With("component", "producer"),
		ingest:  make(chan models.Event, 64),
		demand:  make(chan demandReq),
		statsCh: make(chan chan Stats),
		buffer:  make([]models.Event, 0, cfg.BufferSize),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the run loop and the poll ticker.
func (p *Producer) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	p.log.Info("Producer started", "buffer_size", p.cfg.BufferSize, "poll_interval", p.cfg.PollInterval)
}

// Stop shuts the run loop down. Safe to call multiple times.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Inject pushes an event directly into the buffer (direct API source).
// Blocks only while the ingest channel is full; returns false once the
// producer is stopped.
func (p *Producer) Inject(e models.Event) bool {
	select {
	case p.ingest <- e:
		return true
	case <-p.stopCh:
		return false
	}
}

// ConsumeSubscription forwards an event store subscription into the buffer
// until the subscription closes or the producer stops.
func (p *Producer) ConsumeSubscription(sub *eventstore.Subscriber) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if !p.Inject(e) {
					return
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

// AddSource forwards an arbitrary event channel (broker topic adapters)
// into the buffer until it closes or the producer stops.
func (p *Producer) AddSource(ch <-chan models.Event) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case e, ok := <-ch:
				if !ok {
					return
				}
				if !p.Inject(e) {
					return
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Request returns up to n buffered events in FIFO order (demand pull).
// Returns fewer — possibly none — when the buffer has fewer.
func (p *Producer) Request(n int) []models.Event {
	if n <= 0 {
		return nil
	}
	req := demandReq{n: n, reply: make(chan []models.Event, 1)}
	select {
	case p.demand <- req:
		return <-req.reply
	case <-p.stopCh:
		return nil
	}
}

// Stats returns the current counters.
func (p *Producer) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case p.statsCh <- reply:
		return <-reply
	case <-p.stopCh:
		return Stats{TotalProduced: p.totalProduced, Dropped: p.dropped, Buffered: len(p.buffer)}
	}
}

func (p *Producer) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case e := <-p.ingest:
			p.push(e)
		case <-ticker.C:
			if p.pollFn != nil {
				for _, e := range p.pollFn() {
					p.push(e)
				}
			}
		case req := <-p.demand:
			req.reply <- p.take(req.n)
		case reply := <-p.statsCh:
			reply <- p.snapshotStats()
		}
	}
}

// push stamps the receive timestamp and appends, dropping the oldest entry
// when the buffer is at capacity.
func (p *Producer) push(e models.Event) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any, 1)
	}
	e.Metadata[MetadataReceivedAt] = time.Now()

	if len(p.buffer) >= p.cfg.BufferSize {
		dropped := p.buffer[0]
		p.buffer = p.buffer[1:]
		p.dropped++
		if p.metrics != nil {
			p.metrics.ProducerDropped.Inc()
		}
		p.log.Warn("Buffer overflow, dropped oldest event",
			"dropped_event_type", dropped.EventType,
			"dropped_total", p.dropped)
	}

	p.buffer = append(p.buffer, e)
	p.totalProduced++
	p.recordProduceTime(time.Now())
	if p.metrics != nil {
		p.metrics.ProducerProduced.Inc()
		p.metrics.ProducerBuffered.Set(float64(len(p.buffer)))
	}
}

// take pops up to n events in FIFO order.
func (p *Producer) take(n int) []models.Event {
	if n > len(p.buffer) {
		n = len(p.buffer)
	}
	if n == 0 {
		return nil
	}
	out := make([]models.Event, n)
	copy(out, p.buffer[:n])
	p.buffer = p.buffer[n:]
	if p.metrics != nil {
		p.metrics.ProducerBuffered.Set(float64(len(p.buffer)))
	}
	return out
}

func (p *Producer) recordProduceTime(now time.Time) {
	p.produceTimes = append(p.produceTimes, now)
	cutoff := now.Add(-rateWindow)
	trim := 0
	for trim < len(p.produceTimes) && p.produceTimes[trim].Before(cutoff) {
		trim++
	}
	p.produceTimes = p.produceTimes[trim:]
}

func (p *Producer) snapshotStats() Stats {
	rate := 0.0
	if len(p.produceTimes) > 0 {
		rate = float64(len(p.produceTimes)) / rateWindow.Seconds()
	}
	return Stats{
		TotalProduced: p.totalProduced,
		Dropped:       p.dropped,
		Buffered:      len(p.buffer),
		RatePerSecond: rate,
	}
}
