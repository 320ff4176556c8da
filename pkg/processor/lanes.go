package processor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/viablesystems/synapse/pkg/config"
	"github.com/viablesystems/synapse/pkg/models"
)

// batchHandler processes one batch. An error dead-letters every event in
// the batch.
type batchHandler func(ctx context.Context, batch []models.Event) error

// lane is one priority lane: a batcher goroutine folds the inbound event
// stream into batches by size and timeout, and a fixed worker pool handles
// them.
type lane struct {
	name    string
	cfg     config.LaneConfig
	handler batchHandler
	log     *slog.Logger

	events  chan models.Event
	batches chan []models.Event

	onBatch func(name string, batch []models.Event)
	onError func(name string, batch []models.Event, err error)

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newLane(name string, cfg config.LaneConfig, handler batchHandler) *lane {
	return &lane{
		name:    name,
		cfg:     cfg,
		handler: handler,
		log:     slog.With("component", "processor", "lane", name),
		events:  make(chan models.Event, cfg.BatchSize*2),
		batches: make(chan []models.Event, cfg.Concurrency),
		stopCh:  make(chan struct{}),
	}
}

func (l *lane) start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.batchLoop(ctx)
	}()

	for i := 0; i < l.cfg.Concurrency; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.workLoop(ctx)
		}()
	}
}

// stop drains nothing: pending events are dropped. The processor flushes
// by demand-pull pacing before calling stop.
func (l *lane) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// submit routes one event into the lane. Blocks when the lane is
// saturated, which stalls the demand-pull loop and lets backpressure
// propagate to the producer instead of losing events.
func (l *lane) submit(e models.Event) bool {
	select {
	case l.events <- e:
		return true
	case <-l.stopCh:
		return false
	}
}

// batchLoop folds events into batches of cfg.BatchSize, flushing early on
// the batch timeout.
func (l *lane) batchLoop(ctx context.Context) {
	var batch []models.Event
	timer := time.NewTimer(l.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		select {
		case l.batches <- batch:
		case <-l.stopCh:
		case <-ctx.Done():
		}
		batch = nil
	}

	for {
		select {
		case <-l.stopCh:
			flush()
			return
		case <-ctx.Done():
			return
		case e := <-l.events:
			if batch == nil {
				batch = make([]models.Event, 0, l.cfg.BatchSize)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(l.cfg.BatchTimeout)
			}
			batch = append(batch, e)
			if len(batch) >= l.cfg.BatchSize {
				flush()
			}
		case <-timer.C:
			flush()
			timer.Reset(l.cfg.BatchTimeout)
		}
	}
}

func (l *lane) workLoop(ctx context.Context) {
	for {
		select {
		case <-l.stopCh:
			// Drain remaining batches before exiting.
			for {
				select {
				case batch := <-l.batches:
					l.handle(ctx, batch)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		case batch := <-l.batches:
			l.handle(ctx, batch)
		}
	}
}

func (l *lane) handle(ctx context.Context, batch []models.Event) {
	if l.onBatch != nil {
		l.onBatch(l.name, batch)
	}
	if err := l.handler(ctx, batch); err != nil {
		l.log.Error("Batch handling failed", "batch_size", len(batch), "error", err)
		if l.onError != nil {
			l.onError(l.name, batch, err)
		}
	}
}
