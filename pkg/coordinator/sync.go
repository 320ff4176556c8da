package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/viablesystems/synapse/pkg/models"
)

// Sync protocol message types delivered to context inboxes.
const (
	SyncRequestType = "sync.request"
	SyncAlignType   = "sync.align"
)

// Sync statuses.
const (
	SyncCompleted = "completed"
	SyncPartial   = "partial"
	SyncFailed    = "failed"
)

type syncAck struct {
	contextID   string
	fingerprint string
	lastUpdate  time.Time
}

// SyncResult is the per-context outcome of one synchronization round.
type SyncResult struct {
	Acked       bool      `json:"acked"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	LastUpdate  time.Time `json:"last_update,omitempty"`
	Aligned     bool      `json:"aligned"`
}

// SyncReport summarizes a synchronization round.
type SyncReport struct {
	ID            uuid.UUID             `json:"id"`
	Contexts      []string              `json:"contexts"`
	Status        string                `json:"status"`
	Results       map[string]SyncResult `json:"results"`
	Missing       []string              `json:"missing,omitempty"`
	AlignedState  string                `json:"aligned_state,omitempty"`
	Effectiveness float64               `json:"effectiveness"`
	Elapsed       time.Duration         `json:"elapsed"`
}

// Ack answers a pending sync request. Components call this after receiving
// a sync.request message, passing the sync_id from its payload and their
// current state fingerprint.
func (c *Coordinator) Ack(syncID, contextID, fingerprint string, lastUpdate time.Time) {
	c.mu.Lock()
	ch, ok := c.pendingAcks[syncID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Ack for unknown sync", "sync_id", syncID, "context", contextID)
		return
	}
	select {
	case ch <- syncAck{contextID: contextID, fingerprint: fingerprint, lastUpdate: lastUpdate}:
	default:
	}
}

// SynchronizeOperations runs the sync protocol across the given contexts:
// request, collect fingerprint ACKs, pick the latest fingerprint as the
// aligned state, and push it to the laggards.
func (c *Coordinator) SynchronizeOperations(ctx context.Context, contextIDs []string) SyncReport {
	start := c.now()
	syncID := uuid.New()
	report := SyncReport{
		ID:       syncID,
		Contexts: contextIDs,
		Results:  make(map[string]SyncResult, len(contextIDs)),
	}

	ackCh := make(chan syncAck, len(contextIDs))
	c.mu.Lock()
	c.pendingAcks[syncID.String()] = ackCh
	c.stats.Syncs++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingAcks, syncID.String())
		c.mu.Unlock()
	}()

	requested := 0
	for _, id := range contextIDs {
		target, ok := c.registry.get(id)
		if !ok {
			report.Results[id] = SyncResult{}
			continue
		}
		req := models.NewMessage("coordinator", id, SyncRequestType, map[string]any{
			"sync_id": syncID.String(),
		})
		select {
		case target.Inbox <- req:
			requested++
		default:
			c.log.Warn("Sync request dropped, inbox full", "context", id)
			report.Results[id] = SyncResult{}
		}
	}

	timeout := c.cfg.SyncTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	acked := 0
collect:
	for acked < requested {
		select {
		case <-ctx.Done():
			break collect
		case <-deadline.C:
			break collect
		case ack := <-ackCh:
			report.Results[ack.contextID] = SyncResult{
				Acked:       true,
				Fingerprint: ack.fingerprint,
				LastUpdate:  ack.lastUpdate,
			}
			acked++
		}
	}

	// The aligned state is the most recently updated fingerprint.
	var alignedAt time.Time
	for _, r := range report.Results {
		if r.Acked && r.LastUpdate.After(alignedAt) {
			alignedAt = r.LastUpdate
			report.AlignedState = r.Fingerprint
		}
	}

	// Push the aligned state to every acked laggard.
	for id, r := range report.Results {
		if !r.Acked {
			continue
		}
		if r.Fingerprint == report.AlignedState {
			r.Aligned = true
			report.Results[id] = r
			continue
		}
		if target, ok := c.registry.get(id); ok {
			align := models.NewMessage("coordinator", id, SyncAlignType, map[string]any{
				"sync_id":       syncID.String(),
				"aligned_state": report.AlignedState,
			})
			select {
			case target.Inbox <- align:
				r.Aligned = true
			default:
				c.log.Warn("Align message dropped, inbox full", "context", id)
			}
			report.Results[id] = r
		}
	}

	// Missing lists the contexts that never answered, in request order.
	for _, id := range contextIDs {
		if !report.Results[id].Acked {
			report.Missing = append(report.Missing, id)
		}
	}

	switch {
	case len(contextIDs) > 0 && acked == len(contextIDs):
		report.Status = SyncCompleted
	case acked > 0:
		report.Status = SyncPartial
	default:
		report.Status = SyncFailed
	}

	report.Elapsed = c.now().Sub(start)
	report.Effectiveness = c.effectiveness(report, acked, len(contextIDs), timeout)

	c.log.Info("Synchronization round finished",
		"sync_id", syncID,
		"status", report.Status,
		"acked", acked,
		"contexts", len(contextIDs),
		"effectiveness", report.Effectiveness)
	return report
}

// effectiveness combines the round status, how quickly it finished, and
// the per-context success rate.
func (c *Coordinator) effectiveness(report SyncReport, acked, total int, timeout time.Duration) float64 {
	var base float64
	switch report.Status {
	case SyncCompleted:
		base = 1.0
	case SyncPartial:
		base = 0.6
	default:
		base = 0.2
	}

	timeFactor := 1.0
	if timeout > 0 && report.Elapsed > 0 {
		timeFactor = 1 - float64(report.Elapsed)/float64(timeout)/2
		if timeFactor < 0.5 {
			timeFactor = 0.5
		}
	}

	successRate := 0.0
	if total > 0 {
		successRate = float64(acked) / float64(total)
	}
	return base * timeFactor * successRate
}

// alignTarget runs a single-context sync round before a gated forward.
func (c *Coordinator) alignTarget(ctx context.Context, id string) {
	c.SynchronizeOperations(ctx, []string{id})
}
