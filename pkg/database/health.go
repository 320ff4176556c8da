package database

import (
	"context"
	"time"
)

// slowPingThreshold marks the broker's durable path as degraded even when
// queries still succeed: publishes share this pool, so a slow ping means
// event persistence is lagging behind the in-memory pipeline.
const slowPingThreshold = 250 * time.Millisecond

const (
	PoolHealthy   = "healthy"
	PoolDegraded  = "degraded"
	PoolUnhealthy = "unhealthy"
)

// PoolHealth is the probe result surfaced by the health endpoint when the
// Postgres broker is configured.
type PoolHealth struct {
	Status     string  `json:"status"`
	PingMillis int64   `json:"ping_ms"`
	Open       int     `json:"open"`
	Busy       int     `json:"busy"`
	Idle       int     `json:"idle"`
	MaxOpen    int     `json:"max_open"`
	Waiters    int64   `json:"waiters"`
	WaitMillis int64   `json:"wait_ms"`
	Saturation float64 `json:"saturation"`
}

// Health pings the database and classifies the connection pool. An
// unreachable database is unhealthy; a reachable one with a slow ping or
// accumulated connection waiters is degraded.
func (c *Client) Health(ctx context.Context) (*PoolHealth, error) {
	start := time.Now()
	if err := c.db.PingContext(ctx); err != nil {
		return &PoolHealth{
			Status:     PoolUnhealthy,
			PingMillis: time.Since(start).Milliseconds(),
		}, err
	}
	latency := time.Since(start)

	stats := c.db.Stats()
	h := &PoolHealth{
		Status:     PoolHealthy,
		PingMillis: latency.Milliseconds(),
		Open:       stats.OpenConnections,
		Busy:       stats.InUse,
		Idle:       stats.Idle,
		MaxOpen:    stats.MaxOpenConnections,
		Waiters:    stats.WaitCount,
		WaitMillis: stats.WaitDuration.Milliseconds(),
	}
	if stats.MaxOpenConnections > 0 {
		h.Saturation = float64(stats.InUse) / float64(stats.MaxOpenConnections)
	}
	if latency > slowPingThreshold || stats.WaitCount > 0 {
		h.Status = PoolDegraded
	}
	return h, nil
}
