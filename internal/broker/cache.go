package broker

import (
	"context"
	"sync"
	"time"

	"talon/internal/logger"
)

// SnapshotCache caches per-account positions/funds with a short TTL so
// bursts of risk checks do not translate into bursts of API calls. On a
// fetch failure it falls back to the last good snapshot instead of blocking
// the caller's tick.
type SnapshotCache struct {
	client *Client
	ttl    time.Duration

	mu          sync.Mutex
	positions   []PositionRow
	positionsAt time.Time
	funds       Funds
	fundsAt     time.Time
	fundsValid  bool
}

func NewSnapshotCache(client *Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &SnapshotCache{client: client, ttl: ttl}
}

func (c *SnapshotCache) Positions(ctx context.Context) ([]PositionRow, error) {
	c.mu.Lock()
	if !c.positionsAt.IsZero() && time.Since(c.positionsAt) < c.ttl {
		cached := c.positions
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	rows, err := c.client.Positions(ctx)
	if err != nil {
		c.mu.Lock()
		cached, at := c.positions, c.positionsAt
		c.mu.Unlock()
		if !at.IsZero() {
			logger.Warnf("broker: positions fetch failed, serving cached snapshot age=%s err=%v",
				time.Since(at).Round(time.Millisecond), err)
			return cached, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.positions = rows
	c.positionsAt = time.Now()
	c.mu.Unlock()
	return rows, nil
}

func (c *SnapshotCache) Funds(ctx context.Context) (Funds, error) {
	c.mu.Lock()
	if c.fundsValid && time.Since(c.fundsAt) < c.ttl {
		cached := c.funds
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	f, err := c.client.Funds(ctx)
	if err != nil {
		c.mu.Lock()
		cached, valid, at := c.funds, c.fundsValid, c.fundsAt
		c.mu.Unlock()
		if valid {
			logger.Warnf("broker: funds fetch failed, serving cached snapshot age=%s err=%v",
				time.Since(at).Round(time.Millisecond), err)
			return cached, nil
		}
		return Funds{}, err
	}
	c.mu.Lock()
	c.funds = f
	c.fundsAt = time.Now()
	c.fundsValid = true
	c.mu.Unlock()
	return f, nil
}
