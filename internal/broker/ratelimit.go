package broker

import (
	"context"
	"sync"
	"time"
)

// rateLimiter is a token bucket replenished at a fixed rate, used to hold
// every client to the broker's per-account request budget (1 req/sec by
// default). All calls through one Client share one bucket, so the
// reconciliation loop and the risk manager's fallback quote fetches cannot
// jointly exceed the account limit.
type rateLimiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	tokens   float64
	lastTime time.Time
}

func newRateLimiter(perSec float64) *rateLimiter {
	if perSec <= 0 {
		perSec = 1
	}
	return &rateLimiter{
		rate:     perSec,
		tokens:   1,
		lastTime: time.Now(),
	}
}

// wait blocks until a token is available or ctx is cancelled.
func (rl *rateLimiter) wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
		if rl.tokens > 1 {
			rl.tokens = 1
		}
		rl.lastTime = now
		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
