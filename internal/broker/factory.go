package broker

import (
	"net/http"
	"sync"
	"time"

	"talon/internal/store"
)

// Factory hands out one rate-limited Client per account. Sharing the client
// (and so its token bucket) between the reconciliation loop and the risk
// manager keeps the combined call rate inside the per-account budget.
type Factory struct {
	rate    float64
	timeout time.Duration
	ttl     time.Duration

	mu      sync.Mutex
	clients map[uint]*Client
	caches  map[uint]*SnapshotCache
}

func NewFactory(ratePerSec float64, requestTimeout, snapshotTTL time.Duration) *Factory {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Factory{
		rate:    ratePerSec,
		timeout: requestTimeout,
		ttl:     snapshotTTL,
		clients: make(map[uint]*Client),
		caches:  make(map[uint]*SnapshotCache),
	}
}

// ClientFor returns the account's client, creating it on first use.
func (f *Factory) ClientFor(acc store.Account) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[acc.ID]; ok {
		return c
	}
	c := NewClient(acc.HostURL, acc.APIKey,
		WithRateLimit(f.rate),
		WithHTTPClient(&http.Client{Timeout: f.timeout}),
	)
	f.clients[acc.ID] = c
	return c
}

// CacheFor returns the account's snapshot cache, bound to its client.
func (f *Factory) CacheFor(acc store.Account) *SnapshotCache {
	f.mu.Lock()
	cached, ok := f.caches[acc.ID]
	f.mu.Unlock()
	if ok {
		return cached
	}
	c := f.ClientFor(acc)
	f.mu.Lock()
	defer f.mu.Unlock()
	if again, ok := f.caches[acc.ID]; ok {
		return again
	}
	sc := NewSnapshotCache(c, f.ttl)
	f.caches[acc.ID] = sc
	return sc
}

// Forget drops an account's client, e.g. after its credentials change.
func (f *Factory) Forget(accountID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, accountID)
	delete(f.caches, accountID)
}
