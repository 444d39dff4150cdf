package monitor

import (
	"context"
	"sync"
	"time"

	"talon/internal/config"
	"talon/internal/logger"
	"talon/internal/store"
)

// Subscriber is the slice of the feed manager the monitor needs.
type Subscriber interface {
	Subscribe(symbol, exchange string) error
	Unsubscribe(symbol, exchange string) error
}

type pairKey struct {
	Symbol   string
	Exchange string
}

// Status is the monitor's observability snapshot.
type Status struct {
	Running           bool `json:"running"`
	SubscribedSymbols int  `json:"subscribed_symbols"`
	TrackedPositions  int  `json:"tracked_positions"`
	PendingUpdates    int  `json:"pending_updates"`
}

// Monitor keeps live-data subscriptions limited to symbols that carry
// risk-managed open positions, and batches incoming ticks into periodic
// bulk writes so high tick rates cost one write burst per flush interval.
type Monitor struct {
	cfg  config.MonitorConfig
	db   store.Store
	feed Subscriber

	mu      sync.Mutex
	running bool
	watched map[pairKey]map[uint]struct{}
	pending map[pairKey]store.PriceUpdate
}

func New(cfg config.MonitorConfig, db store.Store, feed Subscriber) *Monitor {
	return &Monitor{
		cfg:     cfg,
		db:      db,
		feed:    feed,
		watched: make(map[pairKey]map[uint]struct{}),
		pending: make(map[pairKey]store.PriceUpdate),
	}
}

// OnTick enqueues one price update. Called from the feed read loop, so it
// must not block: it only overwrites the pending slot for the pair.
func (m *Monitor) OnTick(u store.PriceUpdate) {
	key := pairKey{Symbol: u.Symbol, Exchange: u.Exchange}
	m.mu.Lock()
	if _, ok := m.watched[key]; ok {
		m.pending[key] = u
	}
	m.mu.Unlock()
}

// OnOrderFilled registers a newly entered execution. Subscribing is
// idempotent: a pair already watched only gains a ref, no second control
// message is sent.
func (m *Monitor) OnOrderFilled(ctx context.Context, exec store.Execution) {
	st, ok, err := m.db.GetStrategy(ctx, exec.StrategyID)
	if err != nil {
		logger.Warnf("monitor: strategy %d lookup failed for execution %d: %v", exec.StrategyID, exec.ID, err)
		return
	}
	if !ok || !st.RiskConfigured() {
		return
	}
	key := pairKey{Symbol: exec.Symbol, Exchange: exec.Exchange}

	m.mu.Lock()
	refs, exists := m.watched[key]
	if !exists {
		refs = make(map[uint]struct{})
		m.watched[key] = refs
	}
	refs[exec.ID] = struct{}{}
	m.mu.Unlock()

	if !exists {
		if err := m.feed.Subscribe(exec.Symbol, exec.Exchange); err != nil {
			logger.Warnf("monitor: subscribe %s:%s failed: %v", exec.Exchange, exec.Symbol, err)
		} else {
			logger.Infof("monitor: subscribed %s:%s for execution %d", exec.Exchange, exec.Symbol, exec.ID)
		}
	}
}

// OnPositionClosed drops the execution's ref and unsubscribes the pair only
// when the store confirms no open executions remain on it. The store is the
// authority here, not the in-memory map, which can lag behind concurrent
// fills.
func (m *Monitor) OnPositionClosed(ctx context.Context, exec store.Execution) {
	key := pairKey{Symbol: exec.Symbol, Exchange: exec.Exchange}

	m.mu.Lock()
	if refs, ok := m.watched[key]; ok {
		delete(refs, exec.ID)
	}
	m.mu.Unlock()

	remaining, err := m.db.CountOpenBySymbol(ctx, exec.Symbol, exec.Exchange)
	if err != nil {
		logger.Warnf("monitor: open count for %s:%s failed, keeping subscription: %v", exec.Exchange, exec.Symbol, err)
		return
	}
	if remaining > 0 {
		return
	}

	m.mu.Lock()
	delete(m.watched, key)
	delete(m.pending, key)
	m.mu.Unlock()

	if err := m.feed.Unsubscribe(exec.Symbol, exec.Exchange); err != nil {
		logger.Warnf("monitor: unsubscribe %s:%s failed: %v", exec.Exchange, exec.Symbol, err)
	} else {
		logger.Infof("monitor: unsubscribed %s:%s, no open positions left", exec.Exchange, exec.Symbol)
	}
}

// OnOrderCancelled mirrors OnPositionClosed for entries that never filled.
func (m *Monitor) OnOrderCancelled(ctx context.Context, exec store.Execution) {
	m.OnPositionClosed(ctx, exec)
}

// Run drives the flush and refresh timers until ctx is cancelled. Pending
// ticks are flushed one last time on shutdown.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.refresh(ctx)

	flushTicker := time.NewTicker(m.cfg.FlushInterval())
	defer flushTicker.Stop()
	refreshTicker := time.NewTicker(m.cfg.RefreshInterval())
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			m.flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-flushTicker.C:
			m.flush(ctx)
		case <-refreshTicker.C:
			m.refresh(ctx)
		}
	}
}

// flush applies all pending price updates in one bulk write.
func (m *Monitor) flush(ctx context.Context) {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	batch := make([]store.PriceUpdate, 0, len(m.pending))
	for _, u := range m.pending {
		batch = append(batch, u)
	}
	m.pending = make(map[pairKey]store.PriceUpdate)
	m.mu.Unlock()

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := m.db.BulkUpdateLastPrice(dbCtx, batch); err != nil {
		logger.Errorf("monitor: bulk price flush of %d updates failed: %v", len(batch), err)
		return
	}
	logger.Debugf("monitor: flushed %d price updates", len(batch))
}

// refresh re-scans the store for open risk-managed executions and subscribes
// any pair the in-memory map missed.
func (m *Monitor) refresh(ctx context.Context) {
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	execs, err := m.db.ListOpenRiskManaged(dbCtx)
	if err != nil {
		logger.Warnf("monitor: refresh scan failed: %v", err)
		return
	}

	var toSubscribe []pairKey
	m.mu.Lock()
	for _, exec := range execs {
		key := pairKey{Symbol: exec.Symbol, Exchange: exec.Exchange}
		refs, exists := m.watched[key]
		if !exists {
			refs = make(map[uint]struct{})
			m.watched[key] = refs
			toSubscribe = append(toSubscribe, key)
		}
		refs[exec.ID] = struct{}{}
	}
	m.mu.Unlock()

	for _, key := range toSubscribe {
		if err := m.feed.Subscribe(key.Symbol, key.Exchange); err != nil {
			logger.Warnf("monitor: refresh subscribe %s:%s failed: %v", key.Exchange, key.Symbol, err)
		}
	}
	if len(toSubscribe) > 0 {
		logger.Infof("monitor: refresh picked up %d missed subscriptions", len(toSubscribe))
	}
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	tracked := 0
	for _, refs := range m.watched {
		tracked += len(refs)
	}
	return Status{
		Running:           m.running,
		SubscribedSymbols: len(m.watched),
		TrackedPositions:  tracked,
		PendingUpdates:    len(m.pending),
	}
}
