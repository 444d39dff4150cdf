package poller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"talon/internal/broker"
	"talon/internal/config"
	"talon/internal/logger"
	"talon/internal/notify"
	"talon/internal/store"

	"golang.org/x/sync/errgroup"
)

// Hooks lets the position monitor react to fills and closures without the
// poller importing it.
type Hooks interface {
	OnOrderFilled(ctx context.Context, exec store.Execution)
	OnPositionClosed(ctx context.Context, exec store.Execution)
	OnOrderCancelled(ctx context.Context, exec store.Execution)
}

type trackedOrder struct {
	ExecutionID uint
	AccountID   uint
	OrderID     string
	Strategy    string
	TrackedAt   time.Time
}

// Status is the poller's observability snapshot.
type Status struct {
	Running      bool `json:"running"`
	TrackedCount int  `json:"tracked_count"`
}

// ResyncResult is returned by the synchronous single-order resync path.
type ResyncResult struct {
	Skipped   bool            `json:"skipped"`
	Reason    string          `json:"reason,omitempty"`
	Execution store.Execution `json:"execution"`
}

// Poller reconciles pending and exit-pending executions against the broker
// until each reaches a broker-confirmed terminal state. It is the sole
// writer of exited and failed statuses.
type Poller struct {
	cfg     config.PollerConfig
	db      store.Store
	brokers *broker.Factory
	notify  notify.Notifier
	hooks   Hooks

	mu      sync.Mutex
	running bool
	tracked map[uint]trackedOrder
}

func New(cfg config.PollerConfig, db store.Store, brokers *broker.Factory, n notify.Notifier) *Poller {
	return &Poller{
		cfg:     cfg,
		db:      db,
		brokers: brokers,
		notify:  n,
		tracked: make(map[uint]trackedOrder),
	}
}

// SetHooks wires the position monitor in after construction. Must be called
// before Run.
func (p *Poller) SetHooks(h Hooks) { p.hooks = h }

// Track adds an execution's open order to the tracking set. Idempotent: an
// already-tracked execution id is left untouched.
func (p *Poller) Track(executionID, accountID uint, orderID, strategy string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tracked[executionID]; ok {
		return
	}
	p.tracked[executionID] = trackedOrder{
		ExecutionID: executionID,
		AccountID:   accountID,
		OrderID:     orderID,
		Strategy:    strategy,
		TrackedAt:   time.Now(),
	}
	logger.Infof("poller: tracking execution %d order %s", executionID, orderID)
}

// Untrack removes an execution from the tracking set. Safe when absent.
func (p *Poller) Untrack(executionID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tracked, executionID)
}

func (p *Poller) TrackedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracked)
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Running: p.running, TrackedCount: len(p.tracked)}
}

// Run recovers the tracking set from the store and polls until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.recover(ctx)

	ticker := time.NewTicker(p.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// recover re-enters every pending/exit_pending execution into the tracking
// set. In-memory state does not survive a restart; the store does.
func (p *Poller) recover(ctx context.Context) {
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	execs, err := p.db.ListTrackable(dbCtx)
	if err != nil {
		logger.Errorf("poller: startup recovery scan failed: %v", err)
		return
	}
	names := make(map[uint]string)
	for _, exec := range execs {
		orderID := exec.EntryOrderID
		if exec.Status == store.ExecStatusExitPending {
			orderID = exec.ExitOrderID
		}
		if orderID == "" {
			logger.Warnf("poller: execution %d is %s but has no order id, skipping recovery", exec.ID, exec.Status)
			continue
		}
		name, ok := names[exec.StrategyID]
		if !ok {
			name = p.strategyName(dbCtx, exec.StrategyID)
			names[exec.StrategyID] = name
		}
		p.Track(exec.ID, exec.AccountID, orderID, name)
	}
	if len(execs) > 0 {
		logger.Infof("poller: recovered %d executions into tracking set", len(execs))
	}
}

// tick snapshots the tracking set, evicts stale entries, and checks each
// account's orders sequentially while accounts run in parallel under a
// bounded worker pool. A single order's error never aborts the batch.
func (p *Poller) tick(ctx context.Context) {
	now := time.Now()
	staleAfter := p.cfg.StaleAfter()

	p.mu.Lock()
	byAccount := make(map[uint][]trackedOrder)
	for id, t := range p.tracked {
		if now.Sub(t.TrackedAt) > staleAfter {
			delete(p.tracked, id)
			logger.Warnf("poller: evicting execution %d order %s, tracked for over %s",
				t.ExecutionID, t.OrderID, staleAfter)
			continue
		}
		byAccount[t.AccountID] = append(byAccount[t.AccountID], t)
	}
	p.mu.Unlock()

	if len(byAccount) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxAccountWorkers)
	for accountID, orders := range byAccount {
		accountID, orders := accountID, orders
		sort.Slice(orders, func(i, j int) bool { return orders[i].ExecutionID < orders[j].ExecutionID })
		g.Go(func() error {
			for _, t := range orders {
				if gctx.Err() != nil {
					return nil
				}
				if err := p.checkOrder(gctx, t); err != nil {
					logger.Warnf("poller: check execution %d on account %d failed: %v",
						t.ExecutionID, accountID, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// checkOrder queries one order's remote state and applies the outcome.
// Entry-vs-exit is decided by comparing the queried order id against the
// execution's entry/exit order ids, never by branching on status: a
// concurrent manual resync can advance status mid-flight and would misfile
// an entry fill as an exit.
func (p *Poller) checkOrder(ctx context.Context, t trackedOrder) error {
	acc, ok, err := p.db.GetAccount(ctx, t.AccountID)
	if err != nil {
		return fmt.Errorf("load account %d: %w", t.AccountID, err)
	}
	if !ok {
		p.Untrack(t.ExecutionID)
		return fmt.Errorf("account %d not found, untracked", t.AccountID)
	}
	client := p.brokers.ClientFor(acc)

	state, err := client.OrderStatus(ctx, t.OrderID, t.Strategy)
	if err != nil {
		// Retried on the next tick either way; rejections usually mean the
		// order id is not visible yet.
		return err
	}

	switch store.BrokerOrderStatus(state.Status) {
	case store.BrokerOrderComplete:
		return p.applyFill(ctx, client, t, state)
	case store.BrokerOrderRejected, store.BrokerOrderCancelled:
		return p.applyTerminalFailure(ctx, t, store.BrokerOrderStatus(state.Status))
	case store.BrokerOrderOpen:
		if err := p.db.SetBrokerOrderStatus(ctx, t.ExecutionID, store.BrokerOrderOpen); err != nil {
			return err
		}
		return nil
	default:
		logger.Debugf("poller: execution %d order %s in intermediate state %q", t.ExecutionID, t.OrderID, state.Status)
		return nil
	}
}

func (p *Poller) applyFill(ctx context.Context, client *broker.Client, t trackedOrder, state broker.OrderState) error {
	exec, ok, err := p.db.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return err
	}
	if !ok {
		p.Untrack(t.ExecutionID)
		return store.ErrNotFound
	}

	price := state.AveragePrice
	if price <= 0 {
		price = p.refetchFillPrice(ctx, client, t)
	}

	now := time.Now()
	switch t.OrderID {
	case exec.EntryOrderID:
		if err := p.db.MarkEntered(ctx, exec.ID, price, now); err != nil {
			return err
		}
		p.Untrack(exec.ID)
		logger.Infof("poller: execution %d entered at %.2f", exec.ID, price)
		if p.hooks != nil {
			if updated, ok, err := p.db.GetExecution(ctx, exec.ID); err == nil && ok {
				p.hooks.OnOrderFilled(ctx, updated)
			}
		}
		return nil
	case exec.ExitOrderID:
		if err := p.db.MarkExited(ctx, exec.ID, price, now, exec.ExitReason); err != nil {
			return err
		}
		p.Untrack(exec.ID)
		logger.Infof("poller: execution %d exited at %.2f", exec.ID, price)
		if p.hooks != nil {
			if updated, ok, err := p.db.GetExecution(ctx, exec.ID); err == nil && ok {
				p.hooks.OnPositionClosed(ctx, updated)
			}
		}
		return nil
	default:
		p.Untrack(exec.ID)
		return &InvariantViolation{
			ExecutionID: exec.ID,
			OrderID:     t.OrderID,
			Detail: fmt.Sprintf("fill matches neither entry order %q nor exit order %q",
				exec.EntryOrderID, exec.ExitOrderID),
		}
	}
}

// refetchFillPrice retries the status query when a completed order reports
// no average price. Gives up after the configured attempts and returns zero,
// which the store treats as "keep the prior price".
func (p *Poller) refetchFillPrice(ctx context.Context, client *broker.Client, t trackedOrder) float64 {
	for attempt := 1; attempt <= p.cfg.PriceRetries; attempt++ {
		if !sleepWithContext(ctx, time.Duration(attempt)*time.Second) {
			return 0
		}
		state, err := client.OrderStatus(ctx, t.OrderID, t.Strategy)
		if err != nil {
			logger.Warnf("poller: fill price refetch %d/%d for order %s failed: %v",
				attempt, p.cfg.PriceRetries, t.OrderID, err)
			continue
		}
		if state.AveragePrice > 0 {
			return state.AveragePrice
		}
	}
	logger.Warnf("poller: order %s completed with no fill price after %d retries, keeping prior price",
		t.OrderID, p.cfg.PriceRetries)
	return 0
}

func (p *Poller) applyTerminalFailure(ctx context.Context, t trackedOrder, status store.BrokerOrderStatus) error {
	exec, ok, err := p.db.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return err
	}
	if !ok {
		p.Untrack(t.ExecutionID)
		return store.ErrNotFound
	}

	// A rejected or cancelled exit order leaves the position open: revert to
	// entered so the risk manager can retry the close.
	if t.OrderID == exec.ExitOrderID && exec.Status == store.ExecStatusExitPending {
		if err := p.db.ClearExitPending(ctx, exec.ID); err != nil {
			return err
		}
		p.Untrack(exec.ID)
		logger.Warnf("poller: exit order %s for execution %d was %s, position remains open",
			t.OrderID, exec.ID, status)
		notify.Best(p.notify, "⚠️ Exit order %s for %s was %s, position still open", t.OrderID, exec.Symbol, status)
		return nil
	}

	if err := p.db.MarkFailed(ctx, exec.ID, status); err != nil {
		return err
	}
	p.Untrack(exec.ID)
	logger.Warnf("poller: execution %d order %s terminal: %s", exec.ID, t.OrderID, status)
	notify.Best(p.notify, "❌ Order %s for %s %s", t.OrderID, exec.Symbol, status)
	if p.hooks != nil {
		if updated, ok, err := p.db.GetExecution(ctx, exec.ID); err == nil && ok {
			p.hooks.OnOrderCancelled(ctx, updated)
		}
	}
	return nil
}

// Resync performs the same id-comparison reconciliation for one execution,
// synchronously. Terminal executions are skipped, not re-processed.
func (p *Poller) Resync(ctx context.Context, executionID uint) (ResyncResult, error) {
	exec, ok, err := p.db.GetExecution(ctx, executionID)
	if err != nil {
		return ResyncResult{}, err
	}
	if !ok {
		return ResyncResult{}, store.ErrNotFound
	}
	if exec.Status.Terminal() {
		return ResyncResult{
			Skipped:   true,
			Reason:    fmt.Sprintf("execution already %s", exec.Status),
			Execution: exec,
		}, nil
	}

	orderID := exec.EntryOrderID
	if exec.Status == store.ExecStatusExitPending {
		orderID = exec.ExitOrderID
	}
	if orderID == "" {
		return ResyncResult{}, fmt.Errorf("execution %d has no order id to resync", executionID)
	}

	t := trackedOrder{
		ExecutionID: exec.ID,
		AccountID:   exec.AccountID,
		OrderID:     orderID,
		Strategy:    p.strategyName(ctx, exec.StrategyID),
	}
	if err := p.checkOrder(ctx, t); err != nil {
		return ResyncResult{}, err
	}

	updated, _, err := p.db.GetExecution(ctx, executionID)
	if err != nil {
		return ResyncResult{}, err
	}
	return ResyncResult{Execution: updated}, nil
}

// strategyName resolves the name sent with orderstatus queries. A missing
// strategy degrades to an empty tag, never to a failed check.
func (p *Poller) strategyName(ctx context.Context, strategyID uint) string {
	st, ok, err := p.db.GetStrategy(ctx, strategyID)
	if err != nil || !ok {
		return ""
	}
	return st.Name
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
