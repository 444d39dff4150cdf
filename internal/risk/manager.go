package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"talon/internal/broker"
	"talon/internal/config"
	"talon/internal/logger"
	"talon/internal/notify"
	"talon/internal/store"
)

// Tracker hands a placed exit order to the reconciliation loop. The risk
// manager never confirms fills itself.
type Tracker interface {
	Track(executionID, accountID uint, orderID, strategy string)
}

// ActiveAccountSource reports which account currently carries the data
// stream, so REST price fallbacks follow feed failovers.
type ActiveAccountSource interface {
	ActiveAccount() (store.Account, bool)
}

// Status is the risk manager's observability snapshot.
type Status struct {
	Running             bool      `json:"running"`
	MonitoredStrategies int       `json:"monitored_strategies"`
	LastTickAt          time.Time `json:"last_tick_at"`
	EventsEmitted       int64     `json:"events_emitted"`
}

type pairKey struct {
	Symbol   string
	Exchange string
}

type cachedQuote struct {
	Price float64
	At    time.Time
}

// Manager evaluates per-strategy P&L on a fixed tick and autonomously exits
// positions when a max-loss, max-profit or trailing-stop rule fires. Each
// rule latches independently and fires at most once per strategy instance.
type Manager struct {
	cfg     config.RiskConfig
	db      store.Store
	brokers *broker.Factory
	feed    ActiveAccountSource
	tracker Tracker
	notify  notify.Notifier

	mu            sync.Mutex
	running       bool
	monitored     int
	lastTickAt    time.Time
	eventsEmitted int64
	quotes        map[pairKey]cachedQuote
}

func New(cfg config.RiskConfig, db store.Store, brokers *broker.Factory, feed ActiveAccountSource, tracker Tracker, n notify.Notifier) *Manager {
	return &Manager{
		cfg:     cfg,
		db:      db,
		brokers: brokers,
		feed:    feed,
		tracker: tracker,
		notify:  n,
		quotes:  make(map[pairKey]cachedQuote),
	}
}

// Run evaluates every monitored strategy each tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	strategies, err := m.db.ListRiskMonitored(dbCtx)
	cancel()
	if err != nil {
		logger.Errorf("risk: strategy scan failed: %v", err)
		return
	}

	m.mu.Lock()
	m.monitored = len(strategies)
	m.lastTickAt = time.Now()
	m.mu.Unlock()

	for _, st := range strategies {
		if ctx.Err() != nil {
			return
		}
		if err := m.evaluate(ctx, st); err != nil {
			logger.Errorf("risk: strategy %d (%s) evaluation failed: %v", st.ID, st.Name, err)
		}
	}
}

// evaluate runs one strategy through the rule state machine. A latched rule
// is never re-evaluated; while latched the manager only keeps trying to
// flatten remaining open legs, and resets all risk state once flat.
func (m *Manager) evaluate(ctx context.Context, st store.Strategy) error {
	execs, err := m.db.ListExecutionsByStrategy(ctx, st.ID)
	if err != nil {
		return err
	}
	var open, entered []store.Execution
	for _, exec := range execs {
		switch exec.Status {
		case store.ExecStatusEntered:
			open = append(open, exec)
			entered = append(entered, exec)
		case store.ExecStatusExitPending:
			open = append(open, exec)
		}
	}

	if rule := firstLatched(st); rule != "" {
		if len(open) == 0 {
			logger.Infof("risk: strategy %d flat after %s, resetting risk state", st.ID, rule)
			return m.db.ResetRiskState(ctx, st.ID)
		}
		// Alert-only rules latch and record the event but never place
		// orders, on the breach tick or any tick after it.
		if len(entered) > 0 && autoExitFor(st, rule) {
			logger.Warnf("risk: strategy %d still has %d open legs after %s, retrying close", st.ID, len(entered), rule)
			m.closeStrategyPositions(ctx, st, entered, string(rule))
		}
		return nil
	}

	if len(open) == 0 {
		if st.TrailingActive || st.InitialStopSet {
			return m.db.ResetRiskState(ctx, st.ID)
		}
		return nil
	}

	reading := m.computePnl(ctx, execs)
	if !reading.Valid {
		logger.Warnf("risk: strategy %d reading invalid, rules suppressed: %v", st.ID, reading.Invalid)
		return nil
	}
	pnl := reading.Total

	if st.MaxLoss > 0 && st.MaxLossTriggeredAt == nil && pnl <= -math.Abs(st.MaxLoss) {
		return m.fireRule(ctx, st, store.RiskEventMaxLoss, pnl, -math.Abs(st.MaxLoss), entered, st.AutoExitOnMaxLoss)
	}
	if st.MaxProfit > 0 && st.MaxProfitTriggeredAt == nil && pnl >= math.Abs(st.MaxProfit) {
		return m.fireRule(ctx, st, store.RiskEventMaxProfit, pnl, math.Abs(st.MaxProfit), entered, st.AutoExitOnMaxProfit)
	}
	if st.TrailingStopValue > 0 && st.TrailingTriggeredAt == nil {
		return m.evalTrailing(ctx, st, pnl, open, entered)
	}
	return nil
}

// computePnl sums realized P&L of exited legs and unrealized P&L of open
// legs. Any open leg with a stale or missing price falls back to a REST
// quote through the feed's active account; if that also fails the reading
// is invalid and no rule may act on it.
func (m *Manager) computePnl(ctx context.Context, execs []store.Execution) Reading {
	now := time.Now()
	staleAfter := m.cfg.PriceStaleAfter()

	var reading Reading
	for _, exec := range execs {
		switch exec.Status {
		case store.ExecStatusExited:
			reading.Realized = round2(reading.Realized + exec.RealizedPnl)
		case store.ExecStatusEntered, store.ExecStatusExitPending:
			reading.OpenLegs++
			price := exec.LastPrice
			age := staleAfter + time.Second
			if exec.LastPriceAt != nil {
				age = now.Sub(*exec.LastPriceAt)
			}
			if price <= 0 || age > staleAfter {
				fresh, err := m.fallbackQuote(ctx, exec.Symbol, exec.Exchange)
				if err != nil {
					reading.Invalid = &StaleDataError{Symbol: exec.Symbol, Exchange: exec.Exchange, Age: age}
					return reading
				}
				price = fresh
			}
			reading.Unrealized = round2(reading.Unrealized + legUnrealized(exec, price))
		}
	}
	reading.Total = round2(reading.Realized + reading.Unrealized)
	reading.Valid = true
	return reading
}

// fallbackQuote fetches one REST quote through the feed's active account,
// cached for the current tick so repeated legs on the same symbol cost one
// call. The client's own token bucket enforces the account rate budget.
func (m *Manager) fallbackQuote(ctx context.Context, symbol, exchange string) (float64, error) {
	key := pairKey{Symbol: symbol, Exchange: exchange}
	m.mu.Lock()
	if q, ok := m.quotes[key]; ok && time.Since(q.At) < m.cfg.Interval() {
		m.mu.Unlock()
		return q.Price, nil
	}
	m.mu.Unlock()

	acc, ok := m.feed.ActiveAccount()
	if !ok {
		var err error
		acc, ok, err = m.db.PrimaryAccount(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("no account available for quote fallback")
		}
	}
	client := m.brokers.ClientFor(acc)

	quoteCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	quote, err := client.Quotes(quoteCtx, symbol, exchange)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.quotes[key] = cachedQuote{Price: quote.LTP, At: time.Now()}
	m.mu.Unlock()

	// Keep the store's last price fresh so the next tick may not need REST.
	if err := m.db.BulkUpdateLastPrice(ctx, []store.PriceUpdate{{
		Symbol:    symbol,
		Exchange:  exchange,
		LastPrice: quote.LTP,
		At:        quote.At,
	}}); err != nil {
		logger.Warnf("risk: writing fallback price for %s:%s failed: %v", exchange, symbol, err)
	}
	return quote.LTP, nil
}

// evalTrailing runs the ratchet. The initial stop is set once from the net
// premium of the open legs and never recomputed; the stop level only ever
// moves up as peak P&L rises.
func (m *Manager) evalTrailing(ctx context.Context, st store.Strategy, pnl float64, open, entered []store.Execution) error {
	changed := false
	if !st.InitialStopSet {
		var initial float64
		if st.TrailingStopType == store.TrailingPercentage {
			initial = round2(-netPremium(open) * st.TrailingStopValue / 100)
		} else {
			initial = -math.Abs(st.TrailingStopValue)
		}
		st.InitialStop = initial
		st.InitialStopSet = true
		st.TrailingActive = true
		st.CurrentStopLevel = initial
		changed = true
		logger.Infof("risk: strategy %d trailing armed, initial stop %.2f", st.ID, initial)
	}
	if pnl > st.PeakPnl {
		st.PeakPnl = pnl
		changed = true
	}
	candidate := round2(st.InitialStop + st.PeakPnl)
	if candidate > st.CurrentStopLevel {
		st.CurrentStopLevel = candidate
		changed = true
	}
	if changed {
		if err := m.db.SaveRatchetState(ctx, st.ID, store.RatchetState{
			Active:         st.TrailingActive,
			PeakPnl:        st.PeakPnl,
			InitialStop:    st.InitialStop,
			InitialStopSet: st.InitialStopSet,
			CurrentStop:    st.CurrentStopLevel,
		}); err != nil {
			return err
		}
	}
	if pnl <= st.CurrentStopLevel {
		return m.fireRule(ctx, st, store.RiskEventTrailingStop, pnl, st.CurrentStopLevel, entered, true)
	}
	return nil
}

// fireRule latches the rule, optionally closes all open legs, and records
// exactly one RiskEvent for the firing.
func (m *Manager) fireRule(ctx context.Context, st store.Strategy, rule store.RiskEventType, pnl, threshold float64, entered []store.Execution, autoExit bool) error {
	now := time.Now()
	if err := m.db.LatchRule(ctx, st.ID, rule, now); err != nil {
		// Another evaluator won the latch: it owns the event and the close.
		if errors.Is(err, store.ErrAlreadyLatched) {
			logger.Debugf("risk: strategy %d %s already latched, skipping duplicate firing", st.ID, rule)
			return nil
		}
		return err
	}
	logger.Warnf("risk: strategy %d (%s) %s fired: pnl=%.2f threshold=%.2f auto_exit=%v",
		st.ID, st.Name, rule, pnl, threshold, autoExit)

	action := "alert_only"
	var orderIDs []string
	closed, failed := 0, 0
	if autoExit {
		action = "auto_exit"
		orderIDs, closed, failed = m.closeStrategyPositions(ctx, st, entered, string(rule))
	}

	evt := store.RiskEvent{
		StrategyID:     st.ID,
		EventType:      rule,
		ThresholdValue: threshold,
		CurrentValue:   pnl,
		ActionTaken:    action,
		ExitOrderIDs:   orderIDs,
		Notes:          fmt.Sprintf("%d legs closed, %d failed", closed, failed),
		TriggeredAt:    now,
	}
	if err := m.db.AppendRiskEvent(ctx, evt); err != nil {
		logger.Errorf("risk: recording %s event for strategy %d failed: %v", rule, st.ID, err)
	}

	m.mu.Lock()
	m.eventsEmitted++
	m.mu.Unlock()

	notify.Best(m.notify, "🚨 *%s* fired on strategy %s\nP&L: %.2f (threshold %.2f)\nAction: %s (%d closed, %d failed)",
		rule, st.Name, pnl, threshold, action, closed, failed)
	return nil
}

// autoExitFor reports whether the given rule may flatten positions for
// this strategy. Trailing stops always close; max loss and max profit
// honor their per-strategy flags.
func autoExitFor(st store.Strategy, rule store.RiskEventType) bool {
	switch rule {
	case store.RiskEventMaxLoss:
		return st.AutoExitOnMaxLoss
	case store.RiskEventMaxProfit:
		return st.AutoExitOnMaxProfit
	}
	return true
}

func firstLatched(st store.Strategy) store.RiskEventType {
	switch {
	case st.MaxLossTriggeredAt != nil:
		return store.RiskEventMaxLoss
	case st.MaxProfitTriggeredAt != nil:
		return store.RiskEventMaxProfit
	case st.TrailingTriggeredAt != nil:
		return store.RiskEventTrailingStop
	}
	return ""
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:             m.running,
		MonitoredStrategies: m.monitored,
		LastTickAt:          m.lastTickAt,
		EventsEmitted:       m.eventsEmitted,
	}
}

// RiskEventLog returns the most recent events for one strategy.
func (m *Manager) RiskEventLog(ctx context.Context, strategyID uint, limit int) ([]store.RiskEvent, error) {
	return m.db.ListRiskEvents(ctx, strategyID, limit)
}
