package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"talon/internal/broker"
	"talon/internal/logger"
	"talon/internal/store"

	"github.com/jpillora/backoff"
)

// closeStrategyPositions exits every open leg of a triggered strategy. One
// worker per execution so multi-account strategies flatten on all accounts
// at once, with staggered starts to avoid bursting the broker. Returns the
// placed exit order ids plus per-leg success and failure counts.
func (m *Manager) closeStrategyPositions(ctx context.Context, st store.Strategy, entered []store.Execution, reason string) ([]string, int, int) {
	if len(entered) == 0 {
		return nil, 0, 0
	}

	var mu sync.Mutex
	var orderIDs []string
	closed, failed := 0, 0

	var wg sync.WaitGroup
	for i, exec := range entered {
		wg.Add(1)
		go func(idx int, exec store.Execution) {
			defer wg.Done()
			if idx > 0 {
				if !sleepWithContext(ctx, time.Duration(idx)*m.cfg.ExitStagger()) {
					mu.Lock()
					failed++
					mu.Unlock()
					return
				}
			}
			orderID, err := m.closeOne(ctx, st, exec, reason)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				logger.Errorf("risk: close execution %d (%s) failed: %v", exec.ID, exec.Symbol, err)
				return
			}
			closed++
			orderIDs = append(orderIDs, orderID)
		}(i, exec)
	}
	wg.Wait()

	logger.Infof("risk: strategy %d close pass done: %d placed, %d failed", st.ID, closed, failed)
	return orderIDs, closed, failed
}

// closeOne places one reverse-side market order on the leg's own account.
// Transport errors are retried with exponential backoff; business
// rejections are final. The execution only moves to exit_pending after the
// broker acknowledges the order, so a failed attempt leaves it in entered
// and a retry is safe.
func (m *Manager) closeOne(ctx context.Context, st store.Strategy, exec store.Execution, reason string) (string, error) {
	acc, ok, err := m.db.GetAccount(ctx, exec.AccountID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("account %d not found", exec.AccountID)
	}
	client := m.brokers.ClientFor(acc)

	req := broker.OrderRequest{
		Strategy:  st.Name,
		Symbol:    exec.Symbol,
		Exchange:  exec.Exchange,
		Side:      string(exec.Side.Reverse()),
		Quantity:  exec.Quantity,
		PriceType: "MARKET",
		Product:   exec.Product,
	}

	bo := &backoff.Backoff{Min: time.Second, Max: 8 * time.Second, Factor: 2}
	var ack broker.OrderAck
	var lastErr error
	for attempt := 0; attempt <= m.cfg.ExitRetries; attempt++ {
		if attempt > 0 {
			delay := bo.Duration()
			logger.Warnf("risk: exit placement for execution %d retry %d/%d in %s: %v",
				exec.ID, attempt, m.cfg.ExitRetries, delay, lastErr)
			if !sleepWithContext(ctx, delay) {
				return "", ctx.Err()
			}
		}
		ack, lastErr = client.PlaceOrder(ctx, req)
		if lastErr == nil {
			break
		}
		if broker.IsRejection(lastErr) {
			return "", lastErr
		}
	}
	if lastErr != nil {
		return "", lastErr
	}

	if err := m.db.SetExitPending(ctx, exec.ID, ack.OrderID, reason); err != nil {
		// The order is live at the broker regardless; tracking must go on.
		logger.Errorf("risk: execution %d placed exit %s but status update failed: %v", exec.ID, ack.OrderID, err)
	}
	m.tracker.Track(exec.ID, exec.AccountID, ack.OrderID, st.Name)
	logger.Infof("risk: execution %d exit order %s placed on account %d (%s)", exec.ID, ack.OrderID, exec.AccountID, reason)
	return ack.OrderID, nil
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
