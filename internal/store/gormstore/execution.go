package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"talon/internal/store"
	"talon/internal/store/model"

	"gorm.io/gorm"
)

func (s *Store) CreateExecution(ctx context.Context, exec *store.Execution) error {
	if s == nil || s.db == nil || exec == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if exec.Status == "" {
		exec.Status = store.ExecStatusPending
	}
	now := time.Now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	m := newExecutionModel(*exec)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	exec.ID = m.ID
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id uint) (store.Execution, bool, error) {
	if s == nil || s.db == nil {
		return store.Execution{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m model.ExecutionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Execution{}, false, nil
		}
		return store.Execution{}, false, err
	}
	return executionModelToRecord(m), true, nil
}

func (s *Store) ListExecutionsByStrategy(ctx context.Context, strategyID uint) ([]store.Execution, error) {
	return s.listExecutions(ctx, "strategy_id = ?", strategyID)
}

func (s *Store) ListOpenExecutions(ctx context.Context, strategyID uint) ([]store.Execution, error) {
	return s.listExecutions(ctx, "strategy_id = ? AND status = ?", strategyID, string(store.ExecStatusEntered))
}

func (s *Store) ListTrackable(ctx context.Context) ([]store.Execution, error) {
	return s.listExecutions(ctx, "status IN ?", []string{
		string(store.ExecStatusPending),
		string(store.ExecStatusExitPending),
	})
}

func (s *Store) ListOpenRiskManaged(ctx context.Context) ([]store.Execution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []model.ExecutionModel
	err := s.db.WithContext(ctx).
		Table("executions").
		Joins("JOIN strategies ON strategies.id = executions.strategy_id").
		Where("executions.status = ?", string(store.ExecStatusEntered)).
		Where("executions.broker_order_status NOT IN (?, ?)",
			string(store.BrokerOrderRejected), string(store.BrokerOrderCancelled)).
		Where("strategies.is_active = ? AND strategies.risk_monitoring_enabled = ?", true, true).
		Where("strategies.max_loss > 0 OR strategies.max_profit > 0 OR strategies.trailing_stop_value > 0").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.Execution, 0, len(models))
	for _, m := range models {
		out = append(out, executionModelToRecord(m))
	}
	return out, nil
}

func (s *Store) CountOpenBySymbol(ctx context.Context, symbol, exchange string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store not initialized")
	}
	var total int64
	err := s.db.WithContext(ctx).Model(&model.ExecutionModel{}).
		Where("symbol = ? AND exchange = ?", normalizeSymbol(symbol), strings.ToUpper(strings.TrimSpace(exchange))).
		Where("status IN ?", []string{
			string(store.ExecStatusEntered),
			string(store.ExecStatusExitPending),
		}).
		Count(&total).Error
	return total, err
}

func (s *Store) listExecutions(ctx context.Context, query string, args ...any) ([]store.Execution, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []model.ExecutionModel
	if err := s.db.WithContext(ctx).Where(query, args...).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.Execution, 0, len(models))
	for _, m := range models {
		out = append(out, executionModelToRecord(m))
	}
	return out, nil
}

// MarkEntered advances pending -> entered on an entry fill. A zero fill
// price keeps the previously recorded entry price instead of overwriting it.
func (s *Store) MarkEntered(ctx context.Context, id uint, fillPrice float64, at time.Time) error {
	return s.transition(ctx, id, func(m *model.ExecutionModel) error {
		if m.Status != string(store.ExecStatusPending) && m.Status != string(store.ExecStatusEntered) {
			return fmt.Errorf("%w: %s -> entered (execution %d)", store.ErrBadTransition, m.Status, id)
		}
		m.Status = string(store.ExecStatusEntered)
		m.BrokerOrderStatus = string(store.BrokerOrderComplete)
		if fillPrice > 0 {
			m.EntryPrice = fillPrice
		}
		if m.EntryTime == 0 {
			m.EntryTime = at.UnixMilli()
		}
		return nil
	})
}

// MarkExited advances exit_pending (or entered, for a direct resync fill)
// to exited and computes the realized P&L from the broker-confirmed fill.
func (s *Store) MarkExited(ctx context.Context, id uint, fillPrice float64, at time.Time, reason string) error {
	return s.transition(ctx, id, func(m *model.ExecutionModel) error {
		if m.Status == string(store.ExecStatusExited) || m.Status == string(store.ExecStatusFailed) {
			return fmt.Errorf("%w: %s -> exited (execution %d)", store.ErrBadTransition, m.Status, id)
		}
		m.Status = string(store.ExecStatusExited)
		m.BrokerOrderStatus = string(store.BrokerOrderComplete)
		if fillPrice > 0 {
			m.ExitPrice = fillPrice
		}
		if m.ExitTime == 0 {
			m.ExitTime = at.UnixMilli()
		}
		if reason != "" {
			m.ExitReason = reason
		}
		if m.ExitPrice > 0 && m.EntryPrice > 0 {
			diff := m.ExitPrice - m.EntryPrice
			if store.Side(m.Side) == store.SideSell {
				diff = -diff
			}
			m.RealizedPnl = diff * float64(m.Quantity)
		}
		m.UnrealizedPnl = 0
		return nil
	})
}

func (s *Store) MarkFailed(ctx context.Context, id uint, brokerStatus store.BrokerOrderStatus) error {
	return s.transition(ctx, id, func(m *model.ExecutionModel) error {
		if m.Status == string(store.ExecStatusExited) {
			return fmt.Errorf("%w: exited -> failed (execution %d)", store.ErrBadTransition, id)
		}
		m.Status = string(store.ExecStatusFailed)
		m.BrokerOrderStatus = string(brokerStatus)
		return nil
	})
}

func (s *Store) SetExitPending(ctx context.Context, id uint, exitOrderID, reason string) error {
	exitOrderID = strings.TrimSpace(exitOrderID)
	if exitOrderID == "" {
		return fmt.Errorf("exit order id required")
	}
	return s.transition(ctx, id, func(m *model.ExecutionModel) error {
		if m.Status != string(store.ExecStatusEntered) {
			return fmt.Errorf("%w: %s -> exit_pending (execution %d)", store.ErrBadTransition, m.Status, id)
		}
		m.Status = string(store.ExecStatusExitPending)
		m.ExitOrderID = exitOrderID
		m.ExitReason = reason
		m.BrokerOrderStatus = string(store.BrokerOrderOpen)
		return nil
	})
}

func (s *Store) ClearExitPending(ctx context.Context, id uint) error {
	return s.transition(ctx, id, func(m *model.ExecutionModel) error {
		if m.Status != string(store.ExecStatusExitPending) {
			return fmt.Errorf("%w: %s -> entered (execution %d)", store.ErrBadTransition, m.Status, id)
		}
		m.Status = string(store.ExecStatusEntered)
		m.ExitOrderID = ""
		m.ExitReason = ""
		return nil
	})
}

func (s *Store) SetBrokerOrderStatus(ctx context.Context, id uint, status store.BrokerOrderStatus) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&model.ExecutionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"broker_order_status": string(status),
			"updated_at":          time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// BulkUpdateLastPrice applies one batch of tick writes in a single
// transaction, one UPDATE per (symbol, exchange) pair.
func (s *Store) BulkUpdateLastPrice(ctx context.Context, updates []store.PriceUpdate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			if u.LastPrice <= 0 {
				continue
			}
			err := tx.Model(&model.ExecutionModel{}).
				Where("symbol = ? AND exchange = ?", normalizeSymbol(u.Symbol), strings.ToUpper(strings.TrimSpace(u.Exchange))).
				Where("status IN ?", []string{
					string(store.ExecStatusEntered),
					string(store.ExecStatusExitPending),
				}).
				Updates(map[string]any{
					"last_price":    u.LastPrice,
					"last_price_at": u.At.UnixMilli(),
					"updated_at":    time.Now().UnixMilli(),
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// transition loads the row, applies mutate and writes it back inside one
// transaction so concurrent writers cannot interleave a status change.
func (s *Store) transition(ctx context.Context, id uint, mutate func(*model.ExecutionModel) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m model.ExecutionModel
		if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		if err := mutate(&m); err != nil {
			return err
		}
		m.UpdatedAtUnix = time.Now().UnixMilli()
		return tx.Save(&m).Error
	})
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func newExecutionModel(rec store.Execution) model.ExecutionModel {
	return model.ExecutionModel{
		ID:                rec.ID,
		StrategyID:        rec.StrategyID,
		AccountID:         rec.AccountID,
		LegID:             rec.LegID,
		EntryOrderID:      strings.TrimSpace(rec.EntryOrderID),
		ExitOrderID:       strings.TrimSpace(rec.ExitOrderID),
		Symbol:            normalizeSymbol(rec.Symbol),
		Exchange:          strings.ToUpper(strings.TrimSpace(rec.Exchange)),
		Side:              string(rec.Side),
		Quantity:          rec.Quantity,
		Product:           rec.Product,
		EntryPrice:        rec.EntryPrice,
		ExitPrice:         rec.ExitPrice,
		LastPrice:         rec.LastPrice,
		LastPriceAt:       timePtrToUnix(rec.LastPriceAt),
		RealizedPnl:       rec.RealizedPnl,
		UnrealizedPnl:     rec.UnrealizedPnl,
		Status:            string(rec.Status),
		BrokerOrderStatus: string(rec.BrokerOrderStatus),
		EntryTime:         timePtrToUnix(rec.EntryTime),
		ExitTime:          timePtrToUnix(rec.ExitTime),
		ExitReason:        rec.ExitReason,
		CreatedAtUnix:     rec.CreatedAt.UnixMilli(),
		UpdatedAtUnix:     rec.UpdatedAt.UnixMilli(),
	}
}

func executionModelToRecord(m model.ExecutionModel) store.Execution {
	return store.Execution{
		ID:                m.ID,
		StrategyID:        m.StrategyID,
		AccountID:         m.AccountID,
		LegID:             m.LegID,
		EntryOrderID:      m.EntryOrderID,
		ExitOrderID:       m.ExitOrderID,
		Symbol:            m.Symbol,
		Exchange:          m.Exchange,
		Side:              store.Side(m.Side),
		Quantity:          m.Quantity,
		Product:           m.Product,
		EntryPrice:        m.EntryPrice,
		ExitPrice:         m.ExitPrice,
		LastPrice:         m.LastPrice,
		LastPriceAt:       unixToTimePtr(m.LastPriceAt),
		RealizedPnl:       m.RealizedPnl,
		UnrealizedPnl:     m.UnrealizedPnl,
		Status:            store.ExecStatus(m.Status),
		BrokerOrderStatus: store.BrokerOrderStatus(m.BrokerOrderStatus),
		EntryTime:         unixToTimePtr(m.EntryTime),
		ExitTime:          unixToTimePtr(m.ExitTime),
		ExitReason:        m.ExitReason,
		CreatedAt:         time.UnixMilli(m.CreatedAtUnix),
		UpdatedAt:         time.UnixMilli(m.UpdatedAtUnix),
	}
}
