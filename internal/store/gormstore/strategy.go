package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"talon/internal/store"
	"talon/internal/store/model"

	"gorm.io/gorm"
)

func (s *Store) CreateStrategy(ctx context.Context, rec *store.Strategy) error {
	if s == nil || s.db == nil || rec == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.TrailingStopType == "" {
		rec.TrailingStopType = store.TrailingPercentage
	}
	m := newStrategyModel(*rec)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return err
	}
	rec.ID = m.ID
	return nil
}

func (s *Store) GetStrategy(ctx context.Context, id uint) (store.Strategy, bool, error) {
	if s == nil || s.db == nil {
		return store.Strategy{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m model.StrategyModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Strategy{}, false, nil
		}
		return store.Strategy{}, false, err
	}
	return strategyModelToRecord(m), true, nil
}

func (s *Store) ListRiskMonitored(ctx context.Context) ([]store.Strategy, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []model.StrategyModel
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND risk_monitoring_enabled = ?", true, true).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.Strategy, 0, len(models))
	for _, m := range models {
		out = append(out, strategyModelToRecord(m))
	}
	return out, nil
}

func (s *Store) SaveRatchetState(ctx context.Context, strategyID uint, st store.RatchetState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	res := s.db.WithContext(ctx).Model(&model.StrategyModel{}).
		Where("id = ?", strategyID).
		Updates(map[string]any{
			"trailing_active":    st.Active,
			"peak_pnl":           st.PeakPnl,
			"initial_stop":       st.InitialStop,
			"initial_stop_set":   st.InitialStopSet,
			"current_stop_level": st.CurrentStop,
			"updated_at":         time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) LatchRule(ctx context.Context, strategyID uint, rule store.RiskEventType, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	var column string
	switch rule {
	case store.RiskEventMaxLoss:
		column = "max_loss_triggered_at"
	case store.RiskEventMaxProfit:
		column = "max_profit_triggered_at"
	case store.RiskEventTrailingStop:
		column = "trailing_triggered_at"
	default:
		return fmt.Errorf("unknown risk rule %q", rule)
	}
	// Latch only once: a non-zero timestamp is never overwritten.
	res := s.db.WithContext(ctx).Model(&model.StrategyModel{}).
		Where("id = ? AND "+column+" = 0", strategyID).
		Updates(map[string]any{
			column:       at.UnixMilli(),
			"updated_at": time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrAlreadyLatched
	}
	return nil
}

func (s *Store) ResetRiskState(ctx context.Context, strategyID uint) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	return s.db.WithContext(ctx).Model(&model.StrategyModel{}).
		Where("id = ?", strategyID).
		Updates(map[string]any{
			"trailing_active":         false,
			"peak_pnl":                0,
			"initial_stop":            0,
			"initial_stop_set":        false,
			"current_stop_level":      0,
			"max_loss_triggered_at":   0,
			"max_profit_triggered_at": 0,
			"trailing_triggered_at":   0,
			"updated_at":              time.Now().UnixMilli(),
		}).Error
}

func newStrategyModel(rec store.Strategy) model.StrategyModel {
	return model.StrategyModel{
		ID:                    rec.ID,
		Name:                  rec.Name,
		IsActive:              rec.IsActive,
		RiskMonitoringEnabled: rec.RiskMonitoringEnabled,
		MaxLoss:               rec.MaxLoss,
		MaxProfit:             rec.MaxProfit,
		AutoExitOnMaxLoss:     rec.AutoExitOnMaxLoss,
		AutoExitOnMaxProfit:   rec.AutoExitOnMaxProfit,
		TrailingStopValue:     rec.TrailingStopValue,
		TrailingStopType:      string(rec.TrailingStopType),
		TrailingActive:        rec.TrailingActive,
		PeakPnl:               rec.PeakPnl,
		InitialStop:           rec.InitialStop,
		InitialStopSet:        rec.InitialStopSet,
		CurrentStopLevel:      rec.CurrentStopLevel,
		MaxLossTriggeredAt:    timePtrToUnix(rec.MaxLossTriggeredAt),
		MaxProfitTriggeredAt:  timePtrToUnix(rec.MaxProfitTriggeredAt),
		TrailingTriggeredAt:   timePtrToUnix(rec.TrailingTriggeredAt),
		CreatedAtUnix:         rec.CreatedAt.UnixMilli(),
		UpdatedAtUnix:         rec.UpdatedAt.UnixMilli(),
	}
}

func strategyModelToRecord(m model.StrategyModel) store.Strategy {
	return store.Strategy{
		ID:                    m.ID,
		Name:                  m.Name,
		IsActive:              m.IsActive,
		RiskMonitoringEnabled: m.RiskMonitoringEnabled,
		MaxLoss:               m.MaxLoss,
		MaxProfit:             m.MaxProfit,
		AutoExitOnMaxLoss:     m.AutoExitOnMaxLoss,
		AutoExitOnMaxProfit:   m.AutoExitOnMaxProfit,
		TrailingStopValue:     m.TrailingStopValue,
		TrailingStopType:      store.TrailingType(m.TrailingStopType),
		TrailingActive:        m.TrailingActive,
		PeakPnl:               m.PeakPnl,
		InitialStop:           m.InitialStop,
		InitialStopSet:        m.InitialStopSet,
		CurrentStopLevel:      m.CurrentStopLevel,
		MaxLossTriggeredAt:    unixToTimePtr(m.MaxLossTriggeredAt),
		MaxProfitTriggeredAt:  unixToTimePtr(m.MaxProfitTriggeredAt),
		TrailingTriggeredAt:   unixToTimePtr(m.TrailingTriggeredAt),
		CreatedAt:             time.UnixMilli(m.CreatedAtUnix),
		UpdatedAt:             time.UnixMilli(m.UpdatedAtUnix),
	}
}
