package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"talon/internal/store"
	"talon/internal/store/model"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (s *Store) AppendRiskEvent(ctx context.Context, evt store.RiskEvent) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	if evt.StrategyID == 0 {
		return fmt.Errorf("risk event requires strategy id")
	}
	if strings.TrimSpace(evt.ID) == "" {
		evt.ID = uuid.NewString()
	}
	if evt.TriggeredAt.IsZero() {
		evt.TriggeredAt = time.Now()
	}
	ids, _ := json.Marshal(evt.ExitOrderIDs)
	m := model.RiskEventModel{
		EventID:        evt.ID,
		StrategyID:     evt.StrategyID,
		EventType:      string(evt.EventType),
		ThresholdValue: evt.ThresholdValue,
		CurrentValue:   evt.CurrentValue,
		ActionTaken:    evt.ActionTaken,
		ExitOrderIDs:   datatypes.JSON(ids),
		Notes:          evt.Notes,
		TriggeredAt:    evt.TriggeredAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *Store) ListRiskEvents(ctx context.Context, strategyID uint, limit int) ([]store.RiskEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []model.RiskEventModel
	err := s.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("triggered_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.RiskEvent, 0, len(models))
	for _, m := range models {
		var ids []string
		if len(m.ExitOrderIDs) > 0 {
			_ = json.Unmarshal(m.ExitOrderIDs, &ids)
		}
		out = append(out, store.RiskEvent{
			ID:             m.EventID,
			StrategyID:     m.StrategyID,
			EventType:      store.RiskEventType(m.EventType),
			ThresholdValue: m.ThresholdValue,
			CurrentValue:   m.CurrentValue,
			ActionTaken:    m.ActionTaken,
			ExitOrderIDs:   ids,
			Notes:          m.Notes,
			TriggeredAt:    time.UnixMilli(m.TriggeredAt),
		})
	}
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, id uint) (store.Account, bool, error) {
	if s == nil || s.db == nil {
		return store.Account{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m model.AccountModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Account{}, false, nil
		}
		return store.Account{}, false, err
	}
	return accountModelToRecord(m), true, nil
}

func (s *Store) ListActiveAccounts(ctx context.Context) ([]store.Account, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var models []model.AccountModel
	// Primary first, then backups in insertion order.
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("is_primary DESC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.Account, 0, len(models))
	for _, m := range models {
		out = append(out, accountModelToRecord(m))
	}
	return out, nil
}

func (s *Store) PrimaryAccount(ctx context.Context) (store.Account, bool, error) {
	if s == nil || s.db == nil {
		return store.Account{}, false, fmt.Errorf("gorm store not initialized")
	}
	var m model.AccountModel
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND is_primary = ?", true, true).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.Account{}, false, nil
		}
		return store.Account{}, false, err
	}
	return accountModelToRecord(m), true, nil
}

func accountModelToRecord(m model.AccountModel) store.Account {
	return store.Account{
		ID:           m.ID,
		Name:         m.Name,
		Broker:       m.Broker,
		HostURL:      m.HostURL,
		WebsocketURL: m.WebsocketURL,
		APIKey:       m.APIKey,
		IsActive:     m.IsActive,
		IsPrimary:    m.IsPrimary,
	}
}
