package model

import (
	"gorm.io/datatypes"
)

// ExecutionModel is the persisted shape of a store.Execution.
type ExecutionModel struct {
	ID         uint `gorm:"column:id;primaryKey"`
	StrategyID uint `gorm:"column:strategy_id;index"`
	AccountID  uint `gorm:"column:account_id;index"`
	LegID      uint `gorm:"column:leg_id"`

	EntryOrderID string `gorm:"column:entry_order_id;index"`
	ExitOrderID  string `gorm:"column:exit_order_id"`

	Symbol   string `gorm:"column:symbol;index:idx_exec_symbol_exchange"`
	Exchange string `gorm:"column:exchange;index:idx_exec_symbol_exchange"`
	Side     string `gorm:"column:side"`
	Quantity int    `gorm:"column:quantity"`
	Product  string `gorm:"column:product"`

	EntryPrice  float64 `gorm:"column:entry_price"`
	ExitPrice   float64 `gorm:"column:exit_price"`
	LastPrice   float64 `gorm:"column:last_price"`
	LastPriceAt int64   `gorm:"column:last_price_at"`

	RealizedPnl   float64 `gorm:"column:realized_pnl"`
	UnrealizedPnl float64 `gorm:"column:unrealized_pnl"`

	Status            string `gorm:"column:status;index"`
	BrokerOrderStatus string `gorm:"column:broker_order_status"`

	EntryTime  int64  `gorm:"column:entry_time"`
	ExitTime   int64  `gorm:"column:exit_time"`
	ExitReason string `gorm:"column:exit_reason"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
}

func (ExecutionModel) TableName() string { return "executions" }

// StrategyModel persists risk thresholds plus trailing ratchet state.
type StrategyModel struct {
	ID                    uint   `gorm:"column:id;primaryKey"`
	Name                  string `gorm:"column:name;index"`
	IsActive              bool   `gorm:"column:is_active"`
	RiskMonitoringEnabled bool   `gorm:"column:risk_monitoring_enabled"`

	MaxLoss             float64 `gorm:"column:max_loss"`
	MaxProfit           float64 `gorm:"column:max_profit"`
	AutoExitOnMaxLoss   bool    `gorm:"column:auto_exit_on_max_loss"`
	AutoExitOnMaxProfit bool    `gorm:"column:auto_exit_on_max_profit"`

	TrailingStopValue float64 `gorm:"column:trailing_stop_value"`
	TrailingStopType  string  `gorm:"column:trailing_stop_type"`

	TrailingActive   bool    `gorm:"column:trailing_active"`
	PeakPnl          float64 `gorm:"column:peak_pnl"`
	InitialStop      float64 `gorm:"column:initial_stop"`
	InitialStopSet   bool    `gorm:"column:initial_stop_set"`
	CurrentStopLevel float64 `gorm:"column:current_stop_level"`

	MaxLossTriggeredAt   int64 `gorm:"column:max_loss_triggered_at"`
	MaxProfitTriggeredAt int64 `gorm:"column:max_profit_triggered_at"`
	TrailingTriggeredAt  int64 `gorm:"column:trailing_triggered_at"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
}

func (StrategyModel) TableName() string { return "strategies" }

// RiskEventModel is append-only; rows are never updated.
type RiskEventModel struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	EventID        string         `gorm:"column:event_uuid;index"`
	StrategyID     uint           `gorm:"column:strategy_id;index"`
	EventType      string         `gorm:"column:event_type"`
	ThresholdValue float64        `gorm:"column:threshold_value"`
	CurrentValue   float64        `gorm:"column:current_value"`
	ActionTaken    string         `gorm:"column:action_taken"`
	ExitOrderIDs   datatypes.JSON `gorm:"column:exit_order_ids"`
	Notes          string         `gorm:"column:notes"`
	TriggeredAt    int64          `gorm:"column:triggered_at;index"`
}

func (RiskEventModel) TableName() string { return "risk_events" }

// AccountModel holds per-account broker connection details.
type AccountModel struct {
	ID           uint   `gorm:"column:id;primaryKey"`
	Name         string `gorm:"column:name;uniqueIndex"`
	Broker       string `gorm:"column:broker"`
	HostURL      string `gorm:"column:host_url"`
	WebsocketURL string `gorm:"column:websocket_url"`
	APIKey       string `gorm:"column:api_key"`
	IsActive     bool   `gorm:"column:is_active"`
	IsPrimary    bool   `gorm:"column:is_primary"`
}

func (AccountModel) TableName() string { return "accounts" }
