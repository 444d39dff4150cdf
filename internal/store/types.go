package store

import "time"

type ExecStatus string

const (
	ExecStatusPending     ExecStatus = "pending"
	ExecStatusEntered     ExecStatus = "entered"
	ExecStatusExitPending ExecStatus = "exit_pending"
	ExecStatusExited      ExecStatus = "exited"
	ExecStatusFailed      ExecStatus = "failed"
)

// Terminal reports whether the status can never advance again.
func (s ExecStatus) Terminal() bool {
	return s == ExecStatusExited || s == ExecStatusFailed
}

type BrokerOrderStatus string

const (
	BrokerOrderOpen      BrokerOrderStatus = "open"
	BrokerOrderComplete  BrokerOrderStatus = "complete"
	BrokerOrderRejected  BrokerOrderStatus = "rejected"
	BrokerOrderCancelled BrokerOrderStatus = "cancelled"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Reverse returns the opposite transaction side, used for exit orders.
func (s Side) Reverse() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type TrailingType string

const (
	TrailingPercentage TrailingType = "percentage"
	TrailingPoints     TrailingType = "points"
	TrailingAmount     TrailingType = "amount"
)

type RiskEventType string

const (
	RiskEventMaxLoss      RiskEventType = "max_loss"
	RiskEventMaxProfit    RiskEventType = "max_profit"
	RiskEventTrailingStop RiskEventType = "trailing_stop"
)

// Execution is one leg's order/position record for one account and one
// entry attempt.
type Execution struct {
	ID         uint
	StrategyID uint
	AccountID  uint
	LegID      uint

	EntryOrderID string
	ExitOrderID  string

	Symbol   string
	Exchange string
	Side     Side
	Quantity int
	Product  string

	EntryPrice  float64
	ExitPrice   float64
	LastPrice   float64
	LastPriceAt *time.Time

	RealizedPnl   float64
	UnrealizedPnl float64

	Status            ExecStatus
	BrokerOrderStatus BrokerOrderStatus

	EntryTime  *time.Time
	ExitTime   *time.Time
	ExitReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Strategy carries the risk configuration plus the trailing-stop ratchet
// state. The ratchet fields are mutated only by the risk manager.
type Strategy struct {
	ID                    uint
	Name                  string
	IsActive              bool
	RiskMonitoringEnabled bool

	MaxLoss             float64
	MaxProfit           float64
	AutoExitOnMaxLoss   bool
	AutoExitOnMaxProfit bool

	TrailingStopValue float64
	TrailingStopType  TrailingType

	TrailingActive   bool
	PeakPnl          float64
	InitialStop      float64
	InitialStopSet   bool
	CurrentStopLevel float64

	MaxLossTriggeredAt   *time.Time
	MaxProfitTriggeredAt *time.Time
	TrailingTriggeredAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RiskConfigured reports whether any risk rule is set on the strategy.
// Executions of unconfigured strategies are never subscribed to live data.
func (s Strategy) RiskConfigured() bool {
	return s.MaxLoss > 0 || s.MaxProfit > 0 || s.TrailingStopValue > 0
}

// RiskEvent is the append-only audit record of a rule firing.
type RiskEvent struct {
	ID             string
	StrategyID     uint
	EventType      RiskEventType
	ThresholdValue float64
	CurrentValue   float64
	ActionTaken    string
	ExitOrderIDs   []string
	Notes          string
	TriggeredAt    time.Time
}

// Account holds the broker connection identity for one trading account.
type Account struct {
	ID           uint
	Name         string
	Broker       string
	HostURL      string
	WebsocketURL string
	APIKey       string
	IsActive     bool
	IsPrimary    bool
}

// PriceUpdate is one batched last-price write for a (symbol, exchange) pair.
type PriceUpdate struct {
	Symbol    string
	Exchange  string
	LastPrice float64
	At        time.Time
}

// RatchetState is the trailing-stop state persisted per strategy.
type RatchetState struct {
	Active         bool
	PeakPnl        float64
	InitialStop    float64
	InitialStopSet bool
	CurrentStop    float64
}
