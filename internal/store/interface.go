package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: record not found")
	// ErrBadTransition is returned when a lifecycle method is applied to a
	// row whose current status does not allow it.
	ErrBadTransition = errors.New("store: illegal status transition")
	// ErrAlreadyLatched is returned by LatchRule when the rule's trigger
	// timestamp is already set, so a racing caller knows it lost.
	ErrAlreadyLatched = errors.New("store: risk rule already latched")
)

// Store is the single source of truth shared by the reconciliation loop,
// the position monitor and the risk manager. Implementations must be safe
// for concurrent use.
type Store interface {
	ExecutionStore
	StrategyStore
	RiskEventStore
	AccountStore

	Close() error
}

type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id uint) (Execution, bool, error)
	ListExecutionsByStrategy(ctx context.Context, strategyID uint) ([]Execution, error)
	// ListOpenExecutions returns executions in status entered for one strategy.
	ListOpenExecutions(ctx context.Context, strategyID uint) ([]Execution, error)
	// ListTrackable returns every execution the reconciliation loop must
	// re-enter into its tracking set after a restart.
	ListTrackable(ctx context.Context) ([]Execution, error)
	// ListOpenRiskManaged returns open executions whose strategy has any
	// stop-loss/take-profit/trailing configuration.
	ListOpenRiskManaged(ctx context.Context) ([]Execution, error)
	CountOpenBySymbol(ctx context.Context, symbol, exchange string) (int64, error)

	// Lifecycle transitions. These are the only writers of status and of
	// the realized P&L, keeping the lifecycle invariants in one place.
	MarkEntered(ctx context.Context, id uint, fillPrice float64, at time.Time) error
	MarkExited(ctx context.Context, id uint, fillPrice float64, at time.Time, reason string) error
	MarkFailed(ctx context.Context, id uint, brokerStatus BrokerOrderStatus) error
	SetExitPending(ctx context.Context, id uint, exitOrderID, reason string) error
	// ClearExitPending reverts a failed exit attempt back to entered so a
	// retry is obviously safe.
	ClearExitPending(ctx context.Context, id uint) error
	SetBrokerOrderStatus(ctx context.Context, id uint, status BrokerOrderStatus) error

	BulkUpdateLastPrice(ctx context.Context, updates []PriceUpdate) error
}

type StrategyStore interface {
	CreateStrategy(ctx context.Context, s *Strategy) error
	GetStrategy(ctx context.Context, id uint) (Strategy, bool, error)
	// ListRiskMonitored returns active strategies with risk monitoring on.
	ListRiskMonitored(ctx context.Context) ([]Strategy, error)

	SaveRatchetState(ctx context.Context, strategyID uint, st RatchetState) error
	LatchRule(ctx context.Context, strategyID uint, rule RiskEventType, at time.Time) error
	// ResetRiskState clears all latches and ratchet state once a strategy
	// is completely flat.
	ResetRiskState(ctx context.Context, strategyID uint) error
}

type RiskEventStore interface {
	AppendRiskEvent(ctx context.Context, evt RiskEvent) error
	ListRiskEvents(ctx context.Context, strategyID uint, limit int) ([]RiskEvent, error)
}

type AccountStore interface {
	GetAccount(ctx context.Context, id uint) (Account, bool, error)
	ListActiveAccounts(ctx context.Context) ([]Account, error)
	PrimaryAccount(ctx context.Context) (Account, bool, error)
}
