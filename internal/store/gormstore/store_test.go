package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"talon/internal/store"
	"talon/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "talon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedExecution(t *testing.T, s *Store, exec store.Execution) store.Execution {
	t.Helper()
	require.NoError(t, s.CreateExecution(context.Background(), &exec))
	return exec
}

func pendingLeg(strategyID uint, symbol string, side store.Side, qty int) store.Execution {
	return store.Execution{
		StrategyID:   strategyID,
		AccountID:    1,
		EntryOrderID: "E-" + symbol,
		Symbol:       symbol,
		Exchange:     "NFO",
		Side:         side,
		Quantity:     qty,
		Product:      "NRML",
		Status:       store.ExecStatusPending,
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s, pendingLeg(1, "NIFTY24AUG24000CE", store.SideBuy, 75))

	require.NoError(t, s.MarkEntered(ctx, exec.ID, 102.5, time.Now()))
	got, ok, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.ExecStatusEntered, got.Status)
	assert.Equal(t, store.BrokerOrderComplete, got.BrokerOrderStatus)
	assert.Equal(t, 102.5, got.EntryPrice)
	require.NotNil(t, got.EntryTime)

	require.NoError(t, s.SetExitPending(ctx, exec.ID, "X-1", "max_loss"))
	got, _, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecStatusExitPending, got.Status)
	assert.Equal(t, "X-1", got.ExitOrderID)
	assert.Equal(t, "max_loss", got.ExitReason)
	assert.Equal(t, store.BrokerOrderOpen, got.BrokerOrderStatus)

	require.NoError(t, s.MarkExited(ctx, exec.ID, 95.0, time.Now(), "max_loss"))
	got, _, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecStatusExited, got.Status)
	assert.Equal(t, 95.0, got.ExitPrice)
	// BUY leg: (95 - 102.5) * 75
	assert.InDelta(t, -562.5, got.RealizedPnl, 1e-9)
	assert.Zero(t, got.UnrealizedPnl)
	require.NotNil(t, got.ExitTime)

	// Terminal rows reject further transitions.
	assert.ErrorIs(t, s.MarkExited(ctx, exec.ID, 90, time.Now(), ""), store.ErrBadTransition)
	assert.ErrorIs(t, s.MarkFailed(ctx, exec.ID, store.BrokerOrderRejected), store.ErrBadTransition)
}

func TestRealizedPnlSignForShortLeg(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s, pendingLeg(1, "NIFTY24AUG24000PE", store.SideSell, 75))

	require.NoError(t, s.MarkEntered(ctx, exec.ID, 100, time.Now()))
	require.NoError(t, s.SetExitPending(ctx, exec.ID, "X-2", "manual"))
	require.NoError(t, s.MarkExited(ctx, exec.ID, 60, time.Now(), "manual"))

	got, _, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	// SELL leg bought back cheaper: (60 - 100) * 75 negated.
	assert.InDelta(t, 3000.0, got.RealizedPnl, 1e-9)
}

func TestMarkEnteredKeepsPriorPriceOnZeroFill(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec := pendingLeg(1, "BANKNIFTY24AUG50000CE", store.SideBuy, 15)
	exec.EntryPrice = 210.4
	exec = seedExecution(t, s, exec)

	require.NoError(t, s.MarkEntered(ctx, exec.ID, 0, time.Now()))
	got, _, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecStatusEntered, got.Status)
	assert.Equal(t, 210.4, got.EntryPrice)
}

func TestSetExitPendingRequiresEnteredStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s, pendingLeg(1, "NIFTY24AUG24000CE", store.SideBuy, 75))

	assert.ErrorIs(t, s.SetExitPending(ctx, exec.ID, "X-1", "max_loss"), store.ErrBadTransition)
	assert.Error(t, s.SetExitPending(ctx, exec.ID, "  ", "max_loss"))
	assert.ErrorIs(t, s.SetExitPending(ctx, 9999, "X-1", "max_loss"), store.ErrNotFound)
}

func TestClearExitPendingRevertsToEntered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s, pendingLeg(1, "NIFTY24AUG24000CE", store.SideSell, 75))
	require.NoError(t, s.MarkEntered(ctx, exec.ID, 100, time.Now()))
	require.NoError(t, s.SetExitPending(ctx, exec.ID, "X-3", "trailing_stop"))

	require.NoError(t, s.ClearExitPending(ctx, exec.ID))
	got, _, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecStatusEntered, got.Status)
	assert.Empty(t, got.ExitOrderID)
	assert.Empty(t, got.ExitReason)

	assert.ErrorIs(t, s.ClearExitPending(ctx, exec.ID), store.ErrBadTransition)
}

func TestListTrackableCoversRestartRecovery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pending := seedExecution(t, s, pendingLeg(1, "NIFTY24AUG24000CE", store.SideBuy, 75))
	entered := seedExecution(t, s, pendingLeg(1, "NIFTY24AUG24100CE", store.SideBuy, 75))
	require.NoError(t, s.MarkEntered(ctx, entered.ID, 100, time.Now()))
	exiting := seedExecution(t, s, pendingLeg(1, "NIFTY24AUG24200CE", store.SideBuy, 75))
	require.NoError(t, s.MarkEntered(ctx, exiting.ID, 100, time.Now()))
	require.NoError(t, s.SetExitPending(ctx, exiting.ID, "X-9", "max_profit"))

	trackable, err := s.ListTrackable(ctx)
	require.NoError(t, err)
	require.Len(t, trackable, 2)
	assert.Equal(t, pending.ID, trackable[0].ID)
	assert.Equal(t, exiting.ID, trackable[1].ID)
}

func TestBulkUpdateLastPriceTouchesOnlyOpenRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	open := seedExecution(t, s, pendingLeg(1, "NIFTY24AUG24000CE", store.SideBuy, 75))
	require.NoError(t, s.MarkEntered(ctx, open.ID, 100, time.Now()))
	done := seedExecution(t, s, pendingLeg(1, "NIFTY24AUG24000CE", store.SideBuy, 75))
	require.NoError(t, s.MarkEntered(ctx, done.ID, 100, time.Now()))
	require.NoError(t, s.SetExitPending(ctx, done.ID, "X-4", "manual"))
	require.NoError(t, s.MarkExited(ctx, done.ID, 110, time.Now(), "manual"))

	at := time.Now()
	require.NoError(t, s.BulkUpdateLastPrice(ctx, []store.PriceUpdate{
		{Symbol: "nifty24aug24000ce", Exchange: "nfo", LastPrice: 123.45, At: at},
		{Symbol: "NIFTY24AUG24000CE", Exchange: "NFO", LastPrice: 0, At: at}, // skipped
	}))

	got, _, err := s.GetExecution(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, 123.45, got.LastPrice)
	require.NotNil(t, got.LastPriceAt)

	got, _, err = s.GetExecution(ctx, done.ID)
	require.NoError(t, err)
	assert.Zero(t, got.LastPrice)
}

func TestListOpenRiskManagedJoinsStrategyConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	managed := &store.Strategy{Name: "condor", IsActive: true, RiskMonitoringEnabled: true, MaxLoss: 1000}
	require.NoError(t, s.CreateStrategy(ctx, managed))
	bare := &store.Strategy{Name: "naked", IsActive: true, RiskMonitoringEnabled: true}
	require.NoError(t, s.CreateStrategy(ctx, bare))

	in := seedExecution(t, s, pendingLeg(managed.ID, "NIFTY24AUG24000CE", store.SideSell, 75))
	require.NoError(t, s.MarkEntered(ctx, in.ID, 100, time.Now()))
	out := seedExecution(t, s, pendingLeg(bare.ID, "NIFTY24AUG24100CE", store.SideSell, 75))
	require.NoError(t, s.MarkEntered(ctx, out.ID, 100, time.Now()))

	rows, err := s.ListOpenRiskManaged(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, in.ID, rows[0].ID)
}

func TestCountOpenBySymbolNormalizesInput(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s, pendingLeg(1, "nifty24aug24000ce", store.SideBuy, 75))
	require.NoError(t, s.MarkEntered(ctx, exec.ID, 100, time.Now()))

	n, err := s.CountOpenBySymbol(ctx, " NIFTY24AUG24000CE ", "nfo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLatchRuleWritesOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	st := &store.Strategy{Name: "strangle", IsActive: true, RiskMonitoringEnabled: true, MaxLoss: 500}
	require.NoError(t, s.CreateStrategy(ctx, st))

	first := time.UnixMilli(1700000000000)
	require.NoError(t, s.LatchRule(ctx, st.ID, store.RiskEventMaxLoss, first))
	assert.ErrorIs(t, s.LatchRule(ctx, st.ID, store.RiskEventMaxLoss, first.Add(time.Hour)), store.ErrAlreadyLatched)

	got, ok, err := s.GetStrategy(ctx, st.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.MaxLossTriggeredAt)
	assert.Equal(t, first.UnixMilli(), got.MaxLossTriggeredAt.UnixMilli())
	assert.Nil(t, got.MaxProfitTriggeredAt)

	assert.Error(t, s.LatchRule(ctx, st.ID, store.RiskEventType("bogus"), first))
}

func TestRatchetStateRoundtripAndReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	st := &store.Strategy{Name: "condor", IsActive: true, RiskMonitoringEnabled: true, TrailingStopValue: 30}
	require.NoError(t, s.CreateStrategy(ctx, st))

	require.NoError(t, s.SaveRatchetState(ctx, st.ID, store.RatchetState{
		Active: true, PeakPnl: 5000, InitialStop: -6000, InitialStopSet: true, CurrentStop: -1000,
	}))
	require.NoError(t, s.LatchRule(ctx, st.ID, store.RiskEventTrailingStop, time.Now()))

	got, _, err := s.GetStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.True(t, got.TrailingActive)
	assert.Equal(t, 5000.0, got.PeakPnl)
	assert.Equal(t, -6000.0, got.InitialStop)
	assert.True(t, got.InitialStopSet)
	assert.Equal(t, -1000.0, got.CurrentStopLevel)
	assert.NotNil(t, got.TrailingTriggeredAt)

	require.NoError(t, s.ResetRiskState(ctx, st.ID))
	got, _, err = s.GetStrategy(ctx, st.ID)
	require.NoError(t, err)
	assert.False(t, got.TrailingActive)
	assert.Zero(t, got.PeakPnl)
	assert.False(t, got.InitialStopSet)
	assert.Zero(t, got.CurrentStopLevel)
	assert.Nil(t, got.TrailingTriggeredAt)

	assert.ErrorIs(t, s.SaveRatchetState(ctx, 9999, store.RatchetState{}), store.ErrNotFound)
}

func TestRiskEventsRoundtripNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1700000000000)
	for i, evtType := range []store.RiskEventType{store.RiskEventMaxLoss, store.RiskEventTrailingStop} {
		require.NoError(t, s.AppendRiskEvent(ctx, store.RiskEvent{
			StrategyID:     7,
			EventType:      evtType,
			ThresholdValue: -1000,
			CurrentValue:   -1500,
			ActionTaken:    "auto_exit",
			ExitOrderIDs:   []string{"X-1", "X-2"},
			Notes:          "2 legs closed, 0 failed",
			TriggeredAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, err := s.ListRiskEvents(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.RiskEventTrailingStop, events[0].EventType)
	assert.Equal(t, []string{"X-1", "X-2"}, events[0].ExitOrderIDs)
	assert.NotEmpty(t, events[0].ID)

	assert.Error(t, s.AppendRiskEvent(ctx, store.RiskEvent{EventType: store.RiskEventMaxLoss}))
}

func TestAccountsPrimaryOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.db.Create(&model.AccountModel{Name: "backup", HostURL: "http://b", APIKey: "k2", IsActive: true}).Error)
	require.NoError(t, s.db.Create(&model.AccountModel{Name: "main", HostURL: "http://a", APIKey: "k1", IsActive: true, IsPrimary: true}).Error)
	require.NoError(t, s.db.Create(&model.AccountModel{Name: "retired", HostURL: "http://c", APIKey: "k3"}).Error)

	accounts, err := s.ListActiveAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "main", accounts[0].Name)
	assert.Equal(t, "backup", accounts[1].Name)

	primary, ok, err := s.PrimaryAccount(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "main", primary.Name)

	_, ok, err = s.GetAccount(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, ok)
}
