package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"talon/internal/config"
	"talon/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	store.Store

	mu         sync.Mutex
	strategies map[uint]store.Strategy
	openCounts map[string]int64
	riskOpen   []store.Execution
	batches    [][]store.PriceUpdate
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		strategies: map[uint]store.Strategy{},
		openCounts: map[string]int64{},
	}
}

func (f *fakeStore) GetStrategy(ctx context.Context, id uint) (store.Strategy, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.strategies[id]
	return st, ok, nil
}

func (f *fakeStore) CountOpenBySymbol(ctx context.Context, symbol, exchange string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCounts[exchange+":"+symbol], nil
}

func (f *fakeStore) ListOpenRiskManaged(ctx context.Context) ([]store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.riskOpen, nil
}

func (f *fakeStore) BulkUpdateLastPrice(ctx context.Context, updates []store.PriceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]store.PriceUpdate, len(updates))
	copy(batch, updates)
	f.batches = append(f.batches, batch)
	return nil
}

type fakeFeed struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

func (f *fakeFeed) Subscribe(symbol, exchange string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, exchange+":"+symbol)
	return nil
}

func (f *fakeFeed) Unsubscribe(symbol, exchange string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, exchange+":"+symbol)
	return nil
}

func newTestMonitor() (*Monitor, *fakeStore, *fakeFeed) {
	db := newFakeStore()
	feed := &fakeFeed{}
	m := New(config.MonitorConfig{FlushIntervalSec: 1, RefreshIntervalSec: 60}, db, feed)
	return m, db, feed
}

func riskExec(id uint, symbol string) store.Execution {
	return store.Execution{
		ID: id, StrategyID: 1, AccountID: 1,
		Symbol: symbol, Exchange: "NFO",
		Side: store.SideSell, Quantity: 75,
		Status: store.ExecStatusEntered,
	}
}

func TestSubscribeOncePerSymbol(t *testing.T) {
	m, db, feed := newTestMonitor()
	db.strategies[1] = store.Strategy{ID: 1, MaxLoss: 1000}
	ctx := context.Background()

	m.OnOrderFilled(ctx, riskExec(1, "NIFTY24AUG24000CE"))
	m.OnOrderFilled(ctx, riskExec(2, "NIFTY24AUG24000CE"))

	assert.Equal(t, []string{"NFO:NIFTY24AUG24000CE"}, feed.subscribed)
	st := m.Status()
	assert.Equal(t, 1, st.SubscribedSymbols)
	assert.Equal(t, 2, st.TrackedPositions)
}

func TestUnconfiguredStrategyIsNotWatched(t *testing.T) {
	m, db, feed := newTestMonitor()
	db.strategies[1] = store.Strategy{ID: 1} // no risk rules

	m.OnOrderFilled(context.Background(), riskExec(1, "NIFTY24AUG24000CE"))
	assert.Empty(t, feed.subscribed)
	assert.Zero(t, m.Status().SubscribedSymbols)
}

func TestUnsubscribeOnlyWhenStoreReportsFlat(t *testing.T) {
	m, db, feed := newTestMonitor()
	db.strategies[1] = store.Strategy{ID: 1, MaxLoss: 1000}
	ctx := context.Background()

	m.OnOrderFilled(ctx, riskExec(1, "NIFTY24AUG24000CE"))
	m.OnOrderFilled(ctx, riskExec(2, "NIFTY24AUG24000CE"))

	// The store still sees one open execution on the pair.
	db.openCounts["NFO:NIFTY24AUG24000CE"] = 1
	m.OnPositionClosed(ctx, riskExec(1, "NIFTY24AUG24000CE"))
	assert.Empty(t, feed.unsubscribed)

	db.openCounts["NFO:NIFTY24AUG24000CE"] = 0
	m.OnPositionClosed(ctx, riskExec(2, "NIFTY24AUG24000CE"))
	assert.Equal(t, []string{"NFO:NIFTY24AUG24000CE"}, feed.unsubscribed)
	assert.Zero(t, m.Status().SubscribedSymbols)
}

func TestTicksForUnwatchedPairsAreDropped(t *testing.T) {
	m, db, _ := newTestMonitor()

	m.OnTick(store.PriceUpdate{Symbol: "BANKNIFTY", Exchange: "NSE", LastPrice: 51000, At: time.Now()})
	assert.Zero(t, m.Status().PendingUpdates)

	m.flush(context.Background())
	assert.Empty(t, db.batches)
}

func TestFlushBatchesLatestTickPerPair(t *testing.T) {
	m, db, _ := newTestMonitor()
	db.strategies[1] = store.Strategy{ID: 1, MaxLoss: 1000}
	ctx := context.Background()
	m.OnOrderFilled(ctx, riskExec(1, "NIFTY24AUG24000CE"))

	at := time.Now()
	m.OnTick(store.PriceUpdate{Symbol: "NIFTY24AUG24000CE", Exchange: "NFO", LastPrice: 101, At: at})
	m.OnTick(store.PriceUpdate{Symbol: "NIFTY24AUG24000CE", Exchange: "NFO", LastPrice: 103.5, At: at.Add(time.Second)})
	assert.Equal(t, 1, m.Status().PendingUpdates)

	m.flush(ctx)
	require.Len(t, db.batches, 1)
	require.Len(t, db.batches[0], 1)
	assert.Equal(t, 103.5, db.batches[0][0].LastPrice)
	assert.Zero(t, m.Status().PendingUpdates)

	// Nothing pending: no second write.
	m.flush(ctx)
	assert.Len(t, db.batches, 1)
}

func TestRefreshPicksUpMissedSubscriptions(t *testing.T) {
	m, db, feed := newTestMonitor()
	db.riskOpen = []store.Execution{
		riskExec(1, "NIFTY24AUG24000CE"),
		riskExec(2, "NIFTY24AUG24000CE"),
		riskExec(3, "NIFTY24AUG24200PE"),
	}

	m.refresh(context.Background())
	assert.ElementsMatch(t, []string{"NFO:NIFTY24AUG24000CE", "NFO:NIFTY24AUG24200PE"}, feed.subscribed)
	st := m.Status()
	assert.Equal(t, 2, st.SubscribedSymbols)
	assert.Equal(t, 3, st.TrackedPositions)

	// A second refresh adds nothing.
	m.refresh(context.Background())
	assert.Len(t, feed.subscribed, 2)
}
