package apihttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"talon/internal/poller"
	"talon/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type stubEngine struct {
	running bool
}

func (s *stubEngine) StartEngine() error {
	if s.running {
		return errors.New("engine already running")
	}
	s.running = true
	return nil
}

func (s *stubEngine) StopEngine() error {
	if !s.running {
		return errors.New("engine not running")
	}
	s.running = false
	return nil
}

func (s *stubEngine) EngineRunning() bool { return s.running }

type stubStatus struct{ engine *stubEngine }

func (s *stubStatus) EngineStatus() EngineStatus {
	return EngineStatus{Running: s.engine.running}
}

type stubResync struct {
	result poller.ResyncResult
	err    error
}

func (s *stubResync) Resync(ctx context.Context, executionID uint) (poller.ResyncResult, error) {
	return s.result, s.err
}

type stubRisk struct {
	events []store.RiskEvent
}

func (s *stubRisk) RiskEventLog(ctx context.Context, strategyID uint, limit int) ([]store.RiskEvent, error) {
	return s.events, nil
}

type stubAccounts struct {
	summary AccountSummary
	err     error
}

func (s *stubAccounts) AccountSummary(ctx context.Context, accountID uint) (AccountSummary, error) {
	return s.summary, s.err
}

type testFixture struct {
	server   *Server
	engine   *stubEngine
	resync   *stubResync
	risk     *stubRisk
	accounts *stubAccounts
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	engine := &stubEngine{running: true}
	f := &testFixture{
		engine:   engine,
		resync:   &stubResync{},
		risk:     &stubRisk{},
		accounts: &stubAccounts{},
	}
	srv, err := NewServer(ServerConfig{
		Addr:     ":0",
		Engine:   engine,
		Status:   &stubStatus{engine: engine},
		Poller:   f.resync,
		Risk:     f.risk,
		Accounts: f.accounts,
	})
	require.NoError(t, err)
	f.server = srv
	return f
}

func (f *testFixture) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	return w
}

func TestNewServerRequiresCoreSources(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
}

func TestStatusReportsEngineState(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "running").Bool())
}

func TestEngineStartStopConflicts(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/engine/start")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/engine/stop")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.engine.running)

	w = f.do(http.MethodPost, "/api/engine/stop")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/engine/start")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.engine.running)
}

func TestResyncExecutionStatusCodes(t *testing.T) {
	f := newFixture(t)
	f.resync.result = poller.ResyncResult{
		Execution: store.Execution{ID: 3, Status: store.ExecStatusEntered},
	}

	w := f.do(http.MethodPost, "/api/executions/3/resync")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "entered", gjson.Get(w.Body.String(), "execution.Status").String())

	w = f.do(http.MethodPost, "/api/executions/abc/resync")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.resync.err = store.ErrNotFound
	w = f.do(http.MethodPost, "/api/executions/99/resync")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.resync.err = fmt.Errorf("broker unreachable")
	w = f.do(http.MethodPost, "/api/executions/3/resync")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRiskEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.risk.events = []store.RiskEvent{
		{ID: "evt-1", StrategyID: 7, EventType: store.RiskEventMaxLoss, ActionTaken: "auto_exit"},
	}

	w := f.do(http.MethodGet, "/api/strategies/7/risk-events?limit=10")
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, int64(7), gjson.Get(body, "strategy_id").Int())
	assert.Equal(t, "max_loss", gjson.Get(body, "events.0.EventType").String())

	w = f.do(http.MethodGet, "/api/strategies/x/risk-events")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAccountSummaryEndpoint(t *testing.T) {
	f := newFixture(t)
	f.accounts.summary = AccountSummary{Account: "primary"}

	w := f.do(http.MethodGet, "/api/accounts/1/summary")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "primary", gjson.Get(w.Body.String(), "account").String())

	f.accounts.err = store.ErrNotFound
	w = f.do(http.MethodGet, "/api/accounts/2/summary")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
