package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"talon/internal/config"
	"talon/internal/logger"
	"talon/internal/store"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/tidwall/gjson"
)

// TickHandler receives one decoded price tick. Implementations must only
// enqueue and return; the read loop calls it inline.
type TickHandler func(store.PriceUpdate)

// Manager owns one persistent streaming connection over a pool of accounts
// (primary first, backups in order). When reconnect attempts against the
// active account are exhausted it fails over to the next backup, replaying
// the subscription set; exhausting the whole pool ends Run with an error.
type Manager struct {
	cfg    config.FeedConfig
	pool   []store.Account
	onTick TickHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	authed  bool
	subs    map[subKey]struct{}
	active  int
	history []FailoverEvent
	stats   Stats

	writeMu sync.Mutex
}

func NewManager(cfg config.FeedConfig, accounts []store.Account, onTick TickHandler) *Manager {
	return &Manager{
		cfg:    cfg,
		pool:   accounts,
		onTick: onTick,
		subs:   make(map[subKey]struct{}),
	}
}

// ActiveAccount returns the account currently carrying the stream. REST
// fallbacks for stale prices go through this account so they survive a
// failover.
func (m *Manager) ActiveAccount() (store.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pool) == 0 || m.active >= len(m.pool) {
		return store.Account{}, false
	}
	return m.pool[m.active], true
}

// Run connects and keeps the stream alive until ctx is cancelled or the
// account pool is exhausted.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.pool) == 0 {
		return fmt.Errorf("feed: no accounts in connection pool")
	}
	for {
		m.mu.Lock()
		acc := m.pool[m.active]
		m.mu.Unlock()

		bo := &backoff.Backoff{
			Min:    time.Second,
			Max:    m.cfg.BackoffMax(),
			Factor: m.cfg.BackoffBase,
		}
		failures := 0
		for failures < m.cfg.ReconnectAttempts {
			established, err := m.runConnection(ctx, acc)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if established {
				failures = 0
				bo.Reset()
			} else {
				failures++
			}
			m.recordFailure(err)
			delay := bo.Duration()
			logger.Warnf("feed: connection to %s lost (attempt %d/%d), retrying in %s: %v",
				acc.Name, failures, m.cfg.ReconnectAttempts, delay.Round(time.Millisecond), err)
			if !sleepWithContext(ctx, delay) {
				return ctx.Err()
			}
		}

		next, ok := m.failover(fmt.Sprintf("connection failure after %d reconnect attempts", m.cfg.ReconnectAttempts))
		if !ok {
			return fmt.Errorf("feed: all %d accounts exhausted, no backups left", len(m.pool))
		}
		logger.Infof("feed: failing over from %s to %s", acc.Name, next.Name)
	}
}

// runConnection dials, authenticates, replays subscriptions and pumps
// messages until the connection drops. established reports whether
// authentication succeeded at least once on this connection.
func (m *Manager) runConnection(ctx context.Context, acc store.Account) (bool, error) {
	wsURL := strings.TrimSpace(acc.WebsocketURL)
	if wsURL == "" {
		return false, fmt.Errorf("account %s has no websocket url", acc.Name)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.authed = false
	m.stats.Connected = true
	m.stats.ActiveAccount = acc.Name
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.authed = false
		m.stats.Connected = false
		m.stats.Authenticated = false
		m.mu.Unlock()
		_ = conn.Close()
	}()

	// Unblock ReadMessage when ctx is cancelled.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	if err := m.writeJSON(map[string]any{
		"action":  "authenticate",
		"api_key": acc.APIKey,
	}); err != nil {
		return false, fmt.Errorf("send auth: %w", err)
	}

	established := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return established, fmt.Errorf("read: %w", err)
		}
		m.mu.Lock()
		m.stats.MessagesReceived++
		m.stats.LastMessageAt = time.Now()
		m.mu.Unlock()

		msg := gjson.ParseBytes(raw)
		switch msg.Get("type").String() {
		case "auth":
			if msg.Get("status").String() != "success" {
				return established, fmt.Errorf("auth rejected: %s", msg.Get("message").String())
			}
			m.mu.Lock()
			m.authed = true
			m.stats.Authenticated = true
			m.mu.Unlock()
			established = true
			logger.Infof("feed: authenticated on %s", acc.Name)
			m.replaySubscriptions()
		case "subscribe":
			logger.Debugf("feed: subscribe ack status=%s symbol=%s",
				msg.Get("status").String(), msg.Get("symbol").String())
		case "market_data":
			m.dispatchTick(msg)
		}
	}
}

func (m *Manager) dispatchTick(msg gjson.Result) {
	data := msg.Get("data")
	if !data.Exists() {
		data = msg
	}
	symbol := msg.Get("symbol").String()
	if symbol == "" {
		symbol = data.Get("symbol").String()
	}
	exchange := msg.Get("exchange").String()
	if exchange == "" {
		exchange = data.Get("exchange").String()
	}
	ltp := data.Get("ltp").Float()
	if symbol == "" || ltp <= 0 {
		return
	}
	if m.onTick != nil {
		m.onTick(store.PriceUpdate{
			Symbol:    symbol,
			Exchange:  exchange,
			LastPrice: ltp,
			At:        time.Now(),
		})
	}
}

// Subscribe adds the pair to the local set and, if connected, sends the
// control message. Pairs added while disconnected are replayed on the next
// successful auth.
func (m *Manager) Subscribe(symbol, exchange string) error {
	key := subKey{Symbol: symbol, Exchange: exchange}
	m.mu.Lock()
	m.subs[key] = struct{}{}
	m.stats.SubscribedCount = len(m.subs)
	authed := m.authed
	m.mu.Unlock()

	if !authed {
		logger.Debugf("feed: not authenticated, queued subscription %s:%s", exchange, symbol)
		return nil
	}
	return m.writeJSON(map[string]any{
		"action":   "subscribe",
		"symbol":   symbol,
		"exchange": exchange,
		"mode":     ModeLTP,
		"depth":    5,
	})
}

func (m *Manager) Unsubscribe(symbol, exchange string) error {
	key := subKey{Symbol: symbol, Exchange: exchange}
	m.mu.Lock()
	delete(m.subs, key)
	m.stats.SubscribedCount = len(m.subs)
	authed := m.authed
	m.mu.Unlock()

	if !authed {
		return nil
	}
	return m.writeJSON(map[string]any{
		"action":   "unsubscribe",
		"symbol":   symbol,
		"exchange": exchange,
	})
}

func (m *Manager) replaySubscriptions() {
	m.mu.Lock()
	keys := make([]subKey, 0, len(m.subs))
	for k := range m.subs {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	logger.Infof("feed: replaying %d subscriptions", len(keys))
	for _, k := range keys {
		if err := m.writeJSON(map[string]any{
			"action":   "subscribe",
			"symbol":   k.Symbol,
			"exchange": k.Exchange,
			"mode":     ModeLTP,
			"depth":    5,
		}); err != nil {
			logger.Warnf("feed: replay subscribe %s:%s failed: %v", k.Exchange, k.Symbol, err)
			return
		}
		// Pace control messages so the server is not flooded.
		time.Sleep(50 * time.Millisecond)
	}
}

func (m *Manager) writeJSON(v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("feed: not connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (m *Manager) failover(reason string) (store.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active+1 >= len(m.pool) {
		return store.Account{}, false
	}
	from := m.pool[m.active]
	m.active++
	to := m.pool[m.active]
	m.stats.AccountSwitches++
	m.history = append(m.history, FailoverEvent{
		At:     time.Now(),
		From:   from.Name,
		To:     to.Name,
		Reason: reason,
	})
	return to, true
}

func (m *Manager) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ConnectFailures++
	if err != nil {
		m.stats.LastError = err.Error()
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) FailoverHistory() []FailoverEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FailoverEvent, len(m.history))
	copy(out, m.history)
	return out
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
