package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"talon/internal/broker"
	"talon/internal/config"
	"talon/internal/feed"
	"talon/internal/logger"
	"talon/internal/monitor"
	"talon/internal/poller"
	"talon/internal/risk"
	"talon/internal/store"
	apihttp "talon/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App owns every service instance and the engine lifecycle. There are no
// package-level singletons: everything is constructed once by the builder
// and passed by reference.
type App struct {
	cfg     *config.Config
	db      store.Store
	brokers *broker.Factory
	feed    *feed.Manager
	monitor *monitor.Monitor
	poller  *poller.Poller
	risk    *risk.Manager
	api     *apihttp.Server
	watcher *config.Watcher

	engineMu   sync.Mutex
	engineStop func()
	running    bool
}

// NewApp builds the full service graph from configuration.
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, opts...)
}

// Run starts the API server and the engine, then blocks until ctx is
// cancelled. Shutdown is ordered: poller first, then risk, then the monitor
// (which flushes pending ticks), then the feed, and finally the store.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.db.Close()

	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			logger.Warnf("app: config watcher failed to start: %v", err)
		}
	}

	if err := a.StartEngine(); err != nil {
		return err
	}
	defer func() {
		if err := a.StopEngine(); err != nil {
			logger.Warnf("app: engine stop: %v", err)
		}
	}()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.api.Start(gctx); err != nil {
			return fmt.Errorf("api server error: %w", err)
		}
		return nil
	})
	return group.Wait()
}

type engineComponent struct {
	name   string
	run    func(context.Context) error
	cancel context.CancelFunc
	done   chan struct{}
}

// StartEngine launches the background loops. Idempotent in the negative:
// starting a running engine is an error surfaced to the API caller.
func (a *App) StartEngine() error {
	a.engineMu.Lock()
	defer a.engineMu.Unlock()
	if a.running {
		return fmt.Errorf("engine already running")
	}

	parent, parentCancel := context.WithCancel(context.Background())

	// Shutdown order is the reverse of data flow: stop producing new orders
	// before stopping the loops that confirm them.
	components := []*engineComponent{
		{name: "poller", run: a.poller.Run},
		{name: "risk", run: a.risk.Run},
		{name: "monitor", run: a.monitor.Run},
		{name: "feed", run: a.feed.Run},
	}
	for _, c := range components {
		c := c
		ctx, cancel := context.WithCancel(parent)
		c.cancel = cancel
		c.done = make(chan struct{})
		go func() {
			defer close(c.done)
			if err := c.run(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("app: %s loop exited: %v", c.name, err)
			}
		}()
	}

	a.engineStop = func() {
		for _, c := range components {
			c.cancel()
			select {
			case <-c.done:
			case <-time.After(10 * time.Second):
				logger.Warnf("app: %s did not stop within 10s", c.name)
			}
			logger.Infof("app: %s stopped", c.name)
		}
		parentCancel()
	}
	a.running = true
	logger.Infof("app: engine started with %d loops", len(components))
	return nil
}

// StopEngine cancels each loop in order and waits for it to drain.
func (a *App) StopEngine() error {
	a.engineMu.Lock()
	defer a.engineMu.Unlock()
	if !a.running {
		return fmt.Errorf("engine not running")
	}
	a.engineStop()
	a.engineStop = nil
	a.running = false
	logger.Infof("app: engine stopped")
	return nil
}

func (a *App) EngineRunning() bool {
	a.engineMu.Lock()
	defer a.engineMu.Unlock()
	return a.running
}

// EngineStatus aggregates every component's snapshot for /api/status.
func (a *App) EngineStatus() apihttp.EngineStatus {
	return apihttp.EngineStatus{
		Running:  a.EngineRunning(),
		Poller:   a.poller.Status(),
		Risk:     a.risk.Status(),
		Monitor:  a.monitor.Status(),
		Feed:     a.feed.Stats(),
		Failover: a.feed.FailoverHistory(),
	}
}

// AccountSummary serves one account's broker snapshot through the TTL
// cache, so UI polling does not burn the account's API budget.
func (a *App) AccountSummary(ctx context.Context, accountID uint) (apihttp.AccountSummary, error) {
	acc, ok, err := a.db.GetAccount(ctx, accountID)
	if err != nil {
		return apihttp.AccountSummary{}, err
	}
	if !ok {
		return apihttp.AccountSummary{}, store.ErrNotFound
	}
	cache := a.brokers.CacheFor(acc)
	funds, err := cache.Funds(ctx)
	if err != nil {
		return apihttp.AccountSummary{}, err
	}
	positions, err := cache.Positions(ctx)
	if err != nil {
		return apihttp.AccountSummary{}, err
	}
	return apihttp.AccountSummary{Account: acc.Name, Funds: funds, Positions: positions}, nil
}

// onConfigReload applies hot-reloadable settings.
func (a *App) onConfigReload(cfg *config.Config) {
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("app: applied reloaded config, log_level=%s", cfg.App.LogLevel)
}
