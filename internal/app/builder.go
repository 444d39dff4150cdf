package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"talon/internal/broker"
	"talon/internal/config"
	"talon/internal/feed"
	"talon/internal/logger"
	"talon/internal/monitor"
	"talon/internal/notify"
	"talon/internal/poller"
	"talon/internal/risk"
	"talon/internal/store"
	"talon/internal/store/gormstore"
	apihttp "talon/internal/transport/http"
)

// AppBuilder assembles the service graph. Store and notifier constructors
// can be overridden in tests.
type AppBuilder struct {
	cfg *config.Config

	storeFn    func(*config.Config) (store.Store, error)
	notifierFn func(*config.Config) notify.Notifier

	configPath string
}

type AppBuilderOption func(*AppBuilder)

func WithStore(db store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(*config.Config) (store.Store, error) { return db, nil }
	}
}

func WithNotifier(n notify.Notifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(*config.Config) notify.Notifier { return n }
	}
}

// WithConfigPath enables hot reload of the given config file.
func WithConfigPath(path string) AppBuilderOption {
	return func(b *AppBuilder) { b.configPath = path }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		storeFn:    openStore,
		notifierFn: buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	db, err := b.storeFn(b.cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	accounts, err := db.ListActiveAccounts(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if len(accounts) == 0 {
		logger.Warnf("app: no active accounts configured, feed and broker calls will fail")
	}

	brokers := broker.NewFactory(
		b.cfg.Broker.RatePerSec,
		b.cfg.Broker.RequestTimeout(),
		b.cfg.Broker.SnapshotTTL(),
	)
	notifier := b.notifierFn(b.cfg)

	// The feed dispatches ticks into the monitor, and the monitor manages
	// subscriptions on the feed. The indirection breaks the construction
	// cycle; the pointer is set before anything runs.
	var mon atomic.Pointer[monitor.Monitor]
	fd := feed.NewManager(b.cfg.Feed, accounts, func(u store.PriceUpdate) {
		if m := mon.Load(); m != nil {
			m.OnTick(u)
		}
	})
	mon.Store(monitor.New(b.cfg.Monitor, db, fd))

	pol := poller.New(b.cfg.Poller, db, brokers, notifier)
	pol.SetHooks(mon.Load())
	riskMgr := risk.New(b.cfg.Risk, db, brokers, fd, pol, notifier)

	a := &App{
		cfg:     b.cfg,
		db:      db,
		brokers: brokers,
		feed:    fd,
		monitor: mon.Load(),
		poller:  pol,
		risk:    riskMgr,
	}

	api, err := apihttp.NewServer(apihttp.ServerConfig{
		Addr:     b.cfg.App.ListenAddr,
		Engine:   a,
		Status:   a,
		Poller:   pol,
		Risk:     riskMgr,
		Accounts: a,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build api server: %w", err)
	}
	a.api = api

	if b.configPath != "" {
		a.watcher = config.NewWatcher(b.configPath, a.onConfigReload)
	}
	return a, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	return gormstore.Open(cfg.App.DBPath)
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		return notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
	}
	return notify.Noop{}
}
