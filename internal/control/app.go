package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/vietddude/custody/internal/core/breaker"
	"github.com/vietddude/custody/internal/core/cipher"
	"github.com/vietddude/custody/internal/core/config"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/events"
	"github.com/vietddude/custody/internal/core/worker"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/chain/evm"
	"github.com/vietddude/custody/internal/infra/chain/solana"
	redisclient "github.com/vietddude/custody/internal/infra/redis"
	"github.com/vietddude/custody/internal/infra/rpc/provider"
	"github.com/vietddude/custody/internal/infra/smartrouter"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/infra/storage/bolt"
	"github.com/vietddude/custody/internal/infra/storage/memory"
	"github.com/vietddude/custody/internal/infra/storage/postgres"
	"github.com/vietddude/custody/internal/trading/custody"
	"github.com/vietddude/custody/internal/trading/dispatch"
	"github.com/vietddude/custody/internal/trading/health"
)

// eventBuffer is the log subscriber's channel size.
const eventBuffer = 256

// App wires custody, dispatch and the health server around one configuration.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	breakers   *breaker.Registry
	providers  *chain.Registry
	bus        *events.Bus
	custody    *custody.Service
	dispatcher *dispatch.Dispatcher
	pruner     *worker.Pruner
	monitor    *health.Monitor
	server     *health.Server

	db      *postgres.DB
	closers []func() error // storage and transports, closed in reverse

	mu       sync.Mutex
	init     custody.InitSummary
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds every component from cfg. Nothing touches the network until Start.
func New(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		cfg:      cfg,
		log:      log,
		breakers: breaker.NewRegistry(cfg.Breakers),
		bus:      events.NewBus(log),
	}

	key, err := cipher.ParseKey(cfg.Secrets.EncryptionKey)
	if err != nil {
		return nil, err
	}
	c, err := cipher.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	// 1. Storage
	wallets, counters, journal, err := a.openStorage(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	wallets = storage.Guard(wallets, a.breakers, breaker.Config{})

	// 2. Providers
	providers, err := a.buildProviders()
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.providers = providers

	// 3. Services
	a.custody, err = custody.New(custody.Config{
		CacheTTL:    cfg.Custody.CacheTTL,
		InitTimeout: cfg.Custody.InitTimeout,
	}, providers, wallets, counters, c, a.bus, log)
	if err != nil {
		a.closeAll()
		return nil, err
	}

	a.dispatcher = dispatch.New(dispatch.Config{
		GasRefreshInterval: cfg.Dispatch.GasRefreshInterval,
		SubmitTimeout:      cfg.Dispatch.SubmitTimeout,
		MinIntervals:       cfg.MinIntervals(),
	}, providers, a.custody, dispatch.NewTransferBuilder(cfg.Decimals()), journal, a.bus, log)

	if cfg.Dispatch.Retention > 0 {
		a.pruner = worker.NewPruner(cfg.Dispatch.Retention, a.dispatcher, log)
	}

	// 4. Health
	a.monitor = health.NewMonitor(a.custody, a.dispatcher, a.breakers, cfg.Server.HealthCacheFor, log)
	a.server = health.NewServer(a.monitor, a.dispatcher, cfg.Server.Host, cfg.Server.Port)

	slog.Info("Custody service assembled",
		"networks", len(providers.Networks()),
		"storage", cfg.Storage.Driver,
		"redis_journal", cfg.Redis.URL != "",
	)
	return a, nil
}

func (a *App) openStorage(ctx context.Context) (storage.WalletRepository, storage.CounterRepository, storage.TxJournal, error) {
	var (
		wallets  storage.WalletRepository
		counters storage.CounterRepository
		journal  storage.TxJournal
	)

	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		slog.Info("Initializing PostgreSQL storage")
		db, err := postgres.NewDB(ctx, a.cfg.Database)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		wallets = postgres.NewWalletRepo(db)
		counters = postgres.NewCounterRepo(db)
		// postgres has no journal table; redis or memory holds in-flight records
		journal = memory.NewJournal(memory.NewMemoryStorage())

	case config.DriverBolt:
		slog.Info("Initializing bolt storage", "path", a.cfg.Bolt.Path)
		store, err := bolt.Open(a.cfg.Bolt.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, store.Close)
		wallets, counters, journal = store, store, store.Journal()

	default:
		slog.Info("Initializing in-memory storage")
		store := memory.NewMemoryStorage()
		wallets = memory.NewWalletRepo(store)
		counters = memory.NewCounterRepo(store)
		journal = memory.NewJournal(store)
	}

	if a.cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(a.cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, journaling locally", "error", err)
		} else {
			a.closers = append(a.closers, rc.Close)
			journal = redisclient.NewJournal(rc)
		}
	}
	return wallets, counters, journal, nil
}

func (a *App) buildProviders() (*chain.Registry, error) {
	var submitter solana.Submitter
	if a.cfg.SmartRouter.Address != "" {
		router, err := smartrouter.Dial(smartrouter.Config{
			Address:       a.cfg.SmartRouter.Address,
			Token:         a.cfg.Secrets.SmartRouterToken,
			Timeout:       a.cfg.SmartRouter.Timeout,
			MaxRetries:    a.cfg.SmartRouter.MaxRetries,
			RetryDelay:    a.cfg.SmartRouter.RetryDelay,
			PriorityLevel: a.cfg.SmartRouter.PriorityLevel,
		}, a.breakers, a.log)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
		a.closers = append(a.closers, router.Close)
		submitter = router
	}

	reg := chain.NewRegistry()
	for _, n := range a.cfg.Networks {
		endpoints := make([]provider.Endpoint, 0, len(n.RPC))
		for _, ep := range n.RPC {
			endpoints = append(endpoints, provider.NewHTTPProvider(string(n.Name), ep.Name, ep.URL, n.RPCTimeout))
		}

		switch n.Type {
		case domain.NetworkTypeSolana:
			var sub solana.Submitter
			if n.UseSmartRouter {
				if submitter == nil {
					return nil, fmt.Errorf("%w: network %s uses the smart router but smart_router.address is empty",
						domain.ErrConfiguration, n.Name)
				}
				sub = submitter
			}
			reg.Register(solana.New(solana.Config{
				Network:             n.Name,
				WSURL:               n.WSURL,
				ReferenceToken:      n.ReferenceToken,
				ProbeTimeout:        n.ProbeTimeout,
				HealthCheckInterval: n.HealthCheckInterval,
			}, endpoints, a.breakers, sub, a.log))
		default:
			reg.Register(evm.New(evm.Config{
				Network:      n.Name,
				ChainID:      n.ChainID,
				Decimals:     n.Decimals,
				ProbeTimeout: n.ProbeTimeout,
			}, endpoints, a.breakers, a.log))
		}
		slog.Info("Provider configured", "network", n.Name, "type", n.Type, "endpoints", len(endpoints))
	}
	return reg, nil
}

// Start initializes providers and starts the background components.
// Providers that fail to initialize are reported, not fatal.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	// Log every event
	_, ch := a.bus.Subscribe(eventBuffer)
	a.goRun(func() { events.LogEvents(ctx, a.log.With("component", "events"), ch) })

	summary := a.custody.InitializeProviders(ctx, a.cfg.Custody.InitTimeout)
	a.mu.Lock()
	a.init = summary
	a.mu.Unlock()
	if summary.Failed > 0 {
		a.log.Warn("Some providers failed to initialize", "healthy", summary.Healthy, "failed", summary.Failed)
	} else {
		a.log.Info("Providers initialized", "healthy", summary.Healthy)
	}

	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	if a.pruner != nil {
		a.log.Info("Starting pruner", "retention", a.cfg.Dispatch.Retention)
		a.goRun(func() { a.pruner.Start(ctx) })
	}

	a.goRun(func() {
		if err := a.server.Start(ctx); err != nil {
			a.log.Error("Health server failed", "error", err)
		}
	})
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Stop shuts everything down. Later calls are no-ops.
func (a *App) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("Stopping custody service...")

		var errs []error
		if serr := a.server.Stop(ctx); serr != nil {
			errs = append(errs, fmt.Errorf("health server: %w", serr))
		}
		if derr := a.dispatcher.Stop(ctx); derr != nil {
			errs = append(errs, fmt.Errorf("dispatcher: %w", derr))
		}

		a.mu.Lock()
		if a.cancel != nil {
			a.cancel()
		}
		a.mu.Unlock()

		a.custody.Close()
		for _, p := range a.providers.All() {
			if cerr := p.Cleanup(); cerr != nil {
				a.log.Warn("Provider cleanup failed", "network", p.Network(), "error", cerr)
			}
		}
		a.bus.Close()
		a.wg.Wait()

		if cerr := a.closeAll(); cerr != nil {
			errs = append(errs, cerr)
		}
		err = errors.Join(errs...)
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Custody returns the wallet service.
func (a *App) Custody() *custody.Service { return a.custody }

// Dispatcher returns the transaction dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Events returns the event bus.
func (a *App) Events() *events.Bus { return a.bus }

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// InitSummary returns the provider initialization outcome of the last Start.
func (a *App) InitSummary() custody.InitSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.init
}
