// Package custody owns encrypted wallet records, routes wallet operations to
// the provider of their network and keeps a short-lived decrypted-wallet cache.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/custody/internal/core/cipher"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/events"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/trading/metrics"
)

// Config tunes the service.
type Config struct {
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	InitTimeout time.Duration `yaml:"init_timeout"`
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 40 * time.Second
	}
}

// Provider health statuses.
const (
	StatusHealthy = "healthy"
	StatusFailed  = "failed"
)

// ProviderHealth is the outcome of one provider probe.
type ProviderHealth struct {
	Status  string        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency"`
}

// InitSummary reports the outcome of InitializeProviders per network.
type InitSummary struct {
	Results map[domain.Network]ProviderHealth `json:"results"`
	Healthy int                               `json:"healthy"`
	Failed  int                               `json:"failed"`
}

// Service is the wallet custody service.
type Service struct {
	cfg       Config
	providers *chain.Registry
	wallets   storage.WalletRepository
	counters  storage.CounterRepository
	cipher    *cipher.Cipher
	events    events.Publisher
	cache     *walletCache
	log       *slog.Logger

	closeOnce sync.Once
}

// New creates a Service. It fails with domain.ErrConfiguration without a cipher.
func New(
	cfg Config,
	providers *chain.Registry,
	wallets storage.WalletRepository,
	counters storage.CounterRepository,
	c *cipher.Cipher,
	pub events.Publisher,
	log *slog.Logger,
) (*Service, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: custody requires an encryption key", domain.ErrConfiguration)
	}
	if providers == nil || wallets == nil || counters == nil {
		return nil, fmt.Errorf("%w: custody requires providers and storage", domain.ErrConfiguration)
	}
	cfg.applyDefaults()
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		providers: providers,
		wallets:   wallets,
		counters:  counters,
		cipher:    c,
		events:    pub,
		cache:     newWalletCache(cfg.CacheTTL),
		log:       log.With("component", "custody"),
	}, nil
}

// CreateWallet generates, encrypts and persists a new wallet on network.
// Only provider, encryption and persistence failures are returned.
func (s *Service) CreateWallet(ctx context.Context, userID string, network domain.Network) (*domain.GeneratedWallet, error) {
	p, err := s.providers.Get(network)
	if err != nil {
		return nil, err
	}

	gen, err := p.CreateWallet(ctx)
	if err != nil {
		return nil, fmt.Errorf("generate %s wallet: %w", network, err)
	}

	encKey, err := s.cipher.Encrypt(gen.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}
	encMnemonic, err := s.cipher.Encrypt(gen.Mnemonic)
	if err != nil {
		return nil, fmt.Errorf("encrypt mnemonic: %w", err)
	}

	rec := domain.WalletRecord{
		Network:             network,
		Address:             gen.Address,
		EncryptedPrivateKey: encKey,
		EncryptedMnemonic:   encMnemonic,
		CreatedAt:           time.Now().UTC(),
		Kind:                domain.WalletKindInternal,
	}
	if err := s.wallets.AppendWallet(ctx, userID, rec); err != nil {
		return nil, fmt.Errorf("persist wallet: %w", err)
	}

	s.bumpCounter(ctx, network, 1)

	s.cache.put(lookupKey(userID, gen.Address), domain.DecryptedWallet{
		Address:    gen.Address,
		PrivateKey: gen.PrivateKey,
		Mnemonic:   gen.Mnemonic,
		Network:    network,
		Kind:       rec.Kind,
	})

	s.log.Info("Wallet created", "user", userID, "wallet", rec)
	s.events.Publish(domain.Event{
		Type:    domain.EventWalletCreated,
		Network: network,
		UserID:  userID,
		Address: gen.Address,
	})
	return gen, nil
}

func (s *Service) bumpCounter(ctx context.Context, network domain.Network, delta int64) {
	count, err := s.counters.Increment(ctx, network, delta)
	if err != nil {
		s.log.Warn("Failed to update wallet counter", "network", network, "delta", delta, "error", err)
	} else {
		metrics.WalletsTotal.WithLabelValues(string(network)).Set(float64(count))
	}
	s.events.Publish(domain.Event{
		Type:    domain.EventMetricsUpdated,
		Network: network,
		Payload: map[string]any{"wallets": count, "ok": err == nil},
	})
}

// GetWallets lists the user's wallets without secrets.
func (s *Service) GetWallets(ctx context.Context, userID string) ([]domain.WalletSummary, error) {
	recs, err := s.wallets.ListWallets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	out := make([]domain.WalletSummary, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Summary())
	}
	return out, nil
}

// GetWallet returns the decrypted wallet, or nil when the user has no wallet
// with that address.
func (s *Service) GetWallet(ctx context.Context, userID, address string) (*domain.DecryptedWallet, error) {
	key := lookupKey(userID, address)
	if w, ok := s.cache.get(key); ok {
		metrics.WalletCacheLookups.WithLabelValues("hit").Inc()
		return &w, nil
	}
	metrics.WalletCacheLookups.WithLabelValues("miss").Inc()

	gen := s.cache.generation(key)
	rec, err := s.findRecord(ctx, userID, address)
	if err != nil || rec == nil {
		return nil, err
	}

	w, err := s.decrypt(*rec)
	if err != nil {
		return nil, err
	}
	if !s.cache.putIfCurrent(key, w, gen) {
		// evicted while loading; the record may be gone
		rec, err := s.findRecord(ctx, userID, address)
		if err != nil || rec == nil {
			return nil, err
		}
	}
	return &w, nil
}

// ResolveWallet returns the user's wallet on network. An empty address picks
// the first wallet created there.
func (s *Service) ResolveWallet(ctx context.Context, userID string, network domain.Network, address string) (*domain.DecryptedWallet, error) {
	if address != "" {
		w, err := s.GetWallet(ctx, userID, address)
		if err != nil {
			return nil, err
		}
		if w == nil || w.Network != network {
			return nil, fmt.Errorf("%w: %s on %s", domain.ErrWalletNotFound, address, network)
		}
		return w, nil
	}

	recs, err := s.wallets.ListWallets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	for _, r := range recs {
		if r.Network == network {
			return s.GetWallet(ctx, userID, r.Address)
		}
	}
	return nil, fmt.Errorf("%w: user %s has no %s wallet", domain.ErrWalletNotFound, userID, network)
}

func (s *Service) decrypt(rec domain.WalletRecord) (domain.DecryptedWallet, error) {
	key, err := s.cipher.Decrypt(rec.EncryptedPrivateKey)
	if err != nil {
		return domain.DecryptedWallet{}, fmt.Errorf("decrypt wallet %s: %w", rec.Address, err)
	}
	mnemonic, err := s.cipher.Decrypt(rec.EncryptedMnemonic)
	if err != nil {
		return domain.DecryptedWallet{}, fmt.Errorf("decrypt wallet %s: %w", rec.Address, err)
	}
	return domain.DecryptedWallet{
		Address:      rec.Address,
		PrivateKey:   key,
		Mnemonic:     mnemonic,
		Network:      rec.Network,
		Kind:         rec.Kind,
		IsAutonomous: rec.IsAutonomous,
	}, nil
}

// findRecord reads the store. EVM addresses match case-insensitively.
func (s *Service) findRecord(ctx context.Context, userID, address string) (*domain.WalletRecord, error) {
	recs, err := s.wallets.ListWallets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	for i := range recs {
		if s.sameAddress(recs[i].Network, recs[i].Address, address) {
			return &recs[i], nil
		}
	}
	return nil, nil
}

func (s *Service) sameAddress(network domain.Network, stored, given string) bool {
	if stored == given {
		return true
	}
	if p, err := s.providers.Get(network); err == nil && p.Type() == domain.NetworkTypeEVM {
		return strings.EqualFold(stored, given)
	}
	return false
}

// GetBalance returns the native balance of one of the user's wallets.
func (s *Service) GetBalance(ctx context.Context, userID, address string) (string, error) {
	rec, p, err := s.walletProvider(ctx, userID, address)
	if err != nil {
		return "", err
	}
	bal, err := p.GetBalance(ctx, rec.Address)
	if err != nil {
		return "", fmt.Errorf("get balance of %s: %w", rec.Address, err)
	}
	return bal, nil
}

// DisplayBalance is GetBalance for display paths: failures yield "0".
func (s *Service) DisplayBalance(ctx context.Context, userID, address string) string {
	bal, err := s.GetBalance(ctx, userID, address)
	if err != nil {
		s.log.Warn("Balance unavailable, showing zero", "user", userID, "address", address, "error", err)
		return "0"
	}
	return bal
}

// GetTokenBalance returns the wallet's balance of token, "0" when it holds none.
func (s *Service) GetTokenBalance(ctx context.Context, userID, address, token string) (string, error) {
	rec, p, err := s.walletProvider(ctx, userID, address)
	if err != nil {
		return "", err
	}
	bal, err := p.GetTokenBalance(ctx, rec.Address, token)
	if err != nil {
		return "", fmt.Errorf("get token balance of %s: %w", rec.Address, err)
	}
	return bal, nil
}

func (s *Service) walletProvider(ctx context.Context, userID, address string) (*domain.WalletRecord, chain.Provider, error) {
	rec, err := s.findRecord(ctx, userID, address)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrWalletNotFound, address)
	}
	p, err := s.providers.Get(rec.Network)
	if err != nil {
		return nil, nil, err
	}
	return rec, p, nil
}

// SetAutonomousWallet sets the opt-in flag for unattended trading. Reports
// whether a wallet matched.
func (s *Service) SetAutonomousWallet(ctx context.Context, userID, address string, enabled bool) (bool, error) {
	rec, err := s.findRecord(ctx, userID, address)
	if err != nil || rec == nil {
		return false, err
	}
	ok, err := s.wallets.SetAutonomous(ctx, userID, rec.Address, enabled)
	if err != nil {
		return false, fmt.Errorf("set autonomous: %w", err)
	}
	if ok {
		s.cache.setAutonomous(lookupKey(userID, rec.Address), enabled)
		s.log.Info("Autonomous trading toggled", "user", userID, "address", rec.Address, "enabled", enabled)
	}
	return ok, nil
}

// IsAutonomousWallet reads the flag from the store, never from the cache.
func (s *Service) IsAutonomousWallet(ctx context.Context, userID, address string) (bool, error) {
	rec, err := s.findRecord(ctx, userID, address)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.IsAutonomous, nil
}

// DeleteWallet removes the wallet and scrubs its cached secrets. Reports
// whether a record was removed.
func (s *Service) DeleteWallet(ctx context.Context, userID string, network domain.Network, address string) (bool, error) {
	stored := address
	if rec, err := s.findRecord(ctx, userID, address); err != nil {
		return false, err
	} else if rec != nil && rec.Network == network {
		stored = rec.Address
	}

	removed, err := s.wallets.RemoveWallet(ctx, userID, network, stored)
	if err != nil {
		return false, fmt.Errorf("remove wallet: %w", err)
	}
	s.cache.evict(lookupKey(userID, stored))
	if !removed {
		return false, nil
	}

	s.bumpCounter(ctx, network, -1)
	s.log.Info("Wallet deleted", "user", userID, "network", network, "address", stored)
	s.events.Publish(domain.Event{
		Type:    domain.EventWalletDeleted,
		Network: network,
		UserID:  userID,
		Address: stored,
	})
	return true, nil
}

// WalletCount returns the number of wallets created on network.
func (s *Service) WalletCount(ctx context.Context, network domain.Network) (int64, error) {
	return s.counters.Get(ctx, network)
}

// WalletCounts returns every per-network counter.
func (s *Service) WalletCounts(ctx context.Context) (map[domain.Network]int64, error) {
	return s.counters.All(ctx)
}

// CheckHealth probes every provider concurrently. One failing provider never
// affects the result of another.
func (s *Service) CheckHealth(ctx context.Context) map[domain.Network]ProviderHealth {
	var (
		mu  sync.Mutex
		out = make(map[domain.Network]ProviderHealth)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.providers.All() {
		g.Go(func() error {
			start := time.Now()
			err := p.CheckHealth(gctx)
			h := ProviderHealth{Status: StatusHealthy, Latency: time.Since(start)}
			if err != nil {
				h.Status = StatusFailed
				h.Error = err.Error()
			}
			mu.Lock()
			out[p.Network()] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// InitializeProviders initializes every provider concurrently, each raced
// against timeout. It never fails: the summary reports each outcome.
func (s *Service) InitializeProviders(ctx context.Context, timeout time.Duration) InitSummary {
	if timeout <= 0 {
		timeout = s.cfg.InitTimeout
	}

	var (
		mu      sync.Mutex
		summary = InitSummary{Results: make(map[domain.Network]ProviderHealth)}
	)
	var g errgroup.Group
	for _, p := range s.providers.All() {
		g.Go(func() error {
			start := time.Now()
			err := initWithTimeout(ctx, p, timeout)
			h := ProviderHealth{Status: StatusHealthy, Latency: time.Since(start)}
			if err != nil {
				h.Status = StatusFailed
				h.Error = err.Error()
				s.log.Error("Provider initialization failed", "network", p.Network(), "error", err)
			} else {
				s.log.Info("Provider initialized", "network", p.Network(), "latency", h.Latency)
			}

			mu.Lock()
			defer mu.Unlock()
			summary.Results[p.Network()] = h
			if err != nil {
				summary.Failed++
			} else {
				summary.Healthy++
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary
}

// initWithTimeout does not trust Initialize to honour ctx, so the call is
// raced against a timer.
func initWithTimeout(ctx context.Context, p chain.Provider, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Initialize(ctx) }()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s after %s", domain.ErrProviderInitializationTimeout, p.Network(), timeout)
		}
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s after %s", domain.ErrProviderInitializationTimeout, p.Network(), timeout)
	}
}

// Providers returns the provider registry.
func (s *Service) Providers() *chain.Registry {
	return s.providers
}

// CachedWallets returns the number of decrypted wallets currently cached.
func (s *Service) CachedWallets() int {
	return s.cache.len()
}

// Close stops the cache's expiry sweep and scrubs every cached wallet.
func (s *Service) Close() {
	s.closeOnce.Do(s.cache.close)
}
