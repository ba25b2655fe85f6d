package storage

import (
	"context"

	"github.com/vietddude/custody/internal/core/breaker"
	"github.com/vietddude/custody/internal/core/domain"
)

// WalletBreakerName guards wallet persistence.
const WalletBreakerName = "store:wallets"

// GuardedWallets routes every call of a WalletRepository through a breaker,
// so an unreachable database fails fast instead of stalling each caller.
type GuardedWallets struct {
	repo     WalletRepository
	breakers *breaker.Registry
	cfg      breaker.Config
}

// Guard wraps repo. A nil registry returns repo unchanged.
func Guard(repo WalletRepository, breakers *breaker.Registry, cfg breaker.Config) WalletRepository {
	if breakers == nil {
		return repo
	}
	return &GuardedWallets{repo: repo, breakers: breakers, cfg: cfg}
}

func (g *GuardedWallets) AppendWallet(ctx context.Context, userID string, rec domain.WalletRecord) error {
	return g.breakers.Execute(ctx, WalletBreakerName, func(ctx context.Context) error {
		return g.repo.AppendWallet(ctx, userID, rec)
	}, g.cfg)
}

func (g *GuardedWallets) ListWallets(ctx context.Context, userID string) ([]domain.WalletRecord, error) {
	return breaker.ExecuteValue(ctx, g.breakers, WalletBreakerName, func(ctx context.Context) ([]domain.WalletRecord, error) {
		return g.repo.ListWallets(ctx, userID)
	}, g.cfg)
}

func (g *GuardedWallets) SetAutonomous(ctx context.Context, userID, address string, enabled bool) (bool, error) {
	return breaker.ExecuteValue(ctx, g.breakers, WalletBreakerName, func(ctx context.Context) (bool, error) {
		return g.repo.SetAutonomous(ctx, userID, address, enabled)
	}, g.cfg)
}

func (g *GuardedWallets) RemoveWallet(ctx context.Context, userID string, network domain.Network, address string) (bool, error) {
	return breaker.ExecuteValue(ctx, g.breakers, WalletBreakerName, func(ctx context.Context) (bool, error) {
		return g.repo.RemoveWallet(ctx, userID, network, address)
	}, g.cfg)
}
