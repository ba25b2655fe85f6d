package chain

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/breaker"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/rpc/provider"
)

// GuardedRPC routes JSON-RPC calls through the network's circuit breaker.
type GuardedRPC struct {
	network  domain.Network
	caller   provider.Caller
	breakers *breaker.Registry
	cfg      breaker.Config
}

// NewGuardedRPC wraps caller. A nil registry disables the breaker.
func NewGuardedRPC(network domain.Network, caller provider.Caller, breakers *breaker.Registry, cfg breaker.Config) *GuardedRPC {
	return &GuardedRPC{network: network, caller: caller, breakers: breakers, cfg: cfg}
}

// BreakerName is the breaker guarding RPC calls of a network.
func BreakerName(network domain.Network) string {
	return "rpc:" + string(network)
}

// Call performs method and returns the raw result.
func (g *GuardedRPC) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if g.breakers == nil {
		return g.caller.Call(ctx, method, params...)
	}
	return breaker.ExecuteValue(ctx, g.breakers, BreakerName(g.network), func(ctx context.Context) (json.RawMessage, error) {
		return g.caller.Call(ctx, method, params...)
	}, g.cfg)
}

// CallInto performs method and decodes the result into out.
func (g *GuardedRPC) CallInto(ctx context.Context, out any, method string, params ...any) error {
	raw, err := g.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	return provider.Into(raw, out)
}

// FormatUnits renders an integer amount of smallest units with fixed precision.
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		v = new(big.Int)
	}
	return decimal.NewFromBigInt(v, -decimals).StringFixed(decimals)
}

// ToUnits converts smallest units to a decimal amount.
func ToUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}
