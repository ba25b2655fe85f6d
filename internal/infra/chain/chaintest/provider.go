// Package chaintest provides an in-memory chain.Provider for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain"
)

// Provider is a scriptable chain.Provider. Configure fields before use.
type Provider struct {
	NetworkName domain.Network
	Kind        domain.NetworkType

	// InitDelay blocks Initialize, ignoring ctx, to simulate a hung RPC.
	InitDelay time.Duration
	InitErr   error
	HealthErr error

	// Balance is returned for every address unless Balances has an entry.
	Balance  string
	Balances map[string]string

	Gas      domain.GasPrice
	GasPanic bool

	SendDelay time.Duration
	SendErr   error
	// BeforeSend runs inside SendTransaction before anything is recorded.
	BeforeSend func(tx *chain.SignedTx)

	mu       sync.Mutex
	created  int
	signed   int
	sent     []chain.SignedTx
	cleanups int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	initCalls   atomic.Int32
}

// New returns a provider with a funded default balance and a live gas price.
func New(network domain.Network, kind domain.NetworkType) *Provider {
	return &Provider{
		NetworkName: network,
		Kind:        kind,
		Balance:     "100",
		Gas: domain.GasPrice{
			Network:   network,
			Price:     big.NewInt(1000),
			Formatted: "1000",
			Source:    domain.GasSourceLive,
			NativeFee: decimal.RequireFromString("0.001"),
		},
	}
}

var _ chain.Provider = (*Provider)(nil)

func (p *Provider) Network() domain.Network  { return p.NetworkName }
func (p *Provider) Type() domain.NetworkType { return p.Kind }

func (p *Provider) Initialize(ctx context.Context) error {
	p.initCalls.Add(1)
	if p.InitDelay > 0 {
		time.Sleep(p.InitDelay)
	}
	return p.InitErr
}

func (p *Provider) CreateWallet(ctx context.Context) (*domain.GeneratedWallet, error) {
	p.mu.Lock()
	p.created++
	n := p.created
	p.mu.Unlock()

	addr := fmt.Sprintf("%sWallet%d", p.NetworkName, n)
	if p.Kind == domain.NetworkTypeEVM {
		addr = fmt.Sprintf("0xAbCdEf%034d", n)
	}
	return &domain.GeneratedWallet{
		Address:    addr,
		PrivateKey: "pk-" + addr,
		Mnemonic:   fmt.Sprintf("mnemonic words %d", n),
	}, nil
}

func (p *Provider) GetBalance(ctx context.Context, address string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.Balances[address]; ok {
		return b, nil
	}
	return p.Balance, nil
}

func (p *Provider) GetTokenBalance(ctx context.Context, address, token string) (string, error) {
	return "0", nil
}

func (p *Provider) GetGasPrice(ctx context.Context) domain.GasPrice {
	if p.GasPanic {
		panic("gas oracle exploded")
	}
	g := p.Gas
	g.UpdatedAt = time.Now()
	return g
}

func (p *Provider) SignTransaction(ctx context.Context, payload chain.TxPayload, privateKey string) (*chain.SignedTx, error) {
	if privateKey == "" {
		return nil, fmt.Errorf("empty private key")
	}
	p.mu.Lock()
	p.signed++
	n := p.signed
	p.mu.Unlock()
	return &chain.SignedTx{
		Network: p.NetworkName,
		Raw:     []byte(payload.From + "->" + payload.To),
		Hash:    fmt.Sprintf("%s-tx-%d", p.NetworkName, n),
	}, nil
}

func (p *Provider) SendTransaction(ctx context.Context, tx *chain.SignedTx) (*chain.Receipt, error) {
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		prev := p.maxInFlight.Load()
		if cur <= prev || p.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	if p.BeforeSend != nil {
		p.BeforeSend(tx)
	}
	if p.SendDelay > 0 {
		select {
		case <-time.After(p.SendDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.SendErr != nil {
		return nil, p.SendErr
	}

	p.mu.Lock()
	p.sent = append(p.sent, *tx)
	p.mu.Unlock()
	return &chain.Receipt{Hash: tx.Hash, Status: chain.ReceiptSuccess, BlockNumber: 1, ConfirmedAt: time.Now()}, nil
}

func (p *Provider) CheckHealth(ctx context.Context) error {
	if p.HealthErr != nil {
		return fmt.Errorf("%w: %w", domain.ErrHealthCheckFailure, p.HealthErr)
	}
	return nil
}

func (p *Provider) Cleanup() error {
	p.mu.Lock()
	p.cleanups++
	p.mu.Unlock()
	return nil
}

// Sent returns every transaction that was submitted successfully.
func (p *Provider) Sent() []chain.SignedTx {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]chain.SignedTx, len(p.sent))
	copy(out, p.sent)
	return out
}

// MaxInFlight is the highest number of concurrent SendTransaction calls seen.
func (p *Provider) MaxInFlight() int {
	return int(p.maxInFlight.Load())
}

// InitCalls counts Initialize calls.
func (p *Provider) InitCalls() int {
	return int(p.initCalls.Load())
}

// Cleanups counts Cleanup calls.
func (p *Provider) Cleanups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanups
}

// SetBalance overrides the balance of one address.
func (p *Provider) SetBalance(address, balance string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Balances == nil {
		p.Balances = make(map[string]string)
	}
	p.Balances[address] = balance
}
