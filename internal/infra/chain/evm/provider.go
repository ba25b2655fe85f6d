// Package evm implements chain.Provider for EVM-family networks.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/breaker"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/hdkey"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/rpc/provider"
	"github.com/vietddude/custody/internal/infra/rpc/routing"
)

const (
	transferGas = 21000
	contractGas = 250000
)

var (
	selectorBalanceOf = common.FromHex("0x70a08231")
	selectorDecimals  = common.FromHex("0x313ce567")

	// DefaultGasPrice is served when eth_gasPrice is unreachable.
	DefaultGasPrice = big.NewInt(20_000_000_000)
)

// Config holds settings for an EVM network.
type Config struct {
	Network domain.Network
	// ChainID is verified against eth_chainId when non-zero
	ChainID             int64
	Decimals            int32
	ProbeTimeout        time.Duration
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
	Retry               routing.RetryConfig
	Breaker             breaker.Config
}

func (c *Config) applyDefaults() {
	if c.Decimals == 0 {
		c.Decimals = 18
	}
	if c.ReceiptPollInterval <= 0 {
		c.ReceiptPollInterval = 2 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 2 * time.Minute
	}
}

// Provider serves one EVM network.
type Provider struct {
	cfg  Config
	pool *routing.EndpointPool
	rpc  *chain.GuardedRPC
	log  *slog.Logger

	mu          sync.Mutex
	initialized bool
	chainID     *big.Int

	tokenDecimals sync.Map // token address → int32
	cleanupOnce   sync.Once
}

// New creates an EVM provider over endpoints ordered primary first.
func New(cfg Config, endpoints []provider.Endpoint, breakers *breaker.Registry, log *slog.Logger) *Provider {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	// the pool scopes its own logger by network
	pool := routing.NewEndpointPool(routing.PoolConfig{
		Network:      string(cfg.Network),
		ProbeMethod:  "eth_chainId",
		ProbeTimeout: cfg.ProbeTimeout,
		Retry:        cfg.Retry,
	}, endpoints, log)
	log = log.With("network", cfg.Network)

	return &Provider{
		cfg:  cfg,
		pool: pool,
		rpc:  chain.NewGuardedRPC(cfg.Network, pool, breakers, cfg.Breaker),
		log:  log,
	}
}

func (p *Provider) Network() domain.Network  { return p.cfg.Network }
func (p *Provider) Type() domain.NetworkType { return domain.NetworkTypeEVM }

// Initialize probes the endpoints and verifies the chain id.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	if _, err := p.pool.Probe(ctx); err != nil {
		return err
	}
	id, err := p.fetchChainID(ctx)
	if err != nil {
		return err
	}
	if p.cfg.ChainID != 0 && id.Int64() != p.cfg.ChainID {
		return fmt.Errorf("%w: %s reports chain id %s, expected %d",
			domain.ErrConfiguration, p.cfg.Network, id, p.cfg.ChainID)
	}

	p.chainID = id
	p.initialized = true
	p.log.Info("EVM provider initialized", "chain_id", id, "endpoint", p.pool.Current().Name())
	return nil
}

func (p *Provider) fetchChainID(ctx context.Context) (*big.Int, error) {
	var idHex string
	if err := p.rpc.CallInto(ctx, &idHex, "eth_chainId"); err != nil {
		return nil, fmt.Errorf("eth_chainId failed: %w", err)
	}
	id, err := hexutil.DecodeBig(idHex)
	if err != nil {
		return nil, fmt.Errorf("invalid chain id %q: %w", idHex, err)
	}
	return id, nil
}

func (p *Provider) signerChainID(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	id := p.chainID
	p.mu.Unlock()
	if id != nil {
		return id, nil
	}
	if p.cfg.ChainID != 0 {
		return big.NewInt(p.cfg.ChainID), nil
	}

	id, err := p.fetchChainID(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.chainID = id
	p.mu.Unlock()
	return id, nil
}

// CreateWallet generates a 12-word mnemonic and derives m/44'/60'/0'/0/0.
func (p *Provider) CreateWallet(ctx context.Context) (*domain.GeneratedWallet, error) {
	mnemonic, err := hdkey.NewMnemonic(128)
	if err != nil {
		return nil, err
	}
	return WalletFromMnemonic(mnemonic)
}

// WalletFromMnemonic derives the default account of a mnemonic.
func WalletFromMnemonic(mnemonic string) (*domain.GeneratedWallet, error) {
	seed, err := hdkey.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, err
	}
	keyBytes, err := hdkey.DeriveSecp256k1(seed, hdkey.PathEthereum)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid derived key: %w", err)
	}
	return &domain.GeneratedWallet{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
		Mnemonic:   mnemonic,
	}, nil
}

// GetBalance returns the native balance with 18-decimal precision.
func (p *Provider) GetBalance(ctx context.Context, address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("invalid address %q", address)
	}
	var balHex string
	if err := p.rpc.CallInto(ctx, &balHex, "eth_getBalance", address, "latest"); err != nil {
		return "", fmt.Errorf("eth_getBalance failed: %w", err)
	}
	bal, err := hexutil.DecodeBig(balHex)
	if err != nil {
		return "", fmt.Errorf("invalid balance %q: %w", balHex, err)
	}
	return chain.FormatUnits(bal, p.cfg.Decimals), nil
}

// GetTokenBalance reads an ERC-20 balance. Missing contracts and zero balances yield "0".
func (p *Provider) GetTokenBalance(ctx context.Context, address, token string) (string, error) {
	if !common.IsHexAddress(address) || !common.IsHexAddress(token) {
		return "", fmt.Errorf("invalid address %q or token %q", address, token)
	}

	data := append(append([]byte{}, selectorBalanceOf...), common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)
	raw, err := p.ethCall(ctx, token, data)
	if err != nil {
		return "", fmt.Errorf("balanceOf failed: %w", err)
	}
	if len(raw) == 0 {
		return "0", nil
	}
	if len(raw) > 32 {
		raw = raw[:32]
	}
	bal := new(big.Int).SetBytes(raw)
	if bal.Sign() == 0 {
		return "0", nil
	}

	return chain.ToUnits(bal, p.decimalsOf(ctx, token)).String(), nil
}

func (p *Provider) decimalsOf(ctx context.Context, token string) int32 {
	key := strings.ToLower(token)
	if v, ok := p.tokenDecimals.Load(key); ok {
		return v.(int32)
	}
	raw, err := p.ethCall(ctx, token, selectorDecimals)
	if err != nil || len(raw) == 0 {
		p.log.Debug("decimals() unavailable, assuming 18", "token", token, "error", err)
		return 18
	}
	d := int32(new(big.Int).SetBytes(raw).Int64())
	p.tokenDecimals.Store(key, d)
	return d
}

func (p *Provider) ethCall(ctx context.Context, to string, data []byte) ([]byte, error) {
	var res string
	call := map[string]string{"to": to, "data": hexutil.Encode(data)}
	if err := p.rpc.CallInto(ctx, &res, "eth_call", call, "latest"); err != nil {
		return nil, err
	}
	return common.FromHex(res), nil
}

// GetGasPrice returns the live gas price or DefaultGasPrice when the RPC fails.
func (p *Provider) GetGasPrice(ctx context.Context) domain.GasPrice {
	price, err := p.liveGasPrice(ctx)
	if err != nil {
		p.log.Warn("Gas price unavailable, using default", "error", err)
		return p.gasSnapshot(DefaultGasPrice, domain.GasSourceDefault)
	}
	return p.gasSnapshot(price, domain.GasSourceLive)
}

func (p *Provider) liveGasPrice(ctx context.Context) (*big.Int, error) {
	var priceHex string
	if err := p.rpc.CallInto(ctx, &priceHex, "eth_gasPrice"); err != nil {
		return nil, fmt.Errorf("eth_gasPrice failed: %w", err)
	}
	return hexutil.DecodeBig(priceHex)
}

func (p *Provider) gasSnapshot(price *big.Int, source domain.GasSource) domain.GasPrice {
	fee := new(big.Int).Mul(price, big.NewInt(transferGas))
	return domain.GasPrice{
		Network:   p.cfg.Network,
		Price:     new(big.Int).Set(price),
		Formatted: decimal.NewFromBigInt(price, -9).StringFixed(2) + " gwei",
		Source:    source,
		NativeFee: chain.ToUnits(fee, p.cfg.Decimals),
		UpdatedAt: time.Now(),
	}
}

// SignTransaction signs a legacy transaction. payload.Raw, when set, must be a
// binary-encoded unsigned transaction and is signed as-is.
func (p *Provider) SignTransaction(ctx context.Context, payload chain.TxPayload, privateKey string) (*chain.SignedTx, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	var tx *types.Transaction
	if len(payload.Raw) > 0 {
		tx = new(types.Transaction)
		if err := tx.UnmarshalBinary(payload.Raw); err != nil {
			return nil, fmt.Errorf("decode raw transaction: %w", err)
		}
	} else {
		tx, err = p.buildTransaction(ctx, key, payload)
		if err != nil {
			return nil, err
		}
	}

	chainID, err := p.signerChainID(ctx)
	if err != nil {
		return nil, err
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return &chain.SignedTx{Network: p.cfg.Network, Raw: raw, Hash: signed.Hash().Hex()}, nil
}

func (p *Provider) buildTransaction(ctx context.Context, key *ecdsa.PrivateKey, payload chain.TxPayload) (*types.Transaction, error) {
	if !common.IsHexAddress(payload.To) {
		return nil, fmt.Errorf("invalid recipient %q", payload.To)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress(payload.To)
	value := payload.Value
	if value == nil {
		value = new(big.Int)
	}

	var nonceHex string
	if err := p.rpc.CallInto(ctx, &nonceHex, "eth_getTransactionCount", from.Hex(), "pending"); err != nil {
		return nil, fmt.Errorf("eth_getTransactionCount failed: %w", err)
	}
	nonce, err := hexutil.DecodeUint64(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce %q: %w", nonceHex, err)
	}

	gasPrice, err := p.liveGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	gas := p.estimateGas(ctx, from, to, value, payload.Data)

	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     payload.Data,
	}), nil
}

func (p *Provider) estimateGas(ctx context.Context, from, to common.Address, value *big.Int, data []byte) uint64 {
	fallback := uint64(transferGas)
	if len(data) > 0 {
		fallback = contractGas
	}

	call := map[string]string{
		"from":  from.Hex(),
		"to":    to.Hex(),
		"value": hexutil.EncodeBig(value),
	}
	if len(data) > 0 {
		call["data"] = hexutil.Encode(data)
	}

	var gasHex string
	if err := p.rpc.CallInto(ctx, &gasHex, "eth_estimateGas", call); err != nil {
		p.log.Debug("eth_estimateGas failed, using fallback", "gas", fallback, "error", err)
		return fallback
	}
	gas, err := hexutil.DecodeUint64(gasHex)
	if err != nil {
		return fallback
	}
	return gas
}

type rpcReceipt struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
	BlockNumber     string `json:"blockNumber"`
}

// SendTransaction submits the signed transaction and polls for its receipt.
// If no receipt appears within ReceiptTimeout, a pending receipt is returned.
func (p *Provider) SendTransaction(ctx context.Context, tx *chain.SignedTx) (*chain.Receipt, error) {
	var hash string
	if err := p.rpc.CallInto(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(tx.Raw)); err != nil {
		return nil, fmt.Errorf("eth_sendRawTransaction failed: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := p.fetchReceipt(waitCtx, hash)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			p.log.Debug("Receipt poll failed", "hash", hash, "error", err)
		}
		if receipt != nil {
			if receipt.Status == chain.ReceiptReverted {
				return receipt, fmt.Errorf("transaction %s reverted", hash)
			}
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.Warn("Receipt not available before timeout", "hash", hash)
			return &chain.Receipt{Hash: hash, Status: chain.ReceiptPending}, nil
		case <-ticker.C:
		}
	}
}

func (p *Provider) fetchReceipt(ctx context.Context, hash string) (*chain.Receipt, error) {
	raw, err := p.rpc.Call(ctx, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var r rpcReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	block, _ := hexutil.DecodeUint64(r.BlockNumber)
	status := chain.ReceiptSuccess
	if r.Status != "0x1" {
		status = chain.ReceiptReverted
	}
	return &chain.Receipt{
		Hash:        hash,
		Status:      status,
		BlockNumber: block,
		ConfirmedAt: time.Now(),
	}, nil
}

// CheckHealth queries the latest block number.
func (p *Provider) CheckHealth(ctx context.Context) error {
	var blockHex string
	if err := p.rpc.CallInto(ctx, &blockHex, "eth_blockNumber"); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrHealthCheckFailure, p.cfg.Network, err)
	}
	return nil
}

// Cleanup closes idle connections.
func (p *Provider) Cleanup() error {
	var err error
	p.cleanupOnce.Do(func() {
		err = p.pool.Close()
	})
	return err
}
