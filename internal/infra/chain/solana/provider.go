// Package solana implements chain.Provider for Solana.
package solana

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/vietddude/custody/internal/core/breaker"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/hdkey"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/rpc/provider"
	"github.com/vietddude/custody/internal/infra/rpc/routing"
)

const (
	lamportDecimals = 9

	baseFeeLamports  = 5000
	computeUnitLimit = 200_000
)

// Submitter forwards signed transactions to an external router.
type Submitter interface {
	SubmitTransaction(ctx context.Context, network domain.Network, tx []byte) (string, error)
}

// Config holds settings for a Solana network.
type Config struct {
	Network domain.Network
	WSURL   string
	// ReferenceToken is the mint whose token account is provisioned for new wallets
	ReferenceToken string

	ProbeTimeout        time.Duration
	HealthCheckInterval time.Duration
	HeartbeatInterval   time.Duration
	ReconnectDelay      time.Duration
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration

	Retry   routing.RetryConfig
	Breaker breaker.Config
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = domain.NetworkSolana
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Minute
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 60 * time.Second
	}
}

// Provider serves Solana over an endpoint pool and a WebSocket session.
type Provider struct {
	cfg       Config
	pool      *routing.EndpointPool
	rpc       *chain.GuardedRPC
	submitter Submitter
	log       *slog.Logger

	mu          sync.Mutex
	initialized bool
	session     *Session
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	cleanupOnce sync.Once
}

// New creates a Solana provider over endpoints ordered primary first.
// submitter may be nil, in which case transactions go to the RPC node.
func New(cfg Config, endpoints []provider.Endpoint, breakers *breaker.Registry, submitter Submitter, log *slog.Logger) *Provider {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	// the pool scopes its own logger by network
	pool := routing.NewEndpointPool(routing.PoolConfig{
		Network:      string(cfg.Network),
		ProbeMethod:  "getVersion",
		ProbeTimeout: cfg.ProbeTimeout,
		Retry:        cfg.Retry,
	}, endpoints, log)
	log = log.With("network", cfg.Network)

	return &Provider{
		cfg:       cfg,
		pool:      pool,
		rpc:       chain.NewGuardedRPC(cfg.Network, pool, breakers, cfg.Breaker),
		submitter: submitter,
		log:       log,
	}
}

func (p *Provider) Network() domain.Network  { return p.cfg.Network }
func (p *Provider) Type() domain.NetworkType { return domain.NetworkTypeSolana }

// Pool exposes the endpoint pool for health reporting.
func (p *Provider) Pool() *routing.EndpointPool { return p.pool }

// Session returns the WebSocket session, nil when none is configured or before Initialize.
func (p *Provider) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Initialize selects an endpoint, opens the WebSocket session and starts the
// periodic health loop.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	ep, err := p.pool.Probe(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	if p.cfg.WSURL != "" {
		p.session = NewSession(SessionConfig{
			Network:           string(p.cfg.Network),
			URL:               p.cfg.WSURL,
			HeartbeatInterval: p.cfg.HeartbeatInterval,
			ReconnectDelay:    p.cfg.ReconnectDelay,
		}, p.log)
		// a failed first dial keeps retrying in the background
		_ = p.session.Start(loopCtx)
	}

	p.wg.Add(1)
	go p.healthLoop(loopCtx)

	p.initialized = true
	p.log.Info("Solana provider initialized", "endpoint", ep.Name())
	return nil
}

func (p *Provider) healthLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.healthTick(ctx)
		}
	}
}

func (p *Provider) healthTick(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := p.CheckHealth(checkCtx)
	if err == nil {
		return
	}
	p.log.Warn("Health check failed, re-probing endpoints", "error", err)
	if _, err := p.pool.Probe(checkCtx); err != nil {
		p.log.Error("Endpoint re-probe failed", "error", err)
	}
}

// CreateWallet generates a mnemonic, derives m/44'/501'/0'/0' and provisions
// the reference token account on a best-effort basis.
func (p *Provider) CreateWallet(ctx context.Context) (*domain.GeneratedWallet, error) {
	mnemonic, err := hdkey.NewMnemonic(128)
	if err != nil {
		return nil, err
	}
	w, key, err := deriveWallet(mnemonic)
	if err != nil {
		return nil, err
	}

	if p.cfg.ReferenceToken != "" {
		if err := p.provisionTokenAccount(ctx, key); err != nil {
			p.log.Warn("Token account provisioning failed", "address", w.Address, "error", err)
		}
	}
	return w, nil
}

// WalletFromMnemonic derives the default account of a mnemonic.
func WalletFromMnemonic(mnemonic string) (*domain.GeneratedWallet, error) {
	w, _, err := deriveWallet(mnemonic)
	return w, err
}

func deriveWallet(mnemonic string) (*domain.GeneratedWallet, sol.PrivateKey, error) {
	seed, err := hdkey.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return nil, nil, err
	}
	keySeed, err := hdkey.DeriveEd25519(seed, hdkey.PathSolana)
	if err != nil {
		return nil, nil, err
	}
	key := sol.PrivateKey(ed25519.NewKeyFromSeed(keySeed))
	return &domain.GeneratedWallet{
		Address:    key.PublicKey().String(),
		PrivateKey: base58.Encode(key),
		Mnemonic:   mnemonic,
	}, key, nil
}

func parsePrivateKey(s string) (sol.PrivateKey, error) {
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key")
	}
	return sol.PrivateKey(raw), nil
}

func (p *Provider) provisionTokenAccount(ctx context.Context, owner sol.PrivateKey) error {
	mint, err := sol.PublicKeyFromBase58(p.cfg.ReferenceToken)
	if err != nil {
		return fmt.Errorf("invalid reference token: %w", err)
	}
	wallet := owner.PublicKey()
	ata, _, err := sol.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return err
	}

	exists, err := p.accountExists(ctx, ata)
	if err != nil || exists {
		return err
	}

	ix, err := associatedtokenaccount.NewCreateInstruction(wallet, wallet, mint).ValidateAndBuild()
	if err != nil {
		return err
	}
	tx, err := p.newTransaction(ctx, wallet, ix)
	if err != nil {
		return err
	}
	signed, err := signWith(tx, owner)
	if err != nil {
		return err
	}
	sig, err := p.sendRaw(ctx, signed.Raw)
	if err != nil {
		return err
	}
	p.log.Info("Token account created", "owner", wallet, "account", ata, "signature", sig)
	return nil
}

func (p *Provider) accountExists(ctx context.Context, account sol.PublicKey) (bool, error) {
	var res struct {
		Value json.RawMessage `json:"value"`
	}
	err := p.rpc.CallInto(ctx, &res, "getAccountInfo", account.String(), map[string]any{"encoding": "base64"})
	if err != nil {
		return false, fmt.Errorf("getAccountInfo failed: %w", err)
	}
	return len(res.Value) > 0 && string(res.Value) != "null", nil
}

// GetBalance returns the SOL balance with 9-decimal precision.
func (p *Provider) GetBalance(ctx context.Context, address string) (string, error) {
	if _, err := sol.PublicKeyFromBase58(address); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}
	var res struct {
		Value uint64 `json:"value"`
	}
	if err := p.rpc.CallInto(ctx, &res, "getBalance", address, map[string]any{"commitment": "confirmed"}); err != nil {
		return "", fmt.Errorf("getBalance failed: %w", err)
	}
	return chain.FormatUnits(new(big.Int).SetUint64(res.Value), lamportDecimals), nil
}

type tokenAccounts struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							UIAmountString string `json:"uiAmountString"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// GetTokenBalance sums the owner's accounts for mint. No accounts yields "0".
func (p *Provider) GetTokenBalance(ctx context.Context, address, mint string) (string, error) {
	var res tokenAccounts
	err := p.rpc.CallInto(ctx, &res, "getTokenAccountsByOwner",
		address,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed"},
	)
	if err != nil {
		return "", fmt.Errorf("getTokenAccountsByOwner failed: %w", err)
	}

	total := decimal.Zero
	for _, acc := range res.Value {
		amount, err := decimal.NewFromString(acc.Account.Data.Parsed.Info.TokenAmount.UIAmountString)
		if err != nil {
			continue
		}
		total = total.Add(amount)
	}
	return total.String(), nil
}

// GetGasPrice estimates the lamport cost of one transaction from recent
// prioritization fees. RPC failure yields the base fee with source "default".
func (p *Provider) GetGasPrice(ctx context.Context) domain.GasPrice {
	var fees []struct {
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := p.rpc.CallInto(ctx, &fees, "getRecentPrioritizationFees"); err != nil {
		p.log.Warn("Prioritization fees unavailable, using base fee", "error", err)
		return p.gasSnapshot(big.NewInt(baseFeeLamports), domain.GasSourceDefault)
	}

	perCU := make([]uint64, 0, len(fees))
	for _, f := range fees {
		perCU = append(perCU, f.PrioritizationFee)
	}
	priority := new(big.Int).SetUint64(median(perCU))
	priority.Mul(priority, big.NewInt(computeUnitLimit))
	priority.Div(priority, big.NewInt(1_000_000))

	return p.gasSnapshot(priority.Add(priority, big.NewInt(baseFeeLamports)), domain.GasSourceLive)
}

func median(v []uint64) uint64 {
	if len(v) == 0 {
		return 0
	}
	slices.Sort(v)
	mid := len(v) / 2
	if len(v)%2 == 0 {
		return (v[mid-1] + v[mid]) / 2
	}
	return v[mid]
}

func (p *Provider) gasSnapshot(lamports *big.Int, source domain.GasSource) domain.GasPrice {
	return domain.GasPrice{
		Network:   p.cfg.Network,
		Price:     lamports,
		Formatted: lamports.String() + " lamports",
		Source:    source,
		NativeFee: chain.ToUnits(lamports, lamportDecimals),
		UpdatedAt: time.Now(),
	}
}

// SignTransaction signs payload.Raw, a wire-format transaction, or builds a
// native transfer to payload.To when Raw is empty.
func (p *Provider) SignTransaction(ctx context.Context, payload chain.TxPayload, privateKey string) (*chain.SignedTx, error) {
	key, err := parsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}

	var tx *sol.Transaction
	if len(payload.Raw) > 0 {
		tx, err = sol.TransactionFromDecoder(bin.NewBinDecoder(payload.Raw))
		if err != nil {
			return nil, fmt.Errorf("decode raw transaction: %w", err)
		}
	} else {
		to, err := sol.PublicKeyFromBase58(payload.To)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", payload.To, err)
		}
		if payload.Value == nil || !payload.Value.IsUint64() {
			return nil, fmt.Errorf("invalid lamport amount %v", payload.Value)
		}
		from := key.PublicKey()
		ix := system.NewTransferInstruction(payload.Value.Uint64(), from, to).Build()
		if tx, err = p.newTransaction(ctx, from, ix); err != nil {
			return nil, err
		}
	}

	signed, err := signWith(tx, key)
	if err != nil {
		return nil, err
	}
	signed.Network = p.cfg.Network
	return signed, nil
}

func (p *Provider) newTransaction(ctx context.Context, payer sol.PublicKey, ixs ...sol.Instruction) (*sol.Transaction, error) {
	var res struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := p.rpc.CallInto(ctx, &res, "getLatestBlockhash", map[string]any{"commitment": "finalized"}); err != nil {
		return nil, fmt.Errorf("getLatestBlockhash failed: %w", err)
	}
	blockhash, err := sol.HashFromBase58(res.Value.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("invalid blockhash: %w", err)
	}
	return sol.NewTransaction(ixs, blockhash, sol.TransactionPayer(payer))
}

func signWith(tx *sol.Transaction, key sol.PrivateKey) (*chain.SignedTx, error) {
	pub := key.PublicKey()
	_, err := tx.Sign(func(k sol.PublicKey) *sol.PrivateKey {
		if k.Equals(pub) {
			return &key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	return &chain.SignedTx{Raw: raw, Hash: tx.Signatures[0].String()}, nil
}

// SendTransaction submits through the router when one is configured, else
// through sendTransaction, then waits for confirmation.
func (p *Provider) SendTransaction(ctx context.Context, tx *chain.SignedTx) (*chain.Receipt, error) {
	var (
		sig string
		err error
	)
	if p.submitter != nil {
		sig, err = p.submitter.SubmitTransaction(ctx, p.cfg.Network, tx.Raw)
	} else {
		sig, err = p.sendRaw(ctx, tx.Raw)
	}
	if err != nil {
		return nil, err
	}
	return p.waitConfirmed(ctx, sig)
}

func (p *Provider) sendRaw(ctx context.Context, raw []byte) (string, error) {
	var sig string
	err := p.rpc.CallInto(ctx, &sig, "sendTransaction",
		base64.StdEncoding.EncodeToString(raw),
		map[string]any{"encoding": "base64", "preflightCommitment": "confirmed"},
	)
	if err != nil {
		return "", fmt.Errorf("sendTransaction failed: %w", err)
	}
	return sig, nil
}

type signatureStatus struct {
	Slot               uint64          `json:"slot"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

func (p *Provider) waitConfirmed(ctx context.Context, sig string) (*chain.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		var res struct {
			Value []*signatureStatus `json:"value"`
		}
		err := p.rpc.CallInto(waitCtx, &res, "getSignatureStatuses", []string{sig}, map[string]any{"searchTransactionHistory": true})
		if err != nil {
			p.log.Debug("Signature status poll failed", "signature", sig, "error", err)
		} else if len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if len(st.Err) > 0 && string(st.Err) != "null" {
				return &chain.Receipt{Hash: sig, Status: chain.ReceiptReverted, BlockNumber: st.Slot},
					fmt.Errorf("transaction %s failed: %s", sig, st.Err)
			}
			if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
				return &chain.Receipt{
					Hash:        sig,
					Status:      chain.ReceiptConfirmed,
					BlockNumber: st.Slot,
					ConfirmedAt: time.Now(),
				}, nil
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.log.Warn("Signature not confirmed before timeout", "signature", sig)
			return &chain.Receipt{Hash: sig, Status: chain.ReceiptPending}, nil
		case <-ticker.C:
		}
	}
}

// CheckHealth calls getSlot on the current endpoint.
func (p *Provider) CheckHealth(ctx context.Context) error {
	var slot uint64
	if err := p.rpc.CallInto(ctx, &slot, "getSlot"); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrHealthCheckFailure, p.cfg.Network, err)
	}
	return nil
}

// Cleanup stops the health loop and closes the session and endpoints.
func (p *Provider) Cleanup() error {
	var err error
	p.cleanupOnce.Do(func() {
		p.mu.Lock()
		cancel, session := p.cancel, p.session
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		p.wg.Wait()
		if session != nil {
			_ = session.Close()
		}
		err = p.pool.Close()
	})
	return err
}
