package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/rpc/provider"
	"github.com/vietddude/custody/internal/infra/rpc/routing"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fakeValidator answers the Solana JSON-RPC methods the provider uses.
type fakeValidator struct {
	*httptest.Server

	healthy atomic.Bool
	mu      sync.Mutex
	fees    []uint64
	feesErr bool
	tokens  []string
	reject  bool
	sent    []*sol.Transaction
}

func newFakeValidator(t *testing.T) *fakeValidator {
	t.Helper()
	v := &fakeValidator{}
	v.healthy.Store(true)
	v.Server = httptest.NewServer(http.HandlerFunc(v.serve))
	t.Cleanup(v.Close)
	return v
}

func (v *fakeValidator) serve(w http.ResponseWriter, r *http.Request) {
	if !v.healthy.Load() {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	var req struct {
		ID     any               `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	var result any
	var rpcErr map[string]any
	switch req.Method {
	case "getVersion":
		result = map[string]any{"solana-core": "2.0.0"}
	case "getSlot":
		result = 1234
	case "getBalance":
		result = map[string]any{"context": map[string]any{"slot": 1}, "value": 1_500_000_000}
	case "getTokenAccountsByOwner":
		accounts := []any{}
		for _, amt := range v.tokens {
			accounts = append(accounts, map[string]any{
				"pubkey": "x",
				"account": map[string]any{"data": map[string]any{"parsed": map[string]any{"info": map[string]any{
					"tokenAmount": map[string]any{"uiAmountString": amt},
				}}}},
			})
		}
		result = map[string]any{"value": accounts}
	case "getRecentPrioritizationFees":
		if v.feesErr {
			rpcErr = map[string]any{"code": -32000, "message": "unavailable"}
			break
		}
		fees := []any{}
		for i, f := range v.fees {
			fees = append(fees, map[string]any{"slot": i, "prioritizationFee": f})
		}
		result = fees
	case "getLatestBlockhash":
		result = map[string]any{"value": map[string]any{
			"blockhash":            sol.Hash{1, 2, 3, 4, 5, 6, 7, 8}.String(),
			"lastValidBlockHeight": 100,
		}}
	case "getAccountInfo":
		result = map[string]any{"value": nil}
	case "sendTransaction":
		if v.reject {
			rpcErr = map[string]any{"code": -32002, "message": "insufficient funds for rent"}
			break
		}
		var encoded string
		_ = json.Unmarshal(req.Params[0], &encoded)
		raw, _ := base64.StdEncoding.DecodeString(encoded)
		tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(raw))
		if err != nil {
			rpcErr = map[string]any{"code": -32602, "message": err.Error()}
			break
		}
		v.sent = append(v.sent, tx)
		result = tx.Signatures[0].String()
	case "getSignatureStatuses":
		result = map[string]any{"value": []any{map[string]any{
			"slot": 77, "confirmations": nil, "err": nil, "confirmationStatus": "confirmed",
		}}}
	default:
		rpcErr = map[string]any{"code": -32601, "message": "method not found"}
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	_ = json.NewEncoder(w).Encode(resp)
}

var fastRetry = routing.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiple: 1}

func newTestProvider(t *testing.T, cfg Config, submitter Submitter, nodes ...*fakeValidator) *Provider {
	t.Helper()
	eps := make([]provider.Endpoint, 0, len(nodes))
	for i, n := range nodes {
		eps = append(eps, provider.NewHTTPProvider("solana", string(rune('A'+i)), n.URL, time.Second))
	}
	cfg.Retry = fastRetry
	cfg.ConfirmPollInterval = 10 * time.Millisecond
	p := New(cfg, eps, nil, submitter, nil)
	t.Cleanup(func() { _ = p.Cleanup() })
	return p
}

func TestWalletFromMnemonic(t *testing.T) {
	w, err := WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)

	pub, err := sol.PublicKeyFromBase58(w.Address)
	require.NoError(t, err)

	key, err := parsePrivateKey(w.PrivateKey)
	require.NoError(t, err)
	assert.True(t, key.PublicKey().Equals(pub))

	again, err := WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)
	assert.Equal(t, w.Address, again.Address)
}

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func TestCreateWallet_ProvisionsTokenAccount(t *testing.T) {
	v := newFakeValidator(t)
	p := newTestProvider(t, Config{ReferenceToken: usdcMint}, nil, v)

	w, err := p.CreateWallet(context.Background())
	require.NoError(t, err)
	assert.Len(t, strings.Fields(w.Mnemonic), 12)

	v.mu.Lock()
	defer v.mu.Unlock()
	require.Len(t, v.sent, 1)
	assert.Equal(t, w.Address, v.sent[0].Message.AccountKeys[0].String())
}

func TestCreateWallet_ProvisioningFailureIsNotFatal(t *testing.T) {
	v := newFakeValidator(t)
	v.reject = true
	p := newTestProvider(t, Config{ReferenceToken: usdcMint}, nil, v)

	w, err := p.CreateWallet(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, w.Address)
}

func TestGetBalance(t *testing.T) {
	v := newFakeValidator(t)
	p := newTestProvider(t, Config{}, nil, v)
	w, err := WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)

	bal, err := p.GetBalance(context.Background(), w.Address)
	require.NoError(t, err)
	assert.Equal(t, "1.500000000", bal)

	_, err = p.GetBalance(context.Background(), "0xnot-base58")
	assert.Error(t, err)
}

func TestGetTokenBalance(t *testing.T) {
	v := newFakeValidator(t)
	p := newTestProvider(t, Config{}, nil, v)
	ctx := context.Background()

	bal, err := p.GetTokenBalance(ctx, "owner", "mint")
	require.NoError(t, err)
	assert.Equal(t, "0", bal)

	v.mu.Lock()
	v.tokens = []string{"1.25", "0.5"}
	v.mu.Unlock()

	bal, err = p.GetTokenBalance(ctx, "owner", "mint")
	require.NoError(t, err)
	assert.Equal(t, "1.75", bal)
}

func TestGetGasPrice(t *testing.T) {
	v := newFakeValidator(t)
	v.fees = []uint64{100, 300, 200}
	p := newTestProvider(t, Config{}, nil, v)

	gp := p.GetGasPrice(context.Background())
	assert.Equal(t, domain.GasSourceLive, gp.Source)
	assert.Equal(t, int64(5040), gp.Price.Int64())
	assert.Equal(t, "5040 lamports", gp.Formatted)
	assert.Equal(t, "0.00000504", gp.NativeFee.String())

	v.mu.Lock()
	v.feesErr = true
	v.mu.Unlock()

	gp = p.GetGasPrice(context.Background())
	assert.Equal(t, domain.GasSourceDefault, gp.Source)
	assert.Equal(t, int64(baseFeeLamports), gp.Price.Int64())
}

func TestMedian(t *testing.T) {
	tests := []struct {
		in   []uint64
		want uint64
	}{
		{nil, 0},
		{[]uint64{5}, 5},
		{[]uint64{9, 1, 5}, 5},
		{[]uint64{4, 1, 3, 2}, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, median(tt.in), "median(%v)", tt.in)
	}
}

func TestSignAndSend_NativeTransfer(t *testing.T) {
	v := newFakeValidator(t)
	p := newTestProvider(t, Config{}, nil, v)
	ctx := context.Background()

	w, err := WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)
	to := sol.NewWallet().PublicKey()

	signed, err := p.SignTransaction(ctx, chain.TxPayload{
		From:  w.Address,
		To:    to.String(),
		Value: big.NewInt(1000),
	}, w.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, domain.NetworkSolana, signed.Network)

	receipt, err := p.SendTransaction(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptConfirmed, receipt.Status)
	assert.Equal(t, uint64(77), receipt.BlockNumber)
	assert.Equal(t, signed.Hash, receipt.Hash)

	v.mu.Lock()
	defer v.mu.Unlock()
	require.Len(t, v.sent, 1)
	require.NoError(t, v.sent[0].VerifySignatures())
	assert.Equal(t, w.Address, v.sent[0].Message.AccountKeys[0].String())
}

type fakeSubmitter struct {
	calls atomic.Int32
}

func (f *fakeSubmitter) SubmitTransaction(ctx context.Context, network domain.Network, raw []byte) (string, error) {
	f.calls.Add(1)
	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", err
	}
	return tx.Signatures[0].String(), nil
}

func TestSendTransaction_UsesSubmitter(t *testing.T) {
	v := newFakeValidator(t)
	sub := &fakeSubmitter{}
	p := newTestProvider(t, Config{}, sub, v)
	ctx := context.Background()

	w, err := WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)
	signed, err := p.SignTransaction(ctx, chain.TxPayload{To: w.Address, Value: big.NewInt(1)}, w.PrivateKey)
	require.NoError(t, err)

	receipt, err := p.SendTransaction(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptConfirmed, receipt.Status)
	assert.Equal(t, int32(1), sub.calls.Load())

	v.mu.Lock()
	assert.Empty(t, v.sent)
	v.mu.Unlock()
}

func TestSignTransaction_RawPayload(t *testing.T) {
	v := newFakeValidator(t)
	p := newTestProvider(t, Config{}, nil, v)
	ctx := context.Background()

	w, err := WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)
	key, err := parsePrivateKey(w.PrivateKey)
	require.NoError(t, err)

	unsigned, err := p.newTransaction(ctx, key.PublicKey(),
		systemTransfer(key.PublicKey(), sol.NewWallet().PublicKey(), 5))
	require.NoError(t, err)
	raw, err := unsigned.MarshalBinary()
	require.NoError(t, err)

	signed, err := p.SignTransaction(ctx, chain.TxPayload{Raw: raw}, w.PrivateKey)
	require.NoError(t, err)

	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(signed.Raw))
	require.NoError(t, err)
	require.NoError(t, tx.VerifySignatures())
}

func systemTransfer(from, to sol.PublicKey, lamports uint64) sol.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}

func TestHealthLoop_ReprobesOnFailure(t *testing.T) {
	a := newFakeValidator(t)
	b := newFakeValidator(t)
	p := newTestProvider(t, Config{HealthCheckInterval: 20 * time.Millisecond}, nil, a, b)

	require.NoError(t, p.Initialize(context.Background()))
	require.NoError(t, p.Initialize(context.Background()))
	assert.Equal(t, "A", p.Pool().Current().Name())

	a.healthy.Store(false)
	assert.Eventually(t, func() bool {
		return p.Pool().Current().Name() == "B"
	}, 2*time.Second, 10*time.Millisecond)

	a.healthy.Store(true)
	b.healthy.Store(false)
	assert.Eventually(t, func() bool {
		return p.Pool().Current().Name() == "A"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInitialize_AllEndpointsFail(t *testing.T) {
	a := newFakeValidator(t)
	a.healthy.Store(false)
	p := newTestProvider(t, Config{}, nil, a)

	err := p.Initialize(context.Background())
	require.ErrorIs(t, err, domain.ErrAllRpcEndpointsFailed)
}

func TestCheckHealth(t *testing.T) {
	v := newFakeValidator(t)
	p := newTestProvider(t, Config{}, nil, v)
	require.NoError(t, p.CheckHealth(context.Background()))

	v.healthy.Store(false)
	require.ErrorIs(t, p.CheckHealth(context.Background()), domain.ErrHealthCheckFailure)
}
