package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/rpc/provider"
	"github.com/vietddude/custody/internal/infra/rpc/routing"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// fakeNode is a minimal EVM JSON-RPC node.
type fakeNode struct {
	*httptest.Server

	mu           sync.Mutex
	chainID      string
	balance      string
	tokenBalance string
	gasPriceErr  bool
	receiptAfter int
	receiptPolls int
	sent         []*types.Transaction
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{chainID: "0x1", balance: "0x0", tokenBalance: "0x"}
	n.Server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.Close)
	return n
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     any               `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var result any
	var rpcErr map[string]any

	switch req.Method {
	case "eth_chainId":
		result = n.chainID
	case "eth_blockNumber":
		result = "0x10"
	case "eth_getBalance":
		result = n.balance
	case "eth_gasPrice":
		if n.gasPriceErr {
			rpcErr = map[string]any{"code": -32000, "message": "gas oracle down"}
		} else {
			result = "0x3b9aca00"
		}
	case "eth_call":
		var call struct {
			Data string `json:"data"`
		}
		_ = json.Unmarshal(req.Params[0], &call)
		switch {
		case strings.HasPrefix(call.Data, "0x70a08231"):
			result = n.tokenBalance
		case strings.HasPrefix(call.Data, "0x313ce567"):
			result = hexutil.Encode(common.LeftPadBytes([]byte{6}, 32))
		default:
			result = "0x"
		}
	case "eth_getTransactionCount":
		result = "0x5"
	case "eth_estimateGas":
		result = "0x5208"
	case "eth_sendRawTransaction":
		var rawHex string
		_ = json.Unmarshal(req.Params[0], &rawHex)
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(common.FromHex(rawHex)); err != nil {
			rpcErr = map[string]any{"code": -32000, "message": err.Error()}
			break
		}
		n.sent = append(n.sent, tx)
		result = tx.Hash().Hex()
	case "eth_getTransactionReceipt":
		n.receiptPolls++
		if n.receiptPolls <= n.receiptAfter {
			result = nil
			break
		}
		var hash string
		_ = json.Unmarshal(req.Params[0], &hash)
		result = map[string]any{"transactionHash": hash, "status": "0x1", "blockNumber": "0x10"}
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

func newTestProvider(t *testing.T, n *fakeNode, chainID int64) *Provider {
	t.Helper()
	ep := provider.NewHTTPProvider("ethereum", "node", n.URL, time.Second)
	p := New(Config{
		Network:             domain.NetworkEthereum,
		ChainID:             chainID,
		ReceiptPollInterval: 10 * time.Millisecond,
		ReceiptTimeout:      time.Second,
		Retry:               routing.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffMultiple: 1},
	}, []provider.Endpoint{ep}, nil, nil)
	t.Cleanup(func() { _ = p.Cleanup() })
	return p
}

func TestWalletFromMnemonic_KnownAccount(t *testing.T) {
	w, err := WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", w.Address)
	assert.Equal(t, testMnemonic, w.Mnemonic)
	assert.True(t, strings.HasPrefix(w.PrivateKey, "0x"))
}

func TestCreateWallet(t *testing.T) {
	p := newTestProvider(t, newFakeNode(t), 1)

	w, err := p.CreateWallet(context.Background())
	require.NoError(t, err)
	assert.True(t, common.IsHexAddress(w.Address))
	assert.Len(t, strings.Fields(w.Mnemonic), 12)

	again, err := WalletFromMnemonic(w.Mnemonic)
	require.NoError(t, err)
	assert.Equal(t, w.Address, again.Address)
	assert.Equal(t, w.PrivateKey, again.PrivateKey)
}

func TestInitialize(t *testing.T) {
	n := newFakeNode(t)

	p := newTestProvider(t, n, 1)
	require.NoError(t, p.Initialize(context.Background()))
	require.NoError(t, p.Initialize(context.Background()))

	wrong := newTestProvider(t, n, 8453)
	err := wrong.Initialize(context.Background())
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestInitialize_LogsNetworkOnce(t *testing.T) {
	n := newFakeNode(t)
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	ep := provider.NewHTTPProvider("ethereum", "node", n.URL, time.Second)
	p := New(Config{Network: domain.NetworkEthereum, ChainID: 1}, []provider.Endpoint{ep}, nil, log)
	t.Cleanup(func() { _ = p.Cleanup() })
	require.NoError(t, p.Initialize(context.Background()))

	var selected string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, "Selected RPC endpoint") {
			selected = line
		}
	}
	require.NotEmpty(t, selected)
	assert.Equal(t, 1, strings.Count(selected, `"network":`), selected)
}

func TestGetBalance(t *testing.T) {
	n := newFakeNode(t)
	n.balance = "0xde0b6b3a7640000"
	p := newTestProvider(t, n, 1)

	bal, err := p.GetBalance(context.Background(), "0x9858EfFD232B4033E47d90003D41EC34EcaEda94")
	require.NoError(t, err)
	assert.Equal(t, "1.000000000000000000", bal)

	_, err = p.GetBalance(context.Background(), "not-an-address")
	assert.Error(t, err)
}

func TestGetTokenBalance(t *testing.T) {
	n := newFakeNode(t)
	p := newTestProvider(t, n, 1)
	ctx := context.Background()
	owner := "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	token := "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

	bal, err := p.GetTokenBalance(ctx, owner, token)
	require.NoError(t, err)
	assert.Equal(t, "0", bal, "empty eth_call result")

	n.mu.Lock()
	n.tokenBalance = hexutil.Encode(common.LeftPadBytes(big.NewInt(1_500_000).Bytes(), 32))
	n.mu.Unlock()

	bal, err = p.GetTokenBalance(ctx, owner, token)
	require.NoError(t, err)
	assert.Equal(t, "1.5", bal)
}

func TestGetGasPrice(t *testing.T) {
	n := newFakeNode(t)
	p := newTestProvider(t, n, 1)

	gp := p.GetGasPrice(context.Background())
	assert.Equal(t, domain.GasSourceLive, gp.Source)
	assert.Equal(t, "1.00 gwei", gp.Formatted)
	assert.Equal(t, "0.000021", gp.NativeFee.String())

	n.mu.Lock()
	n.gasPriceErr = true
	n.mu.Unlock()

	gp = p.GetGasPrice(context.Background())
	assert.Equal(t, domain.GasSourceDefault, gp.Source)
	assert.Equal(t, 0, gp.Price.Cmp(DefaultGasPrice))
	assert.Equal(t, "20.00 gwei", gp.Formatted)
}

func TestSignAndSendTransaction(t *testing.T) {
	n := newFakeNode(t)
	n.receiptAfter = 2
	p := newTestProvider(t, n, 1)
	ctx := context.Background()
	require.NoError(t, p.Initialize(ctx))

	w, err := WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)

	signed, err := p.SignTransaction(ctx, chain.TxPayload{
		From:  w.Address,
		To:    "0x000000000000000000000000000000000000dEaD",
		Value: big.NewInt(1000),
	}, w.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, domain.NetworkEthereum, signed.Network)

	receipt, err := p.SendTransaction(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptSuccess, receipt.Status)
	assert.Equal(t, uint64(16), receipt.BlockNumber)
	assert.Equal(t, signed.Hash, receipt.Hash)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.sent, 1)
	tx := n.sent[0]
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, uint64(21000), tx.Gas())
	assert.Equal(t, int64(1000), tx.Value().Int64())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
	require.NoError(t, err)
	assert.Equal(t, w.Address, sender.Hex())
}

func TestSendTransaction_PendingAfterTimeout(t *testing.T) {
	n := newFakeNode(t)
	n.receiptAfter = 1 << 30
	p := newTestProvider(t, n, 1)
	p.cfg.ReceiptTimeout = 50 * time.Millisecond
	ctx := context.Background()

	w, err := WalletFromMnemonic(testMnemonic)
	require.NoError(t, err)
	signed, err := p.SignTransaction(ctx, chain.TxPayload{To: w.Address, Value: big.NewInt(1)}, w.PrivateKey)
	require.NoError(t, err)

	receipt, err := p.SendTransaction(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, chain.ReceiptPending, receipt.Status)
}

func TestCheckHealth(t *testing.T) {
	n := newFakeNode(t)
	p := newTestProvider(t, n, 1)
	require.NoError(t, p.CheckHealth(context.Background()))

	n.Close()
	err := p.CheckHealth(context.Background())
	require.ErrorIs(t, err, domain.ErrHealthCheckFailure)
}
