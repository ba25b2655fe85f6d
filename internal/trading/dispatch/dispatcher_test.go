package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/events"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/chain/chaintest"
	"github.com/vietddude/custody/internal/infra/storage/memory"
)

type staticWallets map[string]domain.DecryptedWallet

func (w staticWallets) ResolveWallet(ctx context.Context, userID string, network domain.Network, address string) (*domain.DecryptedWallet, error) {
	if x, ok := w[userID+"/"+string(network)]; ok {
		return &x, nil
	}
	return nil, fmt.Errorf("%w: %s on %s", domain.ErrWalletNotFound, userID, network)
}

type harness struct {
	d       *Dispatcher
	sol     *chaintest.Provider
	evm     *chaintest.Provider
	journal *memory.Journal
	bus     *events.Bus
}

func newHarness(t *testing.T, setup ...func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		sol:     chaintest.New(domain.NetworkSolana, domain.NetworkTypeSolana),
		evm:     chaintest.New(domain.NetworkEthereum, domain.NetworkTypeEVM),
		journal: memory.NewJournal(memory.NewMemoryStorage()),
		bus:     events.NewBus(nil),
	}
	for _, fn := range setup {
		fn(h)
	}
	wallets := staticWallets{
		"u1/solana":   {Address: "SolU1", PrivateKey: "k1", Network: domain.NetworkSolana},
		"u2/solana":   {Address: "SolU2", PrivateKey: "k2", Network: domain.NetworkSolana},
		"u1/ethereum": {Address: "0xU1", PrivateKey: "k3", Network: domain.NetworkEthereum},
	}
	h.d = New(Config{
		GasRefreshInterval: time.Hour,
		MinIntervals: map[domain.Network]time.Duration{
			domain.NetworkSolana:   time.Millisecond,
			domain.NetworkEthereum: time.Millisecond,
		},
	}, chain.NewRegistry(h.sol, h.evm), wallets, nil, h.journal, h.bus, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.d.Stop(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.Start(context.Background()))
}

func transfer(id, user string, network domain.Network, priority int) domain.QueuedTransaction {
	return domain.QueuedTransaction{
		ID:        id,
		Type:      domain.TxTypeTransfer,
		Network:   network,
		UserID:    user,
		Recipient: "to-" + id,
		Amount:    "1",
		Priority:  priority,
	}
}

func wait(t *testing.T, s *Settlement) (domain.QueuedTransaction, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "transaction did not settle")
	return tx, err
}

func TestAddTransaction_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tx   domain.QueuedTransaction
		want error
	}{
		{"missing id", domain.QueuedTransaction{Type: domain.TxTypeBuy, Network: domain.NetworkSolana, UserID: "u1"}, domain.ErrInvalidTransactionFormat},
		{"missing user", domain.QueuedTransaction{ID: "a", Type: domain.TxTypeBuy, Network: domain.NetworkSolana}, domain.ErrInvalidTransactionFormat},
		{"unknown type", domain.QueuedTransaction{ID: "a", Type: "stake", Network: domain.NetworkSolana, UserID: "u1"}, domain.ErrInvalidTransactionFormat},
		{"unknown network", domain.QueuedTransaction{ID: "a", Type: domain.TxTypeBuy, Network: "tron", UserID: "u1"}, domain.ErrUnsupportedNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.d.AddTransaction(ctx, tt.tx)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := h.d.AddTransaction(ctx, transfer("dup", "u1", domain.NetworkSolana, 0))
	require.NoError(t, err)
	_, err = h.d.AddTransaction(ctx, transfer("dup", "u1", domain.NetworkSolana, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidTransactionFormat)
}

func TestDispatcher_SingleInFlightPerNetwork(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.sol.SendDelay = 10 * time.Millisecond
		h.evm.SendDelay = 10 * time.Millisecond
	})
	h.start(t)

	var (
		wg          sync.WaitGroup
		settlements = make(chan *Settlement, 20)
	)
	for i := 0; i < 10; i++ {
		for _, n := range []domain.Network{domain.NetworkSolana, domain.NetworkEthereum} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := h.d.AddTransaction(context.Background(), transfer(fmt.Sprintf("%s-%d", n, i), "u1", n, 0))
				if assert.NoError(t, err) {
					settlements <- s
				}
			}()
		}
	}
	wg.Wait()
	close(settlements)

	for s := range settlements {
		tx, err := wait(t, s)
		require.NoError(t, err)
		assert.Equal(t, domain.TxStatusComplete, tx.Status)
		require.NotNil(t, tx.Result)
		assert.NotEmpty(t, tx.Result.Hash)
	}

	assert.Equal(t, 1, h.sol.MaxInFlight())
	assert.Equal(t, 1, h.evm.MaxInFlight())
	assert.Len(t, h.sol.Sent(), 10)
	assert.Len(t, h.evm.Sent(), 10)
}

func TestDispatcher_InsufficientBalanceNeverSubmits(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.sol.SetBalance("SolU1", "0.0001")
	})
	_, ch := h.bus.Subscribe(8, domain.EventTransactionFailed)
	h.start(t)

	tx := transfer("poor", "u1", domain.NetworkSolana, 0)
	tx.Amount = "0.01"
	s, err := h.d.AddTransaction(context.Background(), tx)
	require.NoError(t, err)

	got, err := wait(t, s)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.TxStatusFailed, got.Status)
	assert.Contains(t, got.Error, domain.ErrInsufficientBalance.Error())
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, h.sol.Sent())

	evt := <-ch
	assert.Equal(t, "poor", evt.TxID)

	left, err := h.journal.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDispatcher_SellOnlyNeedsFee(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.sol.SetBalance("SolU1", "0.01")
	})
	h.start(t)
	// Let the first gas refresh land so the fee is known.
	require.Eventually(t, func() bool {
		g, _ := h.d.GasPrice(domain.NetworkSolana)
		return g.Source == domain.GasSourceLive
	}, time.Second, 5*time.Millisecond)

	s, err := h.d.AddTransaction(context.Background(), domain.QueuedTransaction{
		ID:             "sell-1",
		Type:           domain.TxTypeSell,
		Network:        domain.NetworkSolana,
		UserID:         "u1",
		Amount:         "5000",
		RawTransaction: []byte("prepared-by-router"),
	})
	require.NoError(t, err)

	got, err := wait(t, s)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusComplete, got.Status)
	assert.Equal(t, "SolU1", got.Result.Wallet)
}

func TestDispatcher_UnknownFeeNeverSubmits(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.sol.GasPanic = true
		h.sol.SetBalance("SolU1", "0")
	})
	h.start(t)

	// Submitted before any gas refresh could succeed.
	s, err := h.d.AddTransaction(context.Background(), domain.QueuedTransaction{
		ID:             "sell-early",
		Type:           domain.TxTypeSell,
		Network:        domain.NetworkSolana,
		UserID:         "u1",
		Amount:         "5000",
		RawTransaction: []byte("prepared-by-router"),
	})
	require.NoError(t, err)

	got, err := wait(t, s)
	assert.ErrorIs(t, err, ErrFeeUnknown)
	assert.Equal(t, domain.TxStatusFailed, got.Status)
	assert.Empty(t, h.sol.Sent())
}

func TestDispatcher_FirstTransactionRefreshesFee(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.sol.SetBalance("SolU1", "0.0005")
	})
	h.start(t)

	// 0.0005 covers no fee at all but not the provider's 0.001 estimate.
	s, err := h.d.AddTransaction(context.Background(), domain.QueuedTransaction{
		ID:             "sell-poor",
		Type:           domain.TxTypeSell,
		Network:        domain.NetworkSolana,
		UserID:         "u1",
		Amount:         "5000",
		RawTransaction: []byte("prepared-by-router"),
	})
	require.NoError(t, err)

	got, err := wait(t, s)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, domain.TxStatusFailed, got.Status)
	assert.Empty(t, h.sol.Sent())
}

func TestDispatcher_PriorityOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Queue before starting so every item is waiting when the worker begins.
	var last *Settlement
	for _, tc := range []struct {
		id       string
		priority int
	}{{"low", 1}, {"high-a", 5}, {"mid", 3}, {"high-b", 5}} {
		s, err := h.d.AddTransaction(ctx, transfer(tc.id, "u1", domain.NetworkSolana, tc.priority))
		require.NoError(t, err)
		last = s
	}
	h.start(t)
	_, _ = wait(t, last)

	require.Eventually(t, func() bool { return len(h.sol.Sent()) == 4 }, 2*time.Second, 5*time.Millisecond)
	var order []string
	for _, tx := range h.sol.Sent() {
		order = append(order, strings.TrimPrefix(string(tx.Raw), "SolU1->to-"))
	}
	assert.Equal(t, []string{"high-a", "high-b", "mid", "low"}, order)
}

func TestDispatcher_PauseResume(t *testing.T) {
	h := newHarness(t)
	_, ch := h.bus.Subscribe(8, domain.EventQueuePaused, domain.EventQueueResumed)
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.d.PauseNetwork(domain.NetworkSolana))
	require.NoError(t, h.d.PauseNetwork(domain.NetworkSolana), "pausing twice is harmless")

	paused, err := h.d.AddTransaction(ctx, transfer("p1", "u1", domain.NetworkSolana, 0))
	require.NoError(t, err)
	other, err := h.d.AddTransaction(ctx, transfer("e1", "u1", domain.NetworkEthereum, 0))
	require.NoError(t, err)

	_, err = wait(t, other)
	require.NoError(t, err, "other networks keep running")

	time.Sleep(30 * time.Millisecond)
	st, err := h.d.GetQueueStatus(domain.NetworkSolana)
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, 1, st.QueueSize)
	assert.Equal(t, 1, st.Pending)
	assert.Empty(t, h.sol.Sent())

	require.NoError(t, h.d.ResumeNetwork(domain.NetworkSolana))
	tx, err := wait(t, paused)
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusComplete, tx.Status)

	assert.Equal(t, domain.EventQueuePaused, (<-ch).Type)
	assert.Equal(t, domain.EventQueueResumed, (<-ch).Type)

	assert.ErrorIs(t, h.d.PauseNetwork("tron"), domain.ErrUnsupportedNetwork)
	_, err = h.d.GetQueueStatus("tron")
	assert.ErrorIs(t, err, domain.ErrUnsupportedNetwork)
}

func TestDispatcher_PanicLeavesFailedRecord(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, func(h *harness) {
		h.sol.BeforeSend = func(*chain.SignedTx) {
			if calls.Add(1) == 1 {
				panic("nonce manager corrupted")
			}
		}
	})
	h.start(t)
	ctx := context.Background()

	first, err := h.d.AddTransaction(ctx, transfer("boom", "u1", domain.NetworkSolana, 0))
	require.NoError(t, err)
	second, err := h.d.AddTransaction(ctx, transfer("fine", "u1", domain.NetworkSolana, 0))
	require.NoError(t, err)

	tx, err := wait(t, first)
	require.Error(t, err)
	assert.Equal(t, domain.TxStatusFailed, tx.Status)
	assert.Contains(t, tx.Error, "nonce manager corrupted")

	tx, err = wait(t, second)
	require.NoError(t, err, "the lane must survive a panic")
	assert.Equal(t, domain.TxStatusComplete, tx.Status)
}

func TestDispatcher_SendErrorFails(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.evm.SendErr = errors.New("nonce too low")
	})
	h.start(t)

	s, err := h.d.AddTransaction(context.Background(), transfer("e1", "u1", domain.NetworkEthereum, 0))
	require.NoError(t, err)
	tx, err := wait(t, s)
	require.Error(t, err)
	assert.Contains(t, tx.Error, "nonce too low")
}

func TestDispatcher_UnknownWalletFails(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	s, err := h.d.AddTransaction(context.Background(), transfer("x", "ghost", domain.NetworkSolana, 0))
	require.NoError(t, err)
	_, err = wait(t, s)
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
}

func TestDispatcher_AbandonsJournalOnStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	leftover := transfer("old", "u1", domain.NetworkSolana, 0)
	leftover.Status = domain.TxStatusPending
	leftover.AddedAt = time.Now().Add(-time.Hour)
	require.NoError(t, h.journal.Put(ctx, leftover))

	_, ch := h.bus.Subscribe(8, domain.EventTransactionFailed)
	h.start(t)

	evt := <-ch
	assert.Equal(t, "old", evt.TxID)

	txs := h.d.GetPendingTransactions("u1")
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxStatusFailed, txs[0].Status)
	assert.Equal(t, msgAbandoned, txs[0].Error)
	assert.Empty(t, h.sol.Sent(), "abandoned transactions are never resubmitted")

	left, err := h.journal.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDispatcher_StopFailsQueued(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	require.NoError(t, h.d.PauseNetwork(domain.NetworkSolana))
	a, err := h.d.AddTransaction(ctx, transfer("a", "u1", domain.NetworkSolana, 0))
	require.NoError(t, err)
	b, err := h.d.AddTransaction(ctx, transfer("b", "u2", domain.NetworkSolana, 0))
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.d.Stop(stopCtx))

	for _, s := range []*Settlement{a, b} {
		tx, err := wait(t, s)
		require.Error(t, err)
		assert.Equal(t, msgStopped, tx.Error)
	}
	assert.Empty(t, h.sol.Sent())

	_, err = h.d.AddTransaction(ctx, transfer("late", "u1", domain.NetworkSolana, 0))
	assert.ErrorIs(t, err, ErrStopped)

	left, err := h.journal.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDispatcher_GasRefreshIsolatesPanics(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.evm.GasPanic = true
	})
	h.start(t)

	require.Eventually(t, func() bool {
		g, _ := h.d.GasPrice(domain.NetworkSolana)
		return g.Source == domain.GasSourceLive
	}, time.Second, 5*time.Millisecond)

	g, err := h.d.GasPrice(domain.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, domain.GasSourceUnavailable, g.Source)
}

func TestDispatcher_CleanupKeepsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.d.PauseNetwork(domain.NetworkEthereum))
	h.start(t)

	done, err := h.d.AddTransaction(ctx, transfer("done", "u1", domain.NetworkSolana, 0))
	require.NoError(t, err)
	_, err = h.d.AddTransaction(ctx, transfer("waiting", "u1", domain.NetworkEthereum, 0))
	require.NoError(t, err)
	_, err = wait(t, done)
	require.NoError(t, err)

	assert.Zero(t, h.d.Cleanup(time.Hour), "recent records are kept")
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, h.d.Cleanup(time.Millisecond))

	txs := h.d.GetPendingTransactions("u1")
	require.Len(t, txs, 1)
	assert.Equal(t, "waiting", txs[0].ID)
	assert.Equal(t, domain.TxStatusPending, txs[0].Status)
}

func TestGetPendingTransactions_SortedByAddedAt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"first", "second", "third"} {
		_, err := h.d.AddTransaction(ctx, transfer(id, "u1", domain.NetworkSolana, 0))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := h.d.AddTransaction(ctx, transfer("theirs", "u2", domain.NetworkSolana, 0))
	require.NoError(t, err)

	txs := h.d.GetPendingTransactions("u1")
	require.Len(t, txs, 3)
	assert.Equal(t, "first", txs[0].ID)
	assert.Equal(t, "third", txs[2].ID)
}
