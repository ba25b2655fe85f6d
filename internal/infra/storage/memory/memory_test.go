package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/storage"
)

var (
	_ storage.WalletRepository  = (*WalletRepo)(nil)
	_ storage.CounterRepository = (*CounterRepo)(nil)
	_ storage.TxJournal         = (*Journal)(nil)
)

func TestWalletRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewWalletRepo(NewMemoryStorage())

	a := domain.WalletRecord{Network: domain.NetworkEthereum, Address: "0xA", EncryptedPrivateKey: "k1"}
	b := domain.WalletRecord{Network: domain.NetworkSolana, Address: "SoLB", EncryptedPrivateKey: "k2"}
	require.NoError(t, repo.AppendWallet(ctx, "u1", a))
	require.NoError(t, repo.AppendWallet(ctx, "u1", b))

	list, err := repo.ListWallets(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "0xA", list[0].Address)

	a.EncryptedPrivateKey = "k1-rotated"
	require.NoError(t, repo.AppendWallet(ctx, "u1", a))
	list, _ = repo.ListWallets(ctx, "u1")
	require.Len(t, list, 2)
	assert.Equal(t, "k1-rotated", list[0].EncryptedPrivateKey)

	ok, err := repo.SetAutonomous(ctx, "u1", "SoLB", true)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = repo.SetAutonomous(ctx, "u1", "missing", true)
	assert.False(t, ok)

	list, _ = repo.ListWallets(ctx, "u1")
	assert.True(t, list[1].IsAutonomous)

	removed, err := repo.RemoveWallet(ctx, "u1", domain.NetworkSolana, "0xA")
	require.NoError(t, err)
	assert.False(t, removed, "network must match")

	removed, err = repo.RemoveWallet(ctx, "u1", domain.NetworkEthereum, "0xA")
	require.NoError(t, err)
	assert.True(t, removed)

	list, _ = repo.ListWallets(ctx, "u1")
	require.Len(t, list, 1)
	assert.Equal(t, "SoLB", list[0].Address)

	empty, err := repo.ListWallets(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCounterRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewCounterRepo(NewMemoryStorage())

	n, err := repo.Increment(ctx, domain.NetworkBase, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, _ = repo.Increment(ctx, domain.NetworkBase, 2)
	assert.Equal(t, int64(3), n)
	n, _ = repo.Increment(ctx, domain.NetworkBase, -1)
	assert.Equal(t, int64(2), n)

	got, _ := repo.Get(ctx, domain.NetworkSolana)
	assert.Zero(t, got)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Network]int64{domain.NetworkBase: 2}, all)
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	j := NewJournal(NewMemoryStorage())
	now := time.Now()

	require.NoError(t, j.Put(ctx, domain.QueuedTransaction{ID: "late", AddedAt: now.Add(time.Second)}))
	require.NoError(t, j.Put(ctx, domain.QueuedTransaction{ID: "early", AddedAt: now}))

	list, err := j.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].ID)

	require.NoError(t, j.Remove(ctx, "early"))
	require.NoError(t, j.Remove(ctx, "early"))
	list, _ = j.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "late", list[0].ID)
}
