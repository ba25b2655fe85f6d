package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/vietddude/custody/internal/core/domain"
)

// MemoryStorage keeps every repository's data in process memory.
type MemoryStorage struct {
	wallets  map[string][]domain.WalletRecord
	counters map[domain.Network]int64
	journal  map[string]domain.QueuedTransaction
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		wallets:  make(map[string][]domain.WalletRecord),
		counters: make(map[domain.Network]int64),
		journal:  make(map[string]domain.QueuedTransaction),
	}
}

// -----------------------------------------------------------------------------
// Wallet Repository
// -----------------------------------------------------------------------------

type WalletRepo struct {
	store *MemoryStorage
}

func NewWalletRepo(store *MemoryStorage) *WalletRepo {
	return &WalletRepo{store: store}
}

func (r *WalletRepo) AppendWallet(ctx context.Context, userID string, rec domain.WalletRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	list := r.store.wallets[userID]
	for i, w := range list {
		if w.Network == rec.Network && w.Address == rec.Address {
			list[i] = rec
			return nil
		}
	}
	r.store.wallets[userID] = append(list, rec)
	return nil
}

func (r *WalletRepo) ListWallets(ctx context.Context, userID string) ([]domain.WalletRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return slices.Clone(r.store.wallets[userID]), nil
}

func (r *WalletRepo) SetAutonomous(ctx context.Context, userID, address string, enabled bool) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	list := r.store.wallets[userID]
	for i := range list {
		if list[i].Address == address {
			list[i].IsAutonomous = enabled
			return true, nil
		}
	}
	return false, nil
}

func (r *WalletRepo) RemoveWallet(ctx context.Context, userID string, network domain.Network, address string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	list := r.store.wallets[userID]
	idx := slices.IndexFunc(list, func(w domain.WalletRecord) bool {
		return w.Network == network && w.Address == address
	})
	if idx < 0 {
		return false, nil
	}
	r.store.wallets[userID] = slices.Delete(list, idx, idx+1)
	return true, nil
}

// -----------------------------------------------------------------------------
// Counter Repository
// -----------------------------------------------------------------------------

type CounterRepo struct {
	store *MemoryStorage
}

func NewCounterRepo(store *MemoryStorage) *CounterRepo {
	return &CounterRepo{store: store}
}

func (r *CounterRepo) Increment(ctx context.Context, network domain.Network, delta int64) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.counters[network] += delta
	return r.store.counters[network], nil
}

func (r *CounterRepo) Get(ctx context.Context, network domain.Network) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.counters[network], nil
}

func (r *CounterRepo) All(ctx context.Context) (map[domain.Network]int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make(map[domain.Network]int64, len(r.store.counters))
	for k, v := range r.store.counters {
		out[k] = v
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Transaction Journal
// -----------------------------------------------------------------------------

type Journal struct {
	store *MemoryStorage
}

func NewJournal(store *MemoryStorage) *Journal {
	return &Journal{store: store}
}

func (j *Journal) Put(ctx context.Context, tx domain.QueuedTransaction) error {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()
	j.store.journal[tx.ID] = tx
	return nil
}

func (j *Journal) Remove(ctx context.Context, id string) error {
	j.store.mu.Lock()
	defer j.store.mu.Unlock()
	delete(j.store.journal, id)
	return nil
}

func (j *Journal) List(ctx context.Context) ([]domain.QueuedTransaction, error) {
	j.store.mu.RLock()
	defer j.store.mu.RUnlock()

	out := make([]domain.QueuedTransaction, 0, len(j.store.journal))
	for _, tx := range j.store.journal {
		out = append(out, tx)
	}
	slices.SortFunc(out, func(a, b domain.QueuedTransaction) int {
		return a.AddedAt.Compare(b.AddedAt)
	})
	return out, nil
}
