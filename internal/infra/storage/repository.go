package storage

import (
	"context"

	"github.com/vietddude/custody/internal/core/domain"
)

// WalletRepository persists wallet records grouped by user
type WalletRepository interface {
	// AppendWallet adds a record to the user's list, creating the list on first use.
	// A record with the same network and address is replaced.
	AppendWallet(ctx context.Context, userID string, rec domain.WalletRecord) error

	// ListWallets returns the user's records in creation order
	ListWallets(ctx context.Context, userID string) ([]domain.WalletRecord, error)

	// SetAutonomous sets the autonomous flag on the record with the exact address.
	// Reports whether a record matched.
	SetAutonomous(ctx context.Context, userID, address string, enabled bool) (bool, error)

	// RemoveWallet deletes the record matching network and exact address.
	// Reports whether a record was removed.
	RemoveWallet(ctx context.Context, userID string, network domain.Network, address string) (bool, error)
}

// CounterRepository tracks wallets created per network
type CounterRepository interface {
	// Increment adds delta atomically, creating the counter if needed, and returns the new value
	Increment(ctx context.Context, network domain.Network, delta int64) (int64, error)

	// Get returns the counter, zero when absent
	Get(ctx context.Context, network domain.Network) (int64, error)

	// All returns every counter
	All(ctx context.Context) (map[domain.Network]int64, error)
}

// TxJournal records accepted transactions until they settle
type TxJournal interface {
	// Put stores or replaces the entry with tx.ID
	Put(ctx context.Context, tx domain.QueuedTransaction) error

	// Remove deletes an entry; removing a missing id is not an error
	Remove(ctx context.Context, id string) error

	// List returns every entry ordered by AddedAt
	List(ctx context.Context) ([]domain.QueuedTransaction, error)
}
