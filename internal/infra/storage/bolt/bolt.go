// Package bolt stores wallets, counters and the transaction journal in a
// single bbolt file, for single-node deployments without PostgreSQL.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	"github.com/vietddude/custody/internal/core/domain"
)

var (
	bucketWallets  = []byte("wallets")
	bucketCounters = []byte("counters")
	bucketJournal  = []byte("journal")
)

// Store is a bbolt-backed implementation of the wallet, counter and journal repositories.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketWallets, bucketCounters, bucketJournal} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// wallets are kept as one JSON list per user key

func readWallets(b *bbolt.Bucket, userID string) ([]domain.WalletRecord, error) {
	data := b.Get([]byte(userID))
	if data == nil {
		return nil, nil
	}
	var list []domain.WalletRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal wallets of %s: %w", userID, err)
	}
	return list, nil
}

func writeWallets(b *bbolt.Bucket, userID string, list []domain.WalletRecord) error {
	if len(list) == 0 {
		return b.Delete([]byte(userID))
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to marshal wallets: %w", err)
	}
	return b.Put([]byte(userID), data)
}

func (s *Store) AppendWallet(ctx context.Context, userID string, rec domain.WalletRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWallets)
		list, err := readWallets(b, userID)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(list, func(w domain.WalletRecord) bool {
			return w.Network == rec.Network && w.Address == rec.Address
		})
		if idx >= 0 {
			list[idx] = rec
		} else {
			list = append(list, rec)
		}
		return writeWallets(b, userID, list)
	})
}

func (s *Store) ListWallets(ctx context.Context, userID string) ([]domain.WalletRecord, error) {
	var list []domain.WalletRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		list, err = readWallets(tx.Bucket(bucketWallets), userID)
		return err
	})
	return list, err
}

func (s *Store) SetAutonomous(ctx context.Context, userID, address string, enabled bool) (bool, error) {
	var found bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWallets)
		list, err := readWallets(b, userID)
		if err != nil {
			return err
		}
		for i := range list {
			if list[i].Address == address {
				list[i].IsAutonomous = enabled
				found = true
				return writeWallets(b, userID, list)
			}
		}
		return nil
	})
	return found, err
}

func (s *Store) RemoveWallet(ctx context.Context, userID string, network domain.Network, address string) (bool, error) {
	var removed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWallets)
		list, err := readWallets(b, userID)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(list, func(w domain.WalletRecord) bool {
			return w.Network == network && w.Address == address
		})
		if idx < 0 {
			return nil
		}
		removed = true
		return writeWallets(b, userID, slices.Delete(list, idx, idx+1))
	})
	return removed, err
}

// counters are 8-byte big-endian two's complement values

func (s *Store) Increment(ctx context.Context, network domain.Network, delta int64) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCounters)
		n = decodeCounter(b.Get([]byte(network))) + delta
		return b.Put([]byte(network), encodeCounter(n))
	})
	return n, err
}

func (s *Store) Get(ctx context.Context, network domain.Network) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = decodeCounter(tx.Bucket(bucketCounters).Get([]byte(network)))
		return nil
	})
	return n, err
}

func (s *Store) All(ctx context.Context) (map[domain.Network]int64, error) {
	out := make(map[domain.Network]int64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCounters).ForEach(func(k, v []byte) error {
			out[domain.Network(k)] = decodeCounter(v)
			return nil
		})
	})
	return out, err
}

func encodeCounter(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func decodeCounter(v []byte) int64 {
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

// Journal adapts the store to storage.TxJournal. Its methods collide with the
// counter repository's names, so it is a separate view.
type Journal struct {
	s *Store
}

func (s *Store) Journal() *Journal {
	return &Journal{s: s}
}

func (j *Journal) Put(ctx context.Context, qt domain.QueuedTransaction) error {
	data, err := json.Marshal(qt)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	return j.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJournal).Put([]byte(qt.ID), data)
	})
}

func (j *Journal) Remove(ctx context.Context, id string) error {
	return j.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJournal).Delete([]byte(id))
	})
}

func (j *Journal) List(ctx context.Context) ([]domain.QueuedTransaction, error) {
	var out []domain.QueuedTransaction
	err := j.s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJournal).ForEach(func(k, v []byte) error {
			var qt domain.QueuedTransaction
			if err := json.Unmarshal(v, &qt); err != nil {
				return fmt.Errorf("failed to unmarshal journal entry %s: %w", k, err)
			}
			out = append(out, qt)
			return nil
		})
	})
	slices.SortFunc(out, func(a, b domain.QueuedTransaction) int {
		return a.AddedAt.Compare(b.AddedAt)
	})
	return out, err
}
