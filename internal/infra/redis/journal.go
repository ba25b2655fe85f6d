package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/custody/internal/core/domain"
)

// Journal implements storage.TxJournal using Redis.
//
// Entries live in a hash keyed by transaction id; a sorted set scored by
// AddedAt keeps them in acceptance order.
type Journal struct {
	rdb *redis.Client
	c   *Client
}

// NewJournal creates a new Redis-backed transaction journal.
func NewJournal(client *Client) *Journal {
	return &Journal{rdb: client.rdb, c: client}
}

func (j *Journal) entriesKey() string { return j.c.key("journal", "entries") }
func (j *Journal) orderKey() string   { return j.c.key("journal", "order") }

// Put stores the transaction.
func (j *Journal) Put(ctx context.Context, tx domain.QueuedTransaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	_, err = j.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, j.entriesKey(), tx.ID, data)
		pipe.ZAdd(ctx, j.orderKey(), redis.Z{Score: float64(tx.AddedAt.UnixNano()), Member: tx.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to journal transaction %s: %w", tx.ID, err)
	}
	return nil
}

// Remove deletes the transaction.
func (j *Journal) Remove(ctx context.Context, id string) error {
	_, err := j.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, j.entriesKey(), id)
		pipe.ZRem(ctx, j.orderKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove journal entry %s: %w", id, err)
	}
	return nil
}

// List returns every journaled transaction in acceptance order.
func (j *Journal) List(ctx context.Context) ([]domain.QueuedTransaction, error) {
	ids, err := j.rdb.ZRange(ctx, j.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := j.rdb.HMGet(ctx, j.entriesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("hmget failed: %w", err)
	}

	txs := make([]domain.QueuedTransaction, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// entry vanished between the two reads; drop the dangling id
			j.rdb.ZRem(ctx, j.orderKey(), ids[i])
			continue
		}
		var tx domain.QueuedTransaction
		if err := json.Unmarshal([]byte(s), &tx); err != nil {
			continue
		}
		txs = append(txs, tx)
	}
	return txs, nil
}
