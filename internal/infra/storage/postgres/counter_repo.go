package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/custody/internal/core/domain"
)

// CounterRepo implements storage.CounterRepository on the sqlx view of the pool.
type CounterRepo struct {
	db *DB
}

func NewCounterRepo(db *DB) *CounterRepo {
	return &CounterRepo{db: db}
}

type counterRow struct {
	Network string `db:"network"`
	Count   int64  `db:"count"`
}

func (r *CounterRepo) Increment(ctx context.Context, network domain.Network, delta int64) (int64, error) {
	var n int64
	err := r.db.SQL.GetContext(ctx, &n, `
		INSERT INTO wallet_counters (network, count) VALUES ($1, $2)
		ON CONFLICT (network) DO UPDATE SET count = wallet_counters.count + EXCLUDED.count
		RETURNING count`, string(network), delta)
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return n, nil
}

func (r *CounterRepo) Get(ctx context.Context, network domain.Network) (int64, error) {
	var n int64
	err := r.db.SQL.GetContext(ctx, &n, `SELECT count FROM wallet_counters WHERE network = $1`, string(network))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return n, nil
}

func (r *CounterRepo) All(ctx context.Context) (map[domain.Network]int64, error) {
	var rows []counterRow
	if err := r.db.SQL.SelectContext(ctx, &rows, `SELECT network, count FROM wallet_counters`); err != nil {
		return nil, fmt.Errorf("failed to list counters: %w", err)
	}
	out := make(map[domain.Network]int64, len(rows))
	for _, row := range rows {
		out[domain.Network(row.Network)] = row.Count
	}
	return out, nil
}
