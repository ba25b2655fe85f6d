package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vietddude/custody/internal/core/domain"
)

// WalletRepo implements storage.WalletRepository using PostgreSQL.
type WalletRepo struct {
	db *DB
}

// NewWalletRepo creates a new PostgreSQL wallet repository.
func NewWalletRepo(db *DB) *WalletRepo {
	return &WalletRepo{db: db}
}

// AppendWallet inserts the record, replacing one with the same network and address.
func (r *WalletRepo) AppendWallet(ctx context.Context, userID string, rec domain.WalletRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	kind := rec.Kind
	if kind == "" {
		kind = domain.WalletKindInternal
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO wallets (user_id, network, address, encrypted_private_key, encrypted_mnemonic, kind, is_autonomous, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, network, address) DO UPDATE SET
			encrypted_private_key = EXCLUDED.encrypted_private_key,
			encrypted_mnemonic    = EXCLUDED.encrypted_mnemonic,
			kind                  = EXCLUDED.kind,
			is_autonomous         = EXCLUDED.is_autonomous`,
		userID, string(rec.Network), rec.Address, rec.EncryptedPrivateKey, rec.EncryptedMnemonic,
		string(kind), rec.IsAutonomous, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

// ListWallets returns the user's wallets in creation order.
func (r *WalletRepo) ListWallets(ctx context.Context, userID string) ([]domain.WalletRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT network, address, encrypted_private_key, encrypted_mnemonic, kind, is_autonomous, created_at
		FROM wallets
		WHERE user_id = $1
		ORDER BY created_at, address`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	wallets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.WalletRecord, error) {
		var (
			w             domain.WalletRecord
			network, kind string
		)
		err := row.Scan(&network, &w.Address, &w.EncryptedPrivateKey, &w.EncryptedMnemonic, &kind, &w.IsAutonomous, &w.CreatedAt)
		w.Network = domain.Network(network)
		w.Kind = domain.WalletKind(kind)
		return w, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallets: %w", err)
	}
	return wallets, nil
}

// SetAutonomous updates the flag on the wallet with the exact address.
func (r *WalletRepo) SetAutonomous(ctx context.Context, userID, address string, enabled bool) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE wallets SET is_autonomous = $3 WHERE user_id = $1 AND address = $2`,
		userID, address, enabled)
	if err != nil {
		return false, fmt.Errorf("failed to update wallet: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveWallet deletes the wallet matching network and address.
func (r *WalletRepo) RemoveWallet(ctx context.Context, userID string, network domain.Network, address string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM wallets WHERE user_id = $1 AND network = $2 AND address = $3`,
		userID, string(network), address)
	if err != nil {
		return false, fmt.Errorf("failed to delete wallet: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
