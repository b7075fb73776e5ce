package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/store"
)

type WalletRepo struct {
	db *DB
}

var _ store.WalletRepository = (*WalletRepo)(nil)

func NewWalletRepo(db *DB) *WalletRepo {
	return &WalletRepo{db: db}
}

func (r *WalletRepo) GetActive(ctx context.Context, network model.Network) ([]model.Wallet, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, address, user_id, kyc_level, network, is_active, created_at, updated_at
		FROM wallets
		WHERE network = $1 AND is_active = true
		ORDER BY address
	`, network)
	if err != nil {
		return nil, fmt.Errorf("get active wallets: %w", err)
	}
	defer rows.Close()

	var out []model.Wallet
	for rows.Next() {
		var w model.Wallet
		if err := rows.Scan(&w.ID, &w.Address, &w.UserID, &w.KYCLevel, &w.Network, &w.IsActive, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *WalletRepo) FindByAddress(ctx context.Context, network model.Network, address string) (*model.Wallet, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var w model.Wallet
	err := r.db.QueryRowContext(ctx, `
		SELECT id, address, user_id, kyc_level, network, is_active, created_at, updated_at
		FROM wallets
		WHERE network = $1 AND address = $2 AND is_active = true
	`, network, address).Scan(&w.ID, &w.Address, &w.UserID, &w.KYCLevel, &w.Network, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRepo) Upsert(ctx context.Context, w *model.Wallet) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO wallets (id, address, user_id, kyc_level, network, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (network, address) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			kyc_level = EXCLUDED.kyc_level,
			is_active = EXCLUDED.is_active,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`, w.ID, w.Address, w.UserID, w.KYCLevel, w.Network, w.IsActive).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert wallet: %w", err)
	}
	return nil
}
