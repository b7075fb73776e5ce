package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/store"
)

type ContactRepo struct {
	db *DB
}

var _ store.ContactRepository = (*ContactRepo)(nil)

func NewContactRepo(db *DB) *ContactRepo {
	return &ContactRepo{db: db}
}

func (r *ContactRepo) RecordPayment(ctx context.Context, owner, contact string, at time.Time) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallet_contacts (owner_address, contact_address, payment_count, last_paid_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (owner_address, contact_address) DO UPDATE SET
			payment_count = wallet_contacts.payment_count + 1,
			last_paid_at = GREATEST(wallet_contacts.last_paid_at, EXCLUDED.last_paid_at)
	`, owner, contact, at)
	if err != nil {
		return fmt.Errorf("record contact: %w", err)
	}
	return nil
}

func (r *ContactRepo) ListByOwner(ctx context.Context, owner string, limit int) ([]model.Contact, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT owner_address, contact_address, payment_count, last_paid_at
		FROM wallet_contacts
		WHERE owner_address = $1
		ORDER BY last_paid_at DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []model.Contact
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.OwnerAddress, &c.ContactAddress, &c.PaymentCount, &c.LastPaidAt); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
