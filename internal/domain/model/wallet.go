package model

import (
	"time"

	"github.com/google/uuid"
)

// Wallet is a ledger account linked to a user. Wallets are owned by the
// account service; the payments core only reads them.
type Wallet struct {
	ID        uuid.UUID `db:"id"`
	Address   string    `db:"address"`
	UserID    string    `db:"user_id"`
	KYCLevel  int       `db:"kyc_level"`
	Network   Network   `db:"network"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Contact is a sender→receiver pair with payment history, maintained after
// successful payments.
type Contact struct {
	OwnerAddress   string    `db:"owner_address" json:"owner_address"`
	ContactAddress string    `db:"contact_address" json:"contact_address"`
	PaymentCount   int64     `db:"payment_count" json:"payment_count"`
	LastPaidAt     time.Time `db:"last_paid_at" json:"last_paid_at"`
}
