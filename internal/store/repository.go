package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
)

var (
	// ErrNotFound is returned when a payment record does not exist.
	ErrNotFound = errors.New("payment record not found")

	// ErrDuplicateLedgerEvent is returned when a ledger transaction hash is
	// already owned by another record.
	ErrDuplicateLedgerEvent = errors.New("ledger transaction already indexed")
)

// ConflictError is returned by a conditioned write whose expected status no
// longer matches the stored one. Callers re-read and decide whether to retry.
type ConflictError struct {
	ID       uuid.UUID
	Expected model.Status
	Actual   model.Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("payment %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

// PaymentRepository persists payment records. Transition is the only
// mutation path for an existing record.
type PaymentRepository interface {
	Create(ctx context.Context, draft *model.PaymentDraft) (*model.PaymentRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*model.PaymentRecord, error)
	// Transition applies next and fields only if the stored status equals
	// expected; otherwise it returns *ConflictError and writes nothing.
	Transition(ctx context.Context, id uuid.UUID, expected, next model.Status, fields model.TransitionFields) (*model.PaymentRecord, error)
	FindByTxHash(ctx context.Context, txHash string) (*model.PaymentRecord, error)
	ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.PaymentRecord, error)
	// SumOutgoingSince totals amounts sent by sender in asset since the given
	// time, excluding failed and cancelled records.
	SumOutgoingSince(ctx context.Context, sender string, asset model.Asset, since time.Time) (model.Amount, error)
}

// BatchResult describes what an indexed batch changed.
type BatchResult struct {
	Inserted []*model.PaymentRecord
	// Resolved are pending records whose issued transaction was found on
	// the ledger; they moved through processing to success.
	Resolved       []*model.PaymentRecord
	Duplicates     int
	CursorAdvanced bool
}

// CursorRepository provides access to indexer cursors.
type CursorRepository interface {
	// Get returns nil, nil when the cursor has not been initialized.
	Get(ctx context.Context, source string) (*model.IndexerCursor, error)
	// InitIfAbsent stores initial only if no cursor exists for its source and
	// returns whichever cursor is stored afterwards.
	InitIfAbsent(ctx context.Context, initial model.CursorAdvance) (*model.IndexerCursor, error)
	// ApplyIndexedBatch records discovered payments and advances the cursor
	// in one atomic step. A draft whose hash matches the issued hash of a
	// pending record completes that record instead of inserting a new one;
	// hashes already present are skipped. drafts may be empty. The cursor
	// never moves backwards.
	ApplyIndexedBatch(ctx context.Context, drafts []*model.PaymentDraft, advance model.CursorAdvance) (BatchResult, error)
}

// WalletRepository provides read access to linked wallets.
type WalletRepository interface {
	GetActive(ctx context.Context, network model.Network) ([]model.Wallet, error)
	// FindByAddress returns nil, nil when the address is not a linked wallet.
	FindByAddress(ctx context.Context, network model.Network, address string) (*model.Wallet, error)
	Upsert(ctx context.Context, w *model.Wallet) error
}

// ContactRepository maintains the sender→receiver contact list.
type ContactRepository interface {
	RecordPayment(ctx context.Context, owner, contact string, at time.Time) error
	ListByOwner(ctx context.Context, owner string, limit int) ([]model.Contact, error)
}
