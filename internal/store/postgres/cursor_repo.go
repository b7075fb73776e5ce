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

type CursorRepo struct {
	db *DB
}

var _ store.CursorRepository = (*CursorRepo)(nil)

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, source string) (*model.IndexerCursor, error) {
	return getCursor(ctx, r.db, source)
}

func getCursor(ctx context.Context, q queryer, source string) (*model.IndexerCursor, error) {
	var c model.IndexerCursor
	err := q.QueryRowContext(ctx, `
		SELECT source, network, cursor_value, cursor_sequence, items_processed, created_at, updated_at
		FROM indexer_cursors
		WHERE source = $1
	`, source).Scan(
		&c.Source, &c.Network, &c.CursorValue, &c.CursorSequence,
		&c.ItemsProcessed, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &c, nil
}

func (r *CursorRepo) InitIfAbsent(ctx context.Context, initial model.CursorAdvance) (*model.IndexerCursor, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO indexer_cursors (source, network, cursor_value, cursor_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source) DO NOTHING
	`, initial.Source, initial.Network, initial.CursorValue, initial.CursorSequence); err != nil {
		return nil, fmt.Errorf("init cursor: %w", err)
	}

	c, err := getCursor(ctx, r.db, initial.Source)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("init cursor %s: row missing after insert", initial.Source)
	}
	return c, nil
}

// ApplyIndexedBatch runs in one database transaction: a draft matching the
// issued hash of a pending record completes that record, drafts whose hash
// is already stored are skipped, then the cursor moves forward unless
// another writer already moved it further.
func (r *CursorRepo) ApplyIndexedBatch(ctx context.Context, drafts []*model.PaymentDraft, advance model.CursorAdvance) (store.BatchResult, error) {
	var res store.BatchResult

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, d := range drafts {
		resolved, err := resolveIssued(ctx, tx, d)
		if err != nil {
			return store.BatchResult{}, fmt.Errorf("resolve issued payment %s: %w", deref(d.TxHash), err)
		}
		if resolved != nil {
			res.Resolved = append(res.Resolved, resolved)
			continue
		}
		rec, err := insertPayment(ctx, tx, d, true)
		if errors.Is(err, sql.ErrNoRows) {
			res.Duplicates++
			continue
		}
		if err != nil {
			return store.BatchResult{}, fmt.Errorf("insert discovered payment %s: %w", deref(d.TxHash), err)
		}
		res.Inserted = append(res.Inserted, rec)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE indexer_cursors SET
			cursor_value = $2,
			cursor_sequence = $3,
			items_processed = items_processed + $4,
			updated_at = now()
		WHERE source = $1 AND network = $5 AND cursor_sequence <= $3
	`, advance.Source, advance.CursorValue, advance.CursorSequence, advance.ItemsProcessed, advance.Network)
	if err != nil {
		return store.BatchResult{}, fmt.Errorf("advance cursor: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return store.BatchResult{}, fmt.Errorf("advance cursor: %w", err)
	}
	res.CursorAdvanced = n == 1

	if err := tx.Commit(); err != nil {
		return store.BatchResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return res, nil
}

// resolveIssued moves the pending record that issued d's transaction through
// processing to success. It returns nil, nil when there is none.
func resolveIssued(ctx context.Context, tx *sql.Tx, d *model.PaymentDraft) (*model.PaymentRecord, error) {
	if d.TxHash == nil {
		return nil, nil
	}
	var id uuid.UUID
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM payment_transactions
		WHERE issued_hash = $1 AND status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM payment_transactions WHERE tx_hash = $1)
		FOR UPDATE
	`, *d.TxHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := updateStatus(ctx, tx, id, model.StatusPending, model.StatusProcessing, model.TransitionFields{
		TxHash:        d.TxHash,
		ClearEnvelope: true,
		MarkSubmitted: true,
	}); err != nil {
		return nil, err
	}
	return updateStatus(ctx, tx, id, model.StatusProcessing, model.StatusSuccess, model.TransitionFields{
		Fee:            model.Ptr(d.Fee),
		LedgerSequence: d.LedgerSequence,
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
