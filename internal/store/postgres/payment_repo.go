package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/store"
)

const paymentColumns = `id, sender_address, receiver_address, amount_stroops, asset_code, asset_issuer,
	fee_stroops, memo, tx_hash, envelope_xdr, network, status, error_code, error_message,
	direction, origin, ledger_sequence, created_at, submitted_at, confirmed_at, updated_at, issued_hash`

type PaymentRepo struct {
	db *DB
}

var _ store.PaymentRepository = (*PaymentRepo)(nil)

func NewPaymentRepo(db *DB) *PaymentRepo {
	return &PaymentRepo{db: db}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*model.PaymentRecord, error) {
	var (
		r         model.PaymentRecord
		errorCode sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.SenderAddress, &r.ReceiverAddress, &r.Amount, &r.Asset.Code, &r.Asset.Issuer,
		&r.Fee, &r.Memo, &r.TxHash, &r.EnvelopeXDR, &r.Network, &r.Status, &errorCode, &r.ErrorMessage,
		&r.Direction, &r.Origin, &r.LedgerSequence, &r.CreatedAt, &r.SubmittedAt, &r.ConfirmedAt, &r.UpdatedAt,
		&r.IssuedHash,
	)
	if err != nil {
		return nil, err
	}
	if errorCode.Valid {
		r.ErrorCode = model.Ptr(model.ErrorCode(errorCode.String))
	}
	return &r, nil
}

func insertPayment(ctx context.Context, q queryer, draft *model.PaymentDraft, onConflictSkip bool) (*model.PaymentRecord, error) {
	query := `
		INSERT INTO payment_transactions (
			id, sender_address, receiver_address, amount_stroops, asset_code, asset_issuer,
			fee_stroops, memo, tx_hash, envelope_xdr, network, status, direction, origin,
			ledger_sequence, confirmed_at, issued_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
	if onConflictSkip {
		query += ` ON CONFLICT (tx_hash) DO NOTHING`
	}
	query += ` RETURNING ` + paymentColumns

	var confirmedAt *time.Time
	if draft.Status.IsConfirmed() {
		now := time.Now().UTC()
		confirmedAt = &now
		if draft.ConfirmedAt != nil {
			confirmedAt = draft.ConfirmedAt
		}
	}

	issuer := draft.Asset.Issuer
	code := draft.Asset.Code
	if draft.Asset.IsNative() {
		code, issuer = model.NativeAssetCode, ""
	}

	return scanPayment(q.QueryRowContext(ctx, query,
		uuid.New(), draft.SenderAddress, draft.ReceiverAddress, draft.Amount, code, issuer,
		draft.Fee, draft.Memo, draft.TxHash, draft.EnvelopeXDR, draft.Network, draft.Status,
		draft.Direction, draft.Origin, draft.LedgerSequence, confirmedAt, draft.IssuedHash,
	))
}

func (r *PaymentRepo) Create(ctx context.Context, draft *model.PaymentDraft) (*model.PaymentRecord, error) {
	rec, err := insertPayment(ctx, r.db, draft, false)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create payment: %w", store.ErrDuplicateLedgerEvent)
		}
		return nil, fmt.Errorf("create payment: %w", err)
	}
	return rec, nil
}

func (r *PaymentRepo) Get(ctx context.Context, id uuid.UUID) (*model.PaymentRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rec, err := scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return rec, nil
}

func (r *PaymentRepo) FindByTxHash(ctx context.Context, txHash string) (*model.PaymentRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rec, err := scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE tx_hash = $1`, txHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find payment by hash: %w", err)
	}
	return rec, nil
}

// Transition is a single conditioned UPDATE. confirmed_at is written only on
// the first move into success or settled.
func (r *PaymentRepo) Transition(ctx context.Context, id uuid.UUID, expected, next model.Status, f model.TransitionFields) (*model.PaymentRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rec, err := updateStatus(ctx, r.db, id, expected, next, f)
	if err == nil {
		return rec, nil
	}
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("transition payment %s: %w", id, store.ErrDuplicateLedgerEvent)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition payment %s: %w", id, err)
	}

	var actual model.Status
	err = r.db.QueryRowContext(ctx, `SELECT status FROM payment_transactions WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transition payment %s: read status: %w", id, err)
	}
	return nil, &store.ConflictError{ID: id, Expected: expected, Actual: actual}
}

// updateStatus returns sql.ErrNoRows when the stored status is not expected.
func updateStatus(ctx context.Context, q queryer, id uuid.UUID, expected, next model.Status, f model.TransitionFields) (*model.PaymentRecord, error) {
	var errorCode *string
	if f.ErrorCode != nil {
		errorCode = model.Ptr(string(*f.ErrorCode))
	}

	return scanPayment(q.QueryRowContext(ctx, `
		UPDATE payment_transactions SET
			status          = $3::varchar,
			tx_hash         = COALESCE($4, tx_hash),
			error_code      = COALESCE($5, error_code),
			error_message   = COALESCE($6, error_message),
			fee_stroops     = COALESCE($7, fee_stroops),
			ledger_sequence = COALESCE($8, ledger_sequence),
			envelope_xdr    = CASE WHEN $9::boolean THEN NULL ELSE envelope_xdr END,
			submitted_at    = CASE WHEN $10::boolean AND submitted_at IS NULL THEN now() ELSE submitted_at END,
			confirmed_at    = CASE
				WHEN $3::varchar IN ('success', 'settled') AND confirmed_at IS NULL THEN now()
				ELSE confirmed_at
			END,
			updated_at      = now()
		WHERE id = $1 AND status = $2
		RETURNING `+paymentColumns,
		id, expected, next, f.TxHash, errorCode, f.ErrorMessage, f.Fee, f.LedgerSequence, f.ClearEnvelope, f.MarkSubmitted,
	))
}

func (r *PaymentRepo) ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.PaymentRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_transactions
		WHERE status = $1
		ORDER BY COALESCE(submitted_at, created_at), id
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments by status: %w", err)
	}
	defer rows.Close()

	var out []*model.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PaymentRepo) SumOutgoingSince(ctx context.Context, sender string, asset model.Asset, since time.Time) (model.Amount, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	code, issuer := asset.Code, asset.Issuer
	if asset.IsNative() {
		code, issuer = model.NativeAssetCode, ""
	}

	var total int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_stroops), 0)::BIGINT
		FROM payment_transactions
		WHERE sender_address = $1
		  AND asset_code = $2
		  AND asset_issuer = $3
		  AND created_at >= $4
		  AND status NOT IN ('failed', 'cancelled')
	`, sender, code, issuer, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum outgoing: %w", err)
	}
	return model.Amount(total), nil
}
