package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/retry"
	"github.com/lumenpay/lumenpay/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Confirm resolves a processing record against the ledger. A transaction
// still unknown to the ledger inside the confirm window leaves the record
// unchanged; past the window it fails with not_included. Confirming an
// already confirmed record returns it untouched.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Result, error) {
	ctx, span := tracing.Tracer("lifecycle").Start(ctx, "lifecycle.confirm",
		trace.WithAttributes(attribute.String("record_id", id.String())),
	)
	defer span.End()

	res, err := s.confirm(ctx, id)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	spanRecord(span, res.Record)
	return res, nil
}

func (s *Service) confirm(ctx context.Context, id uuid.UUID) (*Result, error) {
	rec, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res, done, err := s.precheck(rec, OpConfirm); done {
		return res, err
	}
	if rec.TxHash == nil {
		return nil, fmt.Errorf("payment %s: processing without tx hash", id)
	}

	var tx *ledger.Transaction
	lookupErr := retry.DoWithSleep(ctx, s.cfg.SubmitPolicy, s.sleep, func(ctx context.Context) error {
		var err error
		tx, err = s.ledger.GetTransaction(ctx, *rec.TxHash)
		return err
	})

	switch {
	case lookupErr == nil && tx.Successful:
		return s.succeed(ctx, rec, tx.Fee, tx.LedgerSequence)
	case lookupErr == nil:
		reason := tx.ResultCodes
		if reason == "" {
			reason = "transaction failed on ledger"
		}
		return s.fail(ctx, rec, model.ErrorCodeLedgerRejected, reason)
	case ctx.Err() != nil:
		return nil, &LedgerSubmitError{ID: id, Code: model.ErrorCodeLedgerUnavailable, Err: lookupErr}
	case errors.Is(lookupErr, ledger.ErrTransactionNotFound):
		if !s.windowElapsed(rec) {
			return &Result{Record: rec}, nil
		}
		return s.fail(ctx, rec, model.ErrorCodeNotIncluded,
			fmt.Sprintf("transaction not included within %s of submission", s.cfg.ConfirmWindow))
	default:
		if !s.windowElapsed(rec) {
			return nil, &LedgerSubmitError{ID: id, Code: model.ErrorCodeLedgerUnavailable, Err: lookupErr}
		}
		s.logger.Error("confirm gave up on unavailable ledger",
			"record_id", id,
			"tx_hash", *rec.TxHash,
			"error", lookupErr,
		)
		return s.fail(ctx, rec, model.ErrorCodeLedgerUnavailable, lookupErr.Error())
	}
}

func (s *Service) windowElapsed(rec *model.PaymentRecord) bool {
	since := rec.CreatedAt
	if rec.SubmittedAt != nil {
		since = *rec.SubmittedAt
	}
	return s.now().Sub(since) > s.cfg.ConfirmWindow
}
