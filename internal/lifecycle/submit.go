package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/metrics"
	"github.com/lumenpay/lumenpay/internal/retry"
	"github.com/lumenpay/lumenpay/internal/store"
	"github.com/lumenpay/lumenpay/internal/tracing"
	"github.com/stellar/go/txnbuild"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// outcomeWriteTimeout bounds the write that records a ledger outcome after
// the caller's context is gone.
const outcomeWriteTimeout = 10 * time.Second

// Submit sends the signed envelope for a pending record to the ledger. The
// record is claimed (pending -> processing, tx hash set) before the first
// ledger call, so concurrent or retried calls never submit twice: they
// return the stored result instead.
func (s *Service) Submit(ctx context.Context, id uuid.UUID, signedEnvelope string) (*Result, error) {
	ctx, span := tracing.Tracer("lifecycle").Start(ctx, "lifecycle.submit",
		trace.WithAttributes(attribute.String("record_id", id.String())),
	)
	defer span.End()

	res, err := s.submit(ctx, span, id, signedEnvelope)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	spanRecord(span, res.Record)
	return res, nil
}

func (s *Service) submit(ctx context.Context, span trace.Span, id uuid.UUID, signedEnvelope string) (*Result, error) {
	rec, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	hash, err := s.signedHash(signedEnvelope)
	if err != nil {
		s.rejected(OpSubmit, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("tx_hash", hash))

	if rec.Status != model.StatusPending {
		return s.replaySubmit(rec, hash)
	}
	if rec.EnvelopeXDR == nil {
		return nil, fmt.Errorf("payment %s: pending without envelope", id)
	}
	issued, err := s.envelopeHash(*rec.EnvelopeXDR)
	if err != nil {
		return nil, fmt.Errorf("payment %s: stored envelope: %w", id, err)
	}
	if issued != hash {
		err := &ValidationError{Field: "envelope", Reason: "does not match the transaction issued for this payment"}
		s.rejected(OpSubmit, err)
		return nil, err
	}

	claimed, err := s.transition(ctx, rec, model.StatusProcessing, model.TransitionFields{
		TxHash:        model.Ptr(hash),
		ClearEnvelope: true,
		MarkSubmitted: true,
	})
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		current, err := s.payments.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.replaySubmit(current, hash)
	case errors.Is(err, store.ErrDuplicateLedgerEvent):
		// The envelope reached the ledger through another path and the
		// indexer recorded it first.
		return s.alreadyIndexed(ctx, id, hash, err)
	case err != nil:
		return nil, err
	}

	start := time.Now()
	outcome, ledgerErr := s.submitWithRetry(ctx, hash, signedEnvelope)
	metrics.LifecycleSubmitLatency.WithLabelValues(s.cfg.Network.String()).Observe(time.Since(start).Seconds())

	if ledgerErr != nil && ctx.Err() != nil {
		s.logger.Warn("submit abandoned, record left in processing",
			"record_id", id,
			"tx_hash", hash,
			"error", ledgerErr,
		)
		return nil, &LedgerSubmitError{ID: id, Code: model.ErrorCodeLedgerUnavailable, Err: ledgerErr}
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
	defer cancel()

	switch {
	case ledgerErr != nil:
		s.logger.Error("submit retries exhausted",
			"record_id", id,
			"tx_hash", hash,
			"error", ledgerErr,
		)
		return s.fail(wctx, claimed, model.ErrorCodeLedgerUnavailable, ledgerErr.Error())
	case !outcome.Accepted:
		return s.fail(wctx, claimed, model.ErrorCodeLedgerRejected, outcome.Reason)
	case !outcome.Final:
		return &Result{Record: claimed}, nil
	default:
		return s.succeed(wctx, claimed, outcome.Fee, outcome.LedgerSequence)
	}
}

// submitWithRetry retries transient failures. Before every resubmission the
// hash is looked up first, so a transaction that landed despite a timed
// out attempt is not resubmitted (which would fail with a bad sequence).
func (s *Service) submitWithRetry(ctx context.Context, hash, signedEnvelope string) (*ledger.SubmitResult, error) {
	var (
		outcome *ledger.SubmitResult
		attempt int
	)
	err := retry.DoWithSleep(ctx, s.cfg.SubmitPolicy, s.sleep, func(ctx context.Context) error {
		attempt++
		metrics.LifecycleSubmitAttempts.WithLabelValues(s.cfg.Network.String()).Inc()
		if attempt > 1 {
			tx, err := s.ledger.GetTransaction(ctx, hash)
			switch {
			case err == nil:
				outcome = &ledger.SubmitResult{
					Hash:           tx.Hash,
					Accepted:       tx.Successful,
					Final:          true,
					LedgerSequence: tx.LedgerSequence,
					Fee:            tx.Fee,
					Reason:         tx.ResultCodes,
				}
				return nil
			case !errors.Is(err, ledger.ErrTransactionNotFound):
				return err
			}
		}
		r, err := s.ledger.SubmitTransaction(ctx, signedEnvelope)
		if err != nil {
			s.logger.Warn("submit attempt failed", "tx_hash", hash, "attempt", attempt, "error", err)
			return err
		}
		outcome = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// replaySubmit answers a submit for a record that is already past pending.
func (s *Service) replaySubmit(rec *model.PaymentRecord, hash string) (*Result, error) {
	if !alreadyDone(OpSubmit, rec.Status) || rec.TxHash == nil || *rec.TxHash != hash {
		s.rejected(OpSubmit, errInvalid)
		return nil, &InvalidTransitionError{ID: rec.ID, Operation: OpSubmit, From: rec.Status}
	}
	return &Result{Record: rec, Replayed: true}, nil
}

// alreadyIndexed answers a submit whose hash is owned by an indexed record.
// When the indexer completed this record, its outcome is replayed.
func (s *Service) alreadyIndexed(ctx context.Context, id uuid.UUID, hash string, dupErr error) (*Result, error) {
	current, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != model.StatusPending {
		return s.replaySubmit(current, hash)
	}
	s.logger.Error("submitted transaction is owned by another record",
		"record_id", id,
		"tx_hash", hash,
	)
	return nil, fmt.Errorf("payment %s: %w", id, dupErr)
}

func (s *Service) succeed(ctx context.Context, rec *model.PaymentRecord, fee model.Amount, ledgerSeq int64) (*Result, error) {
	fields := model.TransitionFields{Fee: model.Ptr(fee)}
	if ledgerSeq > 0 {
		fields.LedgerSequence = model.Ptr(ledgerSeq)
	}
	updated, err := s.transition(ctx, rec, model.StatusSuccess, fields)
	if err != nil {
		return s.outcomeLost(ctx, rec, err)
	}
	return s.committed(updated), nil
}

func (s *Service) fail(ctx context.Context, rec *model.PaymentRecord, code model.ErrorCode, message string) (*Result, error) {
	if message == "" {
		message = string(code)
	}
	updated, err := s.transition(ctx, rec, model.StatusFailed, model.TransitionFields{
		ErrorCode:    model.Ptr(code),
		ErrorMessage: model.Ptr(message),
	})
	if err != nil {
		return s.outcomeLost(ctx, rec, err)
	}
	return s.committed(updated), nil
}

// outcomeLost handles a failed outcome write. When a concurrent confirm
// already moved the record on, its state is returned.
func (s *Service) outcomeLost(ctx context.Context, rec *model.PaymentRecord, err error) (*Result, error) {
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		current, gerr := s.payments.Get(ctx, rec.ID)
		if gerr == nil {
			return &Result{Record: current, Replayed: true}, nil
		}
	}
	return nil, fmt.Errorf("record outcome for %s: %w", rec.ID, err)
}

// signedHash parses a signed envelope and returns its network hash.
func (s *Service) signedHash(envelope string) (string, error) {
	tx, err := parseEnvelope(envelope)
	if err != nil {
		return "", err
	}
	if len(tx.Signatures()) == 0 {
		return "", &ValidationError{Field: "envelope", Reason: "transaction is not signed"}
	}
	return tx.HashHex(s.cfg.Network.Passphrase())
}

func (s *Service) envelopeHash(envelope string) (string, error) {
	tx, err := parseEnvelope(envelope)
	if err != nil {
		return "", err
	}
	return tx.HashHex(s.cfg.Network.Passphrase())
}

func parseEnvelope(envelope string) (*txnbuild.Transaction, error) {
	generic, err := txnbuild.TransactionFromXDR(envelope)
	if err != nil {
		return nil, &ValidationError{Field: "envelope", Reason: "not a valid transaction envelope"}
	}
	tx, ok := generic.Transaction()
	if !ok {
		return nil, &ValidationError{Field: "envelope", Reason: "fee bump envelopes are not accepted"}
	}
	return tx, nil
}
