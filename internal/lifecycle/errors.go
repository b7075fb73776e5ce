package lifecycle

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/txbuilder"
)

// ValidationError reports malformed input. Nothing was read or written.
type ValidationError = txbuilder.ValidationError

// AccountLoadError reports that the source account could not be read.
type AccountLoadError = txbuilder.AccountLoadError

// LimitExceededError is returned when the permission check disallowed the
// spend. Nothing is persisted.
type LimitExceededError struct {
	Sender string
	Asset  model.Asset
	Reason string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("spending limit exceeded for %s in %s: %s", e.Sender, e.Asset.Code, e.Reason)
}

// InvalidTransitionError is returned when an operation is not allowed from
// the record's current status. The record is left untouched.
type InvalidTransitionError struct {
	ID        uuid.UUID
	Operation Operation
	From      model.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("payment %s: %s not allowed from %s", e.ID, e.Operation, e.From)
}

// LedgerSubmitError is returned when the ledger outcome of a submit or
// confirm is unknown and the record was left in processing.
type LedgerSubmitError struct {
	ID   uuid.UUID
	Code model.ErrorCode
	Err  error
}

func (e *LedgerSubmitError) Error() string {
	return fmt.Sprintf("payment %s: %s: %v", e.ID, e.Code, e.Err)
}

func (e *LedgerSubmitError) Unwrap() error {
	return e.Err
}
