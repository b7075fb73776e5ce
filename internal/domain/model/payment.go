package model

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a payment record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusSettled    Status = "settled"
)

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is owned by this core.
// success is terminal here even though the off-ramp may settle it later.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusSettled:
		return true
	default:
		return false
	}
}

// IsConfirmed reports whether confirmed_at must be set for s.
func (s Status) IsConfirmed() bool {
	return s == StatusSuccess || s == StatusSettled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed, StatusCancelled, StatusSettled:
		return true
	default:
		return false
	}
}

// Direction is relative to the wallets known to this system.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
	DirectionInternal Direction = "internal"
)

// Origin records which path created the row.
type Origin string

const (
	OriginInitiated  Origin = "initiated"
	OriginDiscovered Origin = "discovered"
)

// ErrorCode distinguishes failure causes so operators can reconcile by hand.
type ErrorCode string

const (
	ErrorCodeLedgerRejected    ErrorCode = "ledger_rejected"
	ErrorCodeLedgerUnavailable ErrorCode = "ledger_unavailable"
	ErrorCodeNotIncluded       ErrorCode = "not_included"
)

// PaymentRecord is the durable representation of a payment and its lifecycle.
type PaymentRecord struct {
	ID              uuid.UUID  `db:"id"`
	SenderAddress   string     `db:"sender_address"`
	ReceiverAddress string     `db:"receiver_address"`
	Amount          Amount     `db:"amount_stroops"`
	Asset           Asset      `db:"-"`
	Fee             Amount     `db:"fee_stroops"`
	Memo            *string    `db:"memo"`
	TxHash          *string    `db:"tx_hash"`
	// IssuedHash is the hash of the envelope handed out at initiate. It lets
	// the indexer recognize the payment if the client broadcasts it directly.
	// Unique among pending records.
	IssuedHash      *string    `db:"issued_hash"`
	EnvelopeXDR     *string    `db:"envelope_xdr"`
	Network         Network    `db:"network"`
	Status          Status     `db:"status"`
	ErrorCode       *ErrorCode `db:"error_code"`
	ErrorMessage    *string    `db:"error_message"`
	Direction       Direction  `db:"direction"`
	Origin          Origin     `db:"origin"`
	LedgerSequence  *int64     `db:"ledger_sequence"`
	CreatedAt       time.Time  `db:"created_at"`
	SubmittedAt     *time.Time `db:"submitted_at"`
	ConfirmedAt     *time.Time `db:"confirmed_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// Clone returns a deep copy so callers never share pointer fields.
func (r *PaymentRecord) Clone() *PaymentRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Memo = clonePtr(r.Memo)
	c.TxHash = clonePtr(r.TxHash)
	c.IssuedHash = clonePtr(r.IssuedHash)
	c.EnvelopeXDR = clonePtr(r.EnvelopeXDR)
	c.ErrorCode = clonePtr(r.ErrorCode)
	c.ErrorMessage = clonePtr(r.ErrorMessage)
	c.LedgerSequence = clonePtr(r.LedgerSequence)
	c.SubmittedAt = clonePtr(r.SubmittedAt)
	c.ConfirmedAt = clonePtr(r.ConfirmedAt)
	return &c
}

// PaymentDraft is the input for creating a record.
type PaymentDraft struct {
	SenderAddress   string
	ReceiverAddress string
	Amount          Amount
	Asset           Asset
	Fee             Amount
	Memo            *string
	TxHash          *string
	IssuedHash      *string
	EnvelopeXDR     *string
	Network         Network
	Status          Status
	Direction       Direction
	Origin          Origin
	LedgerSequence  *int64
	ConfirmedAt     *time.Time
}

// TransitionFields are the optional column updates applied together with a
// status change. Nil fields leave the stored value untouched.
type TransitionFields struct {
	TxHash         *string
	ErrorCode      *ErrorCode
	ErrorMessage   *string
	Fee            *Amount
	LedgerSequence *int64
	ClearEnvelope  bool
	MarkSubmitted  bool
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func Ptr[T any](v T) *T {
	return &v
}
