package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
)

// Kind names a post-commit lifecycle event.
type Kind string

const (
	KindPaymentSucceeded Kind = "payment.succeeded"
	KindPaymentFailed    Kind = "payment.failed"
	KindPaymentCancelled Kind = "payment.cancelled"
	KindPaymentSettled   Kind = "payment.settled"
	// KindPaymentReceived is emitted by the indexer for discovered payments.
	KindPaymentReceived Kind = "payment.received"
)

// Lifecycle is emitted after a transition has been committed. Subscribers
// consume it asynchronously; nothing they do can affect the record.
type Lifecycle struct {
	Kind       Kind
	RecordID   uuid.UUID
	Status     model.Status
	Sender     string
	Receiver   string
	Amount     model.Amount
	Asset      model.Asset
	TxHash     string
	Direction  model.Direction
	Network    model.Network
	ErrorCode  model.ErrorCode
	Error      string
	OccurredAt time.Time
}

// FromRecord derives the event for a record that just reached a terminal
// status. ok is false when the status carries no event.
func FromRecord(rec *model.PaymentRecord) (Lifecycle, bool) {
	var kind Kind
	switch rec.Status {
	case model.StatusSuccess:
		kind = KindPaymentSucceeded
		if rec.Origin == model.OriginDiscovered {
			kind = KindPaymentReceived
		}
	case model.StatusFailed:
		kind = KindPaymentFailed
	case model.StatusCancelled:
		kind = KindPaymentCancelled
	case model.StatusSettled:
		kind = KindPaymentSettled
	default:
		return Lifecycle{}, false
	}

	ev := Lifecycle{
		Kind:       kind,
		RecordID:   rec.ID,
		Status:     rec.Status,
		Sender:     rec.SenderAddress,
		Receiver:   rec.ReceiverAddress,
		Amount:     rec.Amount,
		Asset:      rec.Asset,
		Direction:  rec.Direction,
		Network:    rec.Network,
		OccurredAt: rec.UpdatedAt,
	}
	if rec.TxHash != nil {
		ev.TxHash = *rec.TxHash
	}
	if rec.ErrorCode != nil {
		ev.ErrorCode = *rec.ErrorCode
	}
	if rec.ErrorMessage != nil {
		ev.Error = *rec.ErrorMessage
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return ev, true
}

// Recipients returns the wallet addresses that should be told about ev.
func (ev Lifecycle) Recipients() []string {
	switch ev.Kind {
	case KindPaymentSucceeded, KindPaymentReceived:
		if ev.Sender == ev.Receiver {
			return []string{ev.Sender}
		}
		return []string{ev.Sender, ev.Receiver}
	default:
		return []string{ev.Sender}
	}
}
