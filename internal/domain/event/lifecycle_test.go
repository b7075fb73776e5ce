package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/stretchr/testify/assert"
)

func TestFromRecord(t *testing.T) {
	hash := "abc"
	rec := &model.PaymentRecord{
		ID:              uuid.New(),
		SenderAddress:   "GA",
		ReceiverAddress: "GB",
		Amount:          10,
		Status:          model.StatusSuccess,
		Origin:          model.OriginInitiated,
		TxHash:          &hash,
		UpdatedAt:       time.Unix(100, 0),
	}

	ev, ok := FromRecord(rec)
	assert.True(t, ok)
	assert.Equal(t, KindPaymentSucceeded, ev.Kind)
	assert.Equal(t, "abc", ev.TxHash)
	assert.Equal(t, []string{"GA", "GB"}, ev.Recipients())

	rec.Origin = model.OriginDiscovered
	ev, _ = FromRecord(rec)
	assert.Equal(t, KindPaymentReceived, ev.Kind)

	rec.Status = model.StatusPending
	_, ok = FromRecord(rec)
	assert.False(t, ok)
}

func TestRecipients_FailedOnlySender(t *testing.T) {
	ev := Lifecycle{Kind: KindPaymentFailed, Sender: "GA", Receiver: "GB"}
	assert.Equal(t, []string{"GA"}, ev.Recipients())
}

func TestFromRecord_FailureCarriesCode(t *testing.T) {
	code := model.ErrorCodeLedgerUnavailable
	msg := "retries exhausted"
	ev, ok := FromRecord(&model.PaymentRecord{
		ID:           uuid.New(),
		Status:       model.StatusFailed,
		Network:      model.NetworkTestnet,
		ErrorCode:    &code,
		ErrorMessage: &msg,
	})
	assert.True(t, ok)
	assert.Equal(t, KindPaymentFailed, ev.Kind)
	assert.Equal(t, model.ErrorCodeLedgerUnavailable, ev.ErrorCode)
	assert.Equal(t, "retries exhausted", ev.Error)
	assert.Equal(t, model.NetworkTestnet, ev.Network)
	assert.False(t, ev.OccurredAt.IsZero())
}
