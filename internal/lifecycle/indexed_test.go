package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/event"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/indexer"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// The client broadcasts the envelope from initiate itself; the indexer sees
// it before submit is ever called.
func TestSubmit_AfterIndexerFoundIssuedTransaction(t *testing.T) {
	h := newHarness(t)
	rec, signed, hash := h.initiate(t)
	ctx := context.Background()

	_, err := h.store.Cursors().InitIfAbsent(ctx, model.CursorAdvance{
		Source: "payments", Network: model.NetworkTestnet, CursorValue: "10", CursorSequence: 10,
	})
	require.NoError(t, err)

	ix := indexer.New(indexer.Deps{
		Ledger:   h.ledger,
		Cursors:  h.store.Cursors(),
		Payments: h.store.Payments(),
		Wallets:  walletMap{h.source.Address(): {Address: h.source.Address(), Network: model.NetworkTestnet, IsActive: true}},
		Events:   h.events,
	}, indexer.Config{Network: model.NetworkTestnet, Source: "payments"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	onLedger := ledger.Payment{
		ID:             "11",
		Cursor:         ledger.Cursor{Token: "11", Sequence: 11},
		TxHash:         hash,
		Successful:     true,
		From:           h.source.Address(),
		To:             h.dest,
		Amount:         rec.Amount,
		Asset:          model.NativeAsset(),
		Fee:            100,
		LedgerSequence: 7,
	}
	h.ledger.EXPECT().ListPayments(gomock.Any(), "10", gomock.Any()).Return(&ledger.PaymentPage{
		Records: []ledger.Payment{onLedger},
		Next:    onLedger.Cursor,
	}, nil)

	report, err := ix.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Inserted)
	assert.Equal(t, 1, report.Resolved)

	// No SubmitTransaction expectation: the ledger must not see it again.
	res, err := h.svc.Submit(ctx, rec.ID, signed)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, model.StatusSuccess, res.Record.Status)
	assert.Equal(t, hash, *res.Record.TxHash)

	_, err = h.svc.Cancel(ctx, rec.ID)
	var terr *InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, model.StatusSuccess, terr.From)

	spent, err := h.store.Payments().SumOutgoingSince(ctx, h.source.Address(), model.NativeAsset(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, rec.Amount, spent)

	assert.Equal(t, []event.Kind{event.KindPaymentSucceeded}, h.events.kinds())
}

// claimRace runs beforeClaim ahead of the pending -> processing write and
// then reports the hash as taken, as a concurrent indexer commit would.
type claimRace struct {
	store.PaymentRepository
	beforeClaim func()
}

func (r *claimRace) Transition(ctx context.Context, id uuid.UUID, expected, next model.Status, f model.TransitionFields) (*model.PaymentRecord, error) {
	if expected == model.StatusPending && next == model.StatusProcessing {
		r.beforeClaim()
		return nil, fmt.Errorf("transition payment %s: %w", id, store.ErrDuplicateLedgerEvent)
	}
	return r.PaymentRepository.Transition(ctx, id, expected, next, f)
}

func TestSubmit_DuplicateHashReplaysIndexedOutcome(t *testing.T) {
	h := newHarness(t)
	rec, signed, hash := h.initiate(t)
	ctx := context.Background()

	h.svc.payments = &claimRace{PaymentRepository: h.store.Payments(), beforeClaim: func() {
		_, err := h.store.Payments().Transition(ctx, rec.ID, model.StatusPending, model.StatusProcessing, model.TransitionFields{TxHash: model.Ptr(hash)})
		require.NoError(t, err)
		_, err = h.store.Payments().Transition(ctx, rec.ID, model.StatusProcessing, model.StatusSuccess, model.TransitionFields{})
		require.NoError(t, err)
	}}

	res, err := h.svc.Submit(ctx, rec.ID, signed)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, model.StatusSuccess, res.Record.Status)
}

func TestSubmit_HashOwnedByAnotherRecordLeavesPending(t *testing.T) {
	h := newHarness(t)
	rec, signed, hash := h.initiate(t)
	ctx := context.Background()

	_, err := h.store.Payments().Create(ctx, &model.PaymentDraft{
		SenderAddress:   h.source.Address(),
		ReceiverAddress: h.dest,
		Amount:          rec.Amount,
		Asset:           model.NativeAsset(),
		TxHash:          model.Ptr(hash),
		Network:         model.NetworkTestnet,
		Status:          model.StatusSuccess,
		Direction:       model.DirectionOutbound,
		Origin:          model.OriginDiscovered,
	})
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, rec.ID, signed)
	require.ErrorIs(t, err, store.ErrDuplicateLedgerEvent)

	after, err := h.svc.Status(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, after.Status)
}
