package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lumenpay/lumenpay/internal/alert"
	"github.com/lumenpay/lumenpay/internal/domain/event"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/ledger/mocks"
	"github.com/lumenpay/lumenpay/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	ours   = "GOURSWALLET"
	theirs = "GEXTERNAL"
	source = "payments"
)

type walletFunc func(ctx context.Context, address string) (*model.Wallet, error)

func (f walletFunc) Lookup(ctx context.Context, address string) (*model.Wallet, error) {
	return f(ctx, address)
}

func knownWallets(addrs ...string) walletFunc {
	set := map[string]bool{}
	for _, a := range addrs {
		set[a] = true
	}
	return func(_ context.Context, address string) (*model.Wallet, error) {
		if set[address] {
			return &model.Wallet{Address: address, IsActive: true}, nil
		}
		return nil, nil
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Lifecycle
}

func (l *eventLog) Publish(ev event.Lifecycle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

type alertLog struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (l *alertLog) Send(_ context.Context, a alert.Alert) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append(l.alerts, a)
	return nil
}

func (l *alertLog) types() []alert.AlertType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []alert.AlertType
	for _, a := range l.alerts {
		out = append(out, a.Type)
	}
	return out
}

type harness struct {
	ix     *Indexer
	store  *memstore.Store
	ledger *mocks.MockClient
	events *eventLog
	alerts *alertLog
}

func newHarness(t *testing.T, wallets WalletLookup) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		ledger: mocks.NewMockClient(gomock.NewController(t)),
		events: &eventLog{},
		alerts: &alertLog{},
	}
	h.ix = New(Deps{
		Ledger:   h.ledger,
		Cursors:  h.store.Cursors(),
		Payments: h.store.Payments(),
		Wallets:  wallets,
		Events:   h.events,
		Alerter:  h.alerts,
	}, Config{
		Network:            model.NetworkTestnet,
		Source:             source,
		Interval:           time.Hour,
		BatchSize:          200,
		FetchTimeout:       time.Second,
		UnhealthyThreshold: 2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func (h *harness) seedCursor(t *testing.T, seq int64) {
	t.Helper()
	_, err := h.store.Cursors().InitIfAbsent(context.Background(), model.CursorAdvance{
		Source: source, Network: model.NetworkTestnet, CursorValue: token(seq), CursorSequence: seq,
	})
	require.NoError(t, err)
}

func token(seq int64) string { return fmt.Sprintf("%d", seq) }

func payment(seq int64, hash, from, to string) ledger.Payment {
	return ledger.Payment{
		ID:             token(seq),
		Cursor:         ledger.Cursor{Token: token(seq), Sequence: seq},
		TxHash:         hash,
		Successful:     true,
		From:           from,
		To:             to,
		Amount:         5_000_000,
		Asset:          model.NativeAsset(),
		Fee:            100,
		LedgerSequence: seq >> 12,
		ClosedAt:       time.Unix(1_700_000_000, 0),
	}
}

func page(records ...ledger.Payment) *ledger.PaymentPage {
	return &ledger.PaymentPage{Records: records, Next: records[len(records)-1].Cursor}
}

func TestRunOnce_BootstrapsAtTip(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.ledger.EXPECT().LatestCursor(gomock.Any()).Return(ledger.Cursor{Token: "9000", Sequence: 9000}, nil)
	h.ledger.EXPECT().ListPayments(gomock.Any(), "9000", 200).Return(&ledger.PaymentPage{Next: ledger.Cursor{Token: "9000", Sequence: 9000}}, nil)

	report, err := h.ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Bootstrapped)
	assert.Zero(t, report.Fetched)

	cur, err := h.store.Cursors().Get(context.Background(), source)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, int64(9000), cur.CursorSequence)
}

func TestRunOnce_BootstrapFailureWritesNothing(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.ledger.EXPECT().LatestCursor(gomock.Any()).Return(ledger.Cursor{}, errors.New("horizon down"))

	_, err := h.ix.RunOnce(context.Background())
	require.Error(t, err)

	cur, err := h.store.Cursors().Get(context.Background(), source)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestRunOnce_IndexesKnownWalletOnceAcrossReruns(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.seedCursor(t, 100)

	batch := page(
		payment(101, "h-in", theirs, ours),
		payment(102, "h-foreign", theirs, "GSOMEONE"),
	)
	h.ledger.EXPECT().ListPayments(gomock.Any(), "100", 200).Return(batch, nil)
	// A redundant run (or a restart) sees the same operations again.
	h.ledger.EXPECT().ListPayments(gomock.Any(), "102", 200).Return(batch, nil)

	first, err := h.ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)
	assert.Equal(t, 1, first.Foreign)
	assert.True(t, first.CursorAdvanced)

	rec, err := h.store.Payments().FindByTxHash(context.Background(), "h-in")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	assert.Equal(t, model.DirectionInbound, rec.Direction)
	assert.Equal(t, model.OriginDiscovered, rec.Origin)
	assert.NotNil(t, rec.ConfirmedAt)

	second, err := h.ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 1, second.Duplicates)

	cur, err := h.store.Cursors().Get(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, int64(102), cur.CursorSequence)

	require.Len(t, h.events.events, 1)
	assert.Equal(t, event.KindPaymentReceived, h.events.events[0].Kind)
}

func TestRunOnce_Directions(t *testing.T) {
	h := newHarness(t, knownWallets(ours, "GOURSTOO"))
	h.seedCursor(t, 1)
	h.ledger.EXPECT().ListPayments(gomock.Any(), "1", 200).Return(page(
		payment(2, "h-out", ours, theirs),
		payment(3, "h-internal", ours, "GOURSTOO"),
		payment(4, "h-multi", theirs, ours),
		payment(5, "h-multi", theirs, ours),
	), nil)

	report, err := h.ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Inserted)
	assert.Equal(t, 1, report.Duplicates, "second operation of one transaction")

	for hash, want := range map[string]model.Direction{
		"h-out":      model.DirectionOutbound,
		"h-internal": model.DirectionInternal,
		"h-multi":    model.DirectionInbound,
	} {
		rec, err := h.store.Payments().FindByTxHash(context.Background(), hash)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Direction, hash)
	}
}

func TestRunOnce_SkipsFailedOperations(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.seedCursor(t, 1)
	failed := payment(2, "h-failed", theirs, ours)
	failed.Successful = false
	h.ledger.EXPECT().ListPayments(gomock.Any(), "1", 200).Return(page(failed), nil)

	report, err := h.ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FailedOps)
	assert.Zero(t, report.Inserted)
	assert.True(t, report.CursorAdvanced)
}

func TestRunOnce_WalletLookupErrorKeepsCursor(t *testing.T) {
	h := newHarness(t, walletFunc(func(context.Context, string) (*model.Wallet, error) {
		return nil, errors.New("db timeout")
	}))
	h.seedCursor(t, 10)
	h.ledger.EXPECT().ListPayments(gomock.Any(), "10", 200).Return(page(payment(11, "h", theirs, ours)), nil)

	_, err := h.ix.RunOnce(context.Background())
	require.Error(t, err)

	cur, err := h.store.Cursors().Get(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cur.CursorSequence)
}

func TestRunOnce_FetchFailuresAlertOnceThenRecover(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.seedCursor(t, 10)

	gomock.InOrder(
		h.ledger.EXPECT().ListPayments(gomock.Any(), "10", 200).Return(nil, context.DeadlineExceeded).Times(3),
		h.ledger.EXPECT().ListPayments(gomock.Any(), "10", 200).Return(&ledger.PaymentPage{Next: ledger.Cursor{Token: "10", Sequence: 10}}, nil),
	)

	for i := 0; i < 3; i++ {
		_, err := h.ix.RunOnce(context.Background())
		require.Error(t, err)
	}
	_, err := h.ix.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []alert.AlertType{alert.AlertTypeUnhealthy, alert.AlertTypeRecovery}, h.alerts.types())
	status, err := h.ix.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, string(HealthStatusHealthy), status.Health.Status)
	assert.Equal(t, StateIdle, status.State)
}

func TestRunOnce_AlertsWhenFailedRecordLandedOnLedger(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.seedCursor(t, 1)

	rec, err := h.store.Payments().Create(context.Background(), &model.PaymentDraft{
		SenderAddress: ours, ReceiverAddress: theirs, Amount: 5_000_000, Asset: model.NativeAsset(),
		Network: model.NetworkTestnet, Status: model.StatusPending, Direction: model.DirectionOutbound, Origin: model.OriginInitiated,
	})
	require.NoError(t, err)
	_, err = h.store.Payments().Transition(context.Background(), rec.ID, model.StatusPending, model.StatusProcessing,
		model.TransitionFields{TxHash: model.Ptr("h-lost")})
	require.NoError(t, err)
	_, err = h.store.Payments().Transition(context.Background(), rec.ID, model.StatusProcessing, model.StatusFailed,
		model.TransitionFields{ErrorCode: model.Ptr(model.ErrorCodeLedgerUnavailable), ErrorMessage: model.Ptr("retries exhausted")})
	require.NoError(t, err)

	h.ledger.EXPECT().ListPayments(gomock.Any(), "1", 200).Return(page(payment(2, "h-lost", ours, theirs)), nil)

	report, err := h.ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Inserted)
	assert.Equal(t, []alert.AlertType{alert.AlertTypeReconcileMismatch}, h.alerts.types())
}

func TestRunOnce_AdvancesPastPageWithoutPayments(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.seedCursor(t, 100)

	// Only create_account style operations in range: no records, but the
	// adapter reports where they ended.
	h.ledger.EXPECT().ListPayments(gomock.Any(), "100", 200).Return(&ledger.PaymentPage{Next: ledger.Cursor{Token: "300", Sequence: 300}}, nil)
	h.ledger.EXPECT().ListPayments(gomock.Any(), "300", 200).Return(&ledger.PaymentPage{Next: ledger.Cursor{Token: "300", Sequence: 300}}, nil)

	first, err := h.ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, first.Fetched)
	assert.True(t, first.CursorAdvanced)
	assert.Equal(t, "300", first.Cursor)

	second, err := h.ix.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, second.CursorAdvanced)

	cur, err := h.store.Cursors().Get(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, int64(300), cur.CursorSequence)
	assert.Empty(t, h.events.events)
}

func TestRunOnce_CompletesPendingRecordForIssuedTransaction(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.seedCursor(t, 100)
	ctx := context.Background()

	pending, err := h.store.Payments().Create(ctx, &model.PaymentDraft{
		SenderAddress:   ours,
		ReceiverAddress: theirs,
		Amount:          5_000_000,
		Asset:           model.NativeAsset(),
		IssuedHash:      model.Ptr("h-issued"),
		EnvelopeXDR:     model.Ptr("AAAA"),
		Network:         model.NetworkTestnet,
		Status:          model.StatusPending,
		Direction:       model.DirectionOutbound,
		Origin:          model.OriginInitiated,
	})
	require.NoError(t, err)

	// The client broadcast the issued envelope itself instead of submitting.
	batch := page(payment(101, "h-issued", ours, theirs))
	h.ledger.EXPECT().ListPayments(gomock.Any(), "100", 200).Return(batch, nil)
	h.ledger.EXPECT().ListPayments(gomock.Any(), "101", 200).Return(batch, nil)

	report, err := h.ix.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Inserted)
	assert.Equal(t, 1, report.Resolved)

	rec, err := h.store.Payments().Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	require.NotNil(t, rec.TxHash)
	assert.Equal(t, "h-issued", *rec.TxHash)
	assert.Equal(t, model.Amount(100), rec.Fee)
	assert.Nil(t, rec.EnvelopeXDR)
	assert.NotNil(t, rec.ConfirmedAt)

	spent, err := h.store.Payments().SumOutgoingSince(ctx, ours, model.NativeAsset(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, model.Amount(5_000_000), spent)

	again, err := h.ix.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Resolved)
	assert.Equal(t, 1, again.Duplicates)

	require.Len(t, h.events.events, 1)
	assert.Equal(t, event.KindPaymentSucceeded, h.events.events[0].Kind)
	assert.Equal(t, pending.ID, h.events.events[0].RecordID)
}

func TestRunOnce_SkipsWhenInFlight(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.ix.running.Store(true)

	_, err := h.ix.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrCycleInFlight)
}

func TestRunOnce_CursorNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.seedCursor(t, 50)

	// A lagging replica returns an older page than what is stored.
	h.ledger.EXPECT().ListPayments(gomock.Any(), "50", 200).Return(page(payment(40, "h-old", theirs, ours)), nil)

	_, err := h.ix.RunOnce(context.Background())
	require.NoError(t, err)

	cur, err := h.store.Cursors().Get(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cur.CursorSequence)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, knownWallets(ours))
	h.seedCursor(t, 1)
	h.ledger.EXPECT().ListPayments(gomock.Any(), "1", 200).Return(&ledger.PaymentPage{Next: ledger.Cursor{Token: "1", Sequence: 1}}, nil).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ix.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
