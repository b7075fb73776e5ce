package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/event"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/ledger/mocks"
	"github.com/lumenpay/lumenpay/internal/permission"
	"github.com/lumenpay/lumenpay/internal/retry"
	"github.com/lumenpay/lumenpay/internal/store/memstore"
	"github.com/lumenpay/lumenpay/internal/txbuilder"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type staticAssets map[string]model.Asset

func (s staticAssets) Resolve(code string) (model.Asset, bool) {
	a, ok := s[code]
	return a, ok
}

type walletMap map[string]*model.Wallet

func (w walletMap) Lookup(_ context.Context, address string) (*model.Wallet, error) {
	return w[address], nil
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

func (l *eventLog) kinds() []event.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Kind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	svc    *Service
	store  *memstore.Store
	ledger *mocks.MockClient
	events *eventLog
	source *keypair.Full
	dest   string
	now    time.Time
	allow  bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		store:  memstore.New(),
		ledger: mocks.NewMockClient(ctrl),
		events: &eventLog{},
		source: keypair.MustRandom(),
		dest:   keypair.MustRandom().Address(),
		now:    time.Now().UTC(),
		allow:  true,
	}

	wallets := walletMap{h.source.Address(): {Address: h.source.Address(), UserID: "u1", Network: model.NetworkTestnet, IsActive: true}}
	builder := txbuilder.New(h.ledger, staticAssets{"XLM": model.NativeAsset()}, model.NetworkTestnet,
		txbuilder.WithRetryPolicy(retry.Policy{MaxAttempts: 1}),
	)
	checker := permission.CheckerFunc(func(context.Context, permission.SpendRequest) (permission.Decision, error) {
		if h.allow {
			return permission.Decision{Allowed: true}, nil
		}
		return permission.Decision{Reason: "24h XLM ceiling exceeded"}, nil
	})

	h.svc = New(Deps{
		Payments:    h.store.Payments(),
		Builder:     builder,
		Wallets:     wallets,
		Permissions: checker,
		Ledger:      h.ledger,
		Events:      h.events,
	}, Config{
		Network:       model.NetworkTestnet,
		SubmitPolicy:  retry.Policy{MaxAttempts: 3},
		ConfirmWindow: 5 * time.Minute,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
		WithClock(func() time.Time { return h.now }),
	)

	h.ledger.EXPECT().LoadAccount(gomock.Any(), h.source.Address()).Return(&ledger.Account{
		Address:  h.source.Address(),
		Sequence: 100,
		Balances: []ledger.Balance{{Asset: model.NativeAsset(), Amount: 10_000 * 10_000_000}},
	}, nil).AnyTimes()
	return h
}

// initiate creates a pending payment and returns it with its signed envelope.
func (h *harness) initiate(t *testing.T) (*model.PaymentRecord, string, string) {
	t.Helper()
	res, err := h.svc.Initiate(context.Background(), txbuilder.Request{
		Source:      h.source.Address(),
		Destination: h.dest,
		Amount:      "100",
		AssetCode:   "XLM",
	})
	require.NoError(t, err)
	signed := h.sign(t, res.Envelope, h.source)
	return res.Record, signed, res.Metadata.Hash
}

func (h *harness) sign(t *testing.T, envelope string, kp *keypair.Full) string {
	t.Helper()
	generic, err := txnbuild.TransactionFromXDR(envelope)
	require.NoError(t, err)
	tx, ok := generic.Transaction()
	require.True(t, ok)
	tx, err = tx.Sign(model.NetworkTestnet.Passphrase(), kp)
	require.NoError(t, err)
	out, err := tx.Base64()
	require.NoError(t, err)
	return out
}

func accepted(hash string) *ledger.SubmitResult {
	return &ledger.SubmitResult{Hash: hash, Accepted: true, Final: true, LedgerSequence: 555, Fee: 100}
}
