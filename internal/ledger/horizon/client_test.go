package horizon

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/retry"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/base"
	"github.com/stellar/go/protocols/horizon/operations"
	"github.com/stellar/go/support/render/problem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	accountDetail func(horizonclient.AccountRequest) (hProtocol.Account, error)
	submit        func(string) (hProtocol.Transaction, error)
	txDetail      func(string) (hProtocol.Transaction, error)
	payments      func(horizonclient.OperationRequest) (operations.OperationsPage, error)
	ledgers       func(horizonclient.LedgerRequest) (hProtocol.LedgersPage, error)
}

func (f *fakeAPI) AccountDetail(r horizonclient.AccountRequest) (hProtocol.Account, error) {
	return f.accountDetail(r)
}

func (f *fakeAPI) SubmitTransactionXDR(x string) (hProtocol.Transaction, error) {
	return f.submit(x)
}

func (f *fakeAPI) TransactionDetail(h string) (hProtocol.Transaction, error) {
	return f.txDetail(h)
}

func (f *fakeAPI) Payments(r horizonclient.OperationRequest) (operations.OperationsPage, error) {
	return f.payments(r)
}

func (f *fakeAPI) Ledgers(r horizonclient.LedgerRequest) (hProtocol.LedgersPage, error) {
	return f.ledgers(r)
}

func problemError(status int, extras map[string]interface{}) error {
	return &horizonclient.Error{Problem: problem.P{Status: status, Title: http.StatusText(status), Extras: extras}}
}

func TestLoadAccount(t *testing.T) {
	api := &fakeAPI{accountDetail: func(r horizonclient.AccountRequest) (hProtocol.Account, error) {
		assert.Equal(t, "GSOURCE", r.AccountID)
		return hProtocol.Account{
			AccountID: "GSOURCE",
			Sequence:  4242,
			Balances: []hProtocol.Balance{
				{Balance: "100.5000000", Asset: base.Asset{Type: "native"}},
				{Balance: "12.0000000", Asset: base.Asset{Type: "credit_alphanum4", Code: "USDC", Issuer: "GISSUER"}},
			},
		}, nil
	}}

	acct, err := NewFromAPI(api).LoadAccount(context.Background(), "GSOURCE")
	require.NoError(t, err)
	assert.Equal(t, int64(4242), acct.Sequence)

	xlm, ok := acct.BalanceOf(model.NativeAsset())
	require.True(t, ok)
	assert.Equal(t, model.Amount(1_005_000_000), xlm)

	usdc, ok := acct.BalanceOf(model.Asset{Code: "USDC", Issuer: "GISSUER"})
	require.True(t, ok)
	assert.Equal(t, model.Amount(120_000_000), usdc)
}

func TestLoadAccount_NotFound(t *testing.T) {
	api := &fakeAPI{accountDetail: func(horizonclient.AccountRequest) (hProtocol.Account, error) {
		return hProtocol.Account{}, problemError(http.StatusNotFound, nil)
	}}

	_, err := NewFromAPI(api).LoadAccount(context.Background(), "GMISSING")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestSubmitTransaction_Accepted(t *testing.T) {
	api := &fakeAPI{submit: func(x string) (hProtocol.Transaction, error) {
		assert.Equal(t, "AAAA", x)
		return hProtocol.Transaction{Hash: "abc", Successful: true, Ledger: 77, FeeCharged: 100}, nil
	}}

	res, err := NewFromAPI(api).SubmitTransaction(context.Background(), "AAAA")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Final)
	assert.Equal(t, "abc", res.Hash)
	assert.Equal(t, int64(77), res.LedgerSequence)
	assert.Equal(t, model.Amount(100), res.Fee)
}

func TestSubmitTransaction_RejectedWithResultCodes(t *testing.T) {
	api := &fakeAPI{submit: func(string) (hProtocol.Transaction, error) {
		return hProtocol.Transaction{}, problemError(http.StatusBadRequest, map[string]interface{}{
			"result_codes": map[string]interface{}{
				"transaction": "tx_failed",
				"operations":  []interface{}{"op_underfunded"},
			},
		})
	}}

	res, err := NewFromAPI(api).SubmitTransaction(context.Background(), "AAAA")
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "tx_failed: op_underfunded", res.Reason)
}

func TestSubmitTransaction_GatewayTimeoutIsTransient(t *testing.T) {
	api := &fakeAPI{submit: func(string) (hProtocol.Transaction, error) {
		return hProtocol.Transaction{}, problemError(http.StatusGatewayTimeout, nil)
	}}

	_, err := NewFromAPI(api).SubmitTransaction(context.Background(), "AAAA")
	require.Error(t, err)
	assert.True(t, retry.Classify(err).IsTransient())
}

func TestGetTransaction_NotFound(t *testing.T) {
	api := &fakeAPI{txDetail: func(string) (hProtocol.Transaction, error) {
		return hProtocol.Transaction{}, problemError(http.StatusNotFound, nil)
	}}

	_, err := NewFromAPI(api).GetTransaction(context.Background(), "abc")
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestListPayments_MapsRecordsAndAdvancesPastOtherOperations(t *testing.T) {
	closed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{payments: func(r horizonclient.OperationRequest) (operations.OperationsPage, error) {
		assert.Equal(t, "100", r.Cursor)
		assert.Equal(t, horizonclient.OrderAsc, r.Order)
		assert.Equal(t, uint(200), r.Limit)

		page := operations.OperationsPage{}
		page.Embedded.Records = []operations.Operation{
			operations.Payment{
				Base: operations.Base{
					ID:                    "op-1",
					PT:                    "4294967396",
					TransactionHash:       "hash-1",
					TransactionSuccessful: true,
					LedgerCloseTime:       closed,
					Transaction:           &hProtocol.Transaction{Ledger: 1, FeeCharged: 100, MemoType: "text", Memo: "rent"},
				},
				Asset:  base.Asset{Type: "native"},
				From:   "GFROM",
				To:     "GTO",
				Amount: "1.5000000",
			},
			operations.AccountMerge{Base: operations.Base{ID: "op-2", PT: "4294967397"}, Account: "GFROM", Into: "GTO"},
		}
		return page, nil
	}}

	page, err := NewFromAPI(api).ListPayments(context.Background(), "100", 200)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)

	p := page.Records[0]
	assert.Equal(t, "hash-1", p.TxHash)
	assert.Equal(t, model.Amount(15_000_000), p.Amount)
	assert.True(t, p.Asset.IsNative())
	assert.Equal(t, "rent", p.Memo)
	assert.Equal(t, model.Amount(100), p.Fee)
	assert.Equal(t, int64(1), p.LedgerSequence)
	assert.Equal(t, ledger.Cursor{Token: "4294967396", Sequence: 4294967396}, p.Cursor)
	assert.Equal(t, ledger.Cursor{Token: "4294967397", Sequence: 4294967397}, page.Next)
}

func TestListPayments_MapsPathPaymentsAndAccountCreation(t *testing.T) {
	usdc := base.Asset{Type: "credit_alphanum4", Code: "USDC", Issuer: "GISSUER"}
	api := &fakeAPI{payments: func(horizonclient.OperationRequest) (operations.OperationsPage, error) {
		page := operations.OperationsPage{}
		page.Embedded.Records = []operations.Operation{
			operations.PathPayment{
				Payment: operations.Payment{
					Base:   operations.Base{ID: "op-1", PT: "4294967396", TransactionHash: "h-receive", TransactionSuccessful: true},
					Asset:  usdc,
					From:   "GFROM",
					To:     "GTO",
					Amount: "20.0000000",
				},
				SourceAmount:    "150.0000000",
				SourceAssetType: "native",
			},
			operations.PathPaymentStrictSend{
				Payment: operations.Payment{
					Base:   operations.Base{ID: "op-2", PT: "4294967397", TransactionHash: "h-send", TransactionSuccessful: true},
					Asset:  base.Asset{Type: "native"},
					From:   "GFROM",
					To:     "GTO",
					Amount: "3.2500000",
				},
				SourceAmount:    "1.0000000",
				SourceAssetType: "credit_alphanum4",
				SourceAssetCode: "USDC",
			},
			operations.CreateAccount{
				Base: operations.Base{
					ID:                    "op-3",
					PT:                    "4294967398",
					TransactionHash:       "h-create",
					TransactionSuccessful: true,
					Transaction:           &hProtocol.Transaction{Ledger: 1, FeeCharged: 100},
				},
				Funder:          "GFUNDER",
				Account:         "GNEW",
				StartingBalance: "5.0000000",
			},
		}
		return page, nil
	}}

	page, err := NewFromAPI(api).ListPayments(context.Background(), "100", 200)
	require.NoError(t, err)
	require.Len(t, page.Records, 3)

	receive := page.Records[0]
	assert.Equal(t, "h-receive", receive.TxHash)
	assert.Equal(t, model.Amount(200_000_000), receive.Amount, "destination amount")
	assert.Equal(t, model.Asset{Code: "USDC", Issuer: "GISSUER"}, receive.Asset)

	send := page.Records[1]
	assert.Equal(t, model.Amount(32_500_000), send.Amount)
	assert.True(t, send.Asset.IsNative())

	create := page.Records[2]
	assert.Equal(t, "GFUNDER", create.From)
	assert.Equal(t, "GNEW", create.To)
	assert.Equal(t, model.Amount(50_000_000), create.Amount)
	assert.True(t, create.Asset.IsNative())
	assert.Equal(t, model.Amount(100), create.Fee)
	assert.Equal(t, ledger.Cursor{Token: "4294967398", Sequence: 4294967398}, create.Cursor)
	assert.Equal(t, create.Cursor, page.Next)
}

func TestListPayments_BadStartingBalanceFails(t *testing.T) {
	api := &fakeAPI{payments: func(horizonclient.OperationRequest) (operations.OperationsPage, error) {
		page := operations.OperationsPage{}
		page.Embedded.Records = []operations.Operation{
			operations.CreateAccount{Base: operations.Base{ID: "op-1", PT: "4294967396"}, StartingBalance: "lots"},
		}
		return page, nil
	}}

	_, err := NewFromAPI(api).ListPayments(context.Background(), "100", 200)
	require.Error(t, err)
}

func TestListPayments_EmptyPageKeepsCursor(t *testing.T) {
	api := &fakeAPI{payments: func(horizonclient.OperationRequest) (operations.OperationsPage, error) {
		return operations.OperationsPage{}, nil
	}}

	page, err := NewFromAPI(api).ListPayments(context.Background(), "555", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Equal(t, ledger.Cursor{Token: "555", Sequence: 555}, page.Next)
}

func TestLatestCursor(t *testing.T) {
	api := &fakeAPI{ledgers: func(r horizonclient.LedgerRequest) (hProtocol.LedgersPage, error) {
		assert.Equal(t, horizonclient.OrderDesc, r.Order)
		page := hProtocol.LedgersPage{}
		page.Embedded.Records = []hProtocol.Ledger{{PT: "8589934592", Sequence: 2}}
		return page, nil
	}}

	cur, err := NewFromAPI(api).LatestCursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.Cursor{Token: "8589934592", Sequence: 8589934592}, cur)
}

func TestCall_ReturnsOnContextCancel(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	api := &fakeAPI{txDetail: func(string) (hProtocol.Transaction, error) {
		<-block
		return hProtocol.Transaction{}, errors.New("unreachable")
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewFromAPI(api).GetTransaction(ctx, "abc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
