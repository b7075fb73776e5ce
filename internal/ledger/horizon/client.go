// Package horizon adapts the Stellar Horizon API to ledger.Client.
package horizon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/retry"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/protocols/horizon/operations"
)

// API is the subset of *horizonclient.Client used here.
type API interface {
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransactionXDR(transactionXdr string) (hProtocol.Transaction, error)
	TransactionDetail(txHash string) (hProtocol.Transaction, error)
	Payments(request horizonclient.OperationRequest) (operations.OperationsPage, error)
	Ledgers(request horizonclient.LedgerRequest) (hProtocol.LedgersPage, error)
}

type Client struct {
	api API
}

var _ ledger.Client = (*Client)(nil)

// NewClient builds a Horizon client whose HTTP timeout bounds every call,
// including calls abandoned by a cancelled context.
func NewClient(horizonURL string, timeout time.Duration) *Client {
	return &Client{api: &horizonclient.Client{
		HorizonURL: horizonURL,
		HTTP:       &http.Client{Timeout: timeout},
		AppName:    "lumenpay",
	}}
}

func NewFromAPI(api API) *Client {
	return &Client{api: api}
}

func (c *Client) LoadAccount(ctx context.Context, address string) (*ledger.Account, error) {
	acct, err := call(ctx, func() (hProtocol.Account, error) {
		return c.api.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("load account %s: %w", address, ledger.ErrAccountNotFound)
		}
		return nil, wrapError("load account", err)
	}

	seq, err := acct.GetSequenceNumber()
	if err != nil {
		return nil, fmt.Errorf("load account %s: parse sequence: %w", address, err)
	}
	out := &ledger.Account{Address: address, Sequence: seq}
	for _, b := range acct.Balances {
		if b.Asset.Type == "liquidity_pool_shares" {
			continue
		}
		amt, err := model.ParseLedgerAmount(b.Balance)
		if err != nil {
			return nil, fmt.Errorf("load account %s: balance %s: %w", address, b.Asset.Code, err)
		}
		out.Balances = append(out.Balances, ledger.Balance{Asset: toAsset(b.Asset.Type, b.Asset.Code, b.Asset.Issuer), Amount: amt})
	}
	return out, nil
}

func (c *Client) SubmitTransaction(ctx context.Context, signedEnvelope string) (*ledger.SubmitResult, error) {
	tx, err := call(ctx, func() (hProtocol.Transaction, error) {
		return c.api.SubmitTransactionXDR(signedEnvelope)
	})
	if err != nil {
		if reason, ok := rejection(err); ok {
			return &ledger.SubmitResult{Accepted: false, Reason: reason}, nil
		}
		return nil, wrapError("submit transaction", err)
	}
	return &ledger.SubmitResult{
		Hash:           tx.Hash,
		Accepted:       tx.Successful,
		Final:          true,
		LedgerSequence: int64(tx.Ledger),
		Fee:            model.Amount(tx.FeeCharged),
	}, nil
}

func (c *Client) GetTransaction(ctx context.Context, hash string) (*ledger.Transaction, error) {
	tx, err := call(ctx, func() (hProtocol.Transaction, error) {
		return c.api.TransactionDetail(hash)
	})
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("get transaction %s: %w", hash, ledger.ErrTransactionNotFound)
		}
		return nil, wrapError("get transaction", err)
	}
	return &ledger.Transaction{
		Hash:           tx.Hash,
		Successful:     tx.Successful,
		LedgerSequence: int64(tx.Ledger),
		Fee:            model.Amount(tx.FeeCharged),
		ClosedAt:       tx.LedgerCloseTime,
	}, nil
}

func (c *Client) ListPayments(ctx context.Context, cursor string, limit int) (*ledger.PaymentPage, error) {
	page, err := call(ctx, func() (operations.OperationsPage, error) {
		return c.api.Payments(horizonclient.OperationRequest{
			Cursor:        cursor,
			Order:         horizonclient.OrderAsc,
			Limit:         uint(limit),
			IncludeFailed: false,
			Join:          "transactions",
		})
	})
	if err != nil {
		return nil, wrapError("list payments", err)
	}

	out := &ledger.PaymentPage{}
	if cursor != "" {
		seq, err := parseToken(cursor)
		if err != nil {
			return nil, err
		}
		out.Next = ledger.Cursor{Token: cursor, Sequence: seq}
	}
	for _, rec := range page.Embedded.Records {
		token := rec.PagingToken()
		seq, err := parseToken(token)
		if err != nil {
			return nil, err
		}
		// Every record moves the cursor, including operations that are not
		// mapped to a payment.
		out.Next = ledger.Cursor{Token: token, Sequence: seq}

		p, ok, err := toPayment(rec)
		if err != nil {
			return nil, err
		}
		if ok {
			p.Cursor = out.Next
			out.Records = append(out.Records, p)
		}
	}
	return out, nil
}

func (c *Client) LatestCursor(ctx context.Context) (ledger.Cursor, error) {
	page, err := call(ctx, func() (hProtocol.LedgersPage, error) {
		return c.api.Ledgers(horizonclient.LedgerRequest{Order: horizonclient.OrderDesc, Limit: 1})
	})
	if err != nil {
		return ledger.Cursor{}, wrapError("latest ledger", err)
	}
	if len(page.Embedded.Records) == 0 {
		return ledger.Cursor{}, retry.Transient(errors.New("latest ledger: horizon returned no ledgers"))
	}
	token := page.Embedded.Records[0].PagingToken()
	seq, err := parseToken(token)
	if err != nil {
		return ledger.Cursor{}, err
	}
	return ledger.Cursor{Token: token, Sequence: seq}, nil
}

// toPayment maps the operation types of the payments stream that move a
// known amount to a destination. Path payments report what the destination
// received. Account merges carry no amount and are skipped.
func toPayment(rec operations.Operation) (ledger.Payment, bool, error) {
	switch v := rec.(type) {
	case operations.Payment:
		return fromPayment(v)
	case *operations.Payment:
		return fromPayment(*v)
	case operations.PathPayment:
		return fromPayment(v.Payment)
	case *operations.PathPayment:
		return fromPayment(v.Payment)
	case operations.PathPaymentStrictSend:
		return fromPayment(v.Payment)
	case *operations.PathPaymentStrictSend:
		return fromPayment(v.Payment)
	case operations.CreateAccount:
		return fromCreateAccount(v)
	case *operations.CreateAccount:
		return fromCreateAccount(*v)
	default:
		return ledger.Payment{}, false, nil
	}
}

func fromPayment(p operations.Payment) (ledger.Payment, bool, error) {
	amt, err := model.ParseLedgerAmount(p.Amount)
	if err != nil {
		return ledger.Payment{}, false, fmt.Errorf("payment %s: amount: %w", p.ID, err)
	}
	out := ledger.Payment{
		From:   p.From,
		To:     p.To,
		Amount: amt,
		Asset:  toAsset(p.Asset.Type, p.Asset.Code, p.Asset.Issuer),
	}
	withBase(&out, p.Base)
	return out, true, nil
}

func fromCreateAccount(op operations.CreateAccount) (ledger.Payment, bool, error) {
	amt, err := model.ParseLedgerAmount(op.StartingBalance)
	if err != nil {
		return ledger.Payment{}, false, fmt.Errorf("create account %s: starting balance: %w", op.ID, err)
	}
	out := ledger.Payment{
		From:   op.Funder,
		To:     op.Account,
		Amount: amt,
		Asset:  model.NativeAsset(),
	}
	withBase(&out, op.Base)
	return out, true, nil
}

func withBase(out *ledger.Payment, b operations.Base) {
	out.ID = b.ID
	out.TxHash = b.TransactionHash
	out.Successful = b.TransactionSuccessful
	out.ClosedAt = b.LedgerCloseTime
	if seq, err := parseToken(b.PT); err == nil {
		out.LedgerSequence = seq >> 32
	}
	if tx := b.Transaction; tx != nil {
		out.Fee = model.Amount(tx.FeeCharged)
		out.LedgerSequence = int64(tx.Ledger)
		if tx.MemoType == "text" {
			out.Memo = tx.Memo
		}
	}
}

func toAsset(assetType, code, issuer string) model.Asset {
	if assetType == "native" {
		return model.NativeAsset()
	}
	return model.Asset{Code: code, Issuer: issuer}
}

func parseToken(token string) (int64, error) {
	seq, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, retry.Terminal(fmt.Errorf("parse paging token %q: %w", token, err))
	}
	return seq, nil
}

// call runs a blocking Horizon request and returns early when ctx is done.
// The abandoned request is bounded by the HTTP client timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
