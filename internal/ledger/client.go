// Package ledger defines the capability the payments core consumes from the
// Stellar network: account reads, transaction submission and lookup, and the
// payments stream.
package ledger

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/lumenpay/lumenpay/internal/ledger Client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/model"
)

var (
	// ErrAccountNotFound is returned by LoadAccount for unfunded accounts.
	ErrAccountNotFound = errors.New("ledger account not found")

	// ErrTransactionNotFound is returned by GetTransaction when the ledger has
	// no record of the hash (yet).
	ErrTransactionNotFound = errors.New("ledger transaction not found")
)

// Client is the ledger capability. Transient failures are marked through
// the retry package; everything else is terminal.
type Client interface {
	LoadAccount(ctx context.Context, address string) (*Account, error)
	// SubmitTransaction returns a result with Accepted=false when the ledger
	// rejected the envelope. An error means the outcome is unknown.
	SubmitTransaction(ctx context.Context, signedEnvelope string) (*SubmitResult, error)
	GetTransaction(ctx context.Context, hash string) (*Transaction, error)
	// ListPayments returns payment operations strictly after cursor in
	// ascending order.
	ListPayments(ctx context.Context, cursor string, limit int) (*PaymentPage, error)
	// LatestCursor returns the paging position of the current ledger tip.
	LatestCursor(ctx context.Context) (Cursor, error)
}

type Balance struct {
	Asset  model.Asset
	Amount model.Amount
}

type Account struct {
	Address  string
	Sequence int64
	Balances []Balance
}

// BalanceOf returns the balance held in asset, or false without a trustline.
func (a *Account) BalanceOf(asset model.Asset) (model.Amount, bool) {
	for _, b := range a.Balances {
		if b.Asset == asset || (b.Asset.IsNative() && asset.IsNative()) {
			return b.Amount, true
		}
	}
	return 0, false
}

type SubmitResult struct {
	Hash     string
	Accepted bool
	// Final is set when the ledger reported inclusion synchronously.
	Final          bool
	LedgerSequence int64
	Fee            model.Amount
	Reason         string
}

type Transaction struct {
	Hash           string
	Successful     bool
	LedgerSequence int64
	Fee            model.Amount
	ResultCodes    string
	ClosedAt       time.Time
}

// Cursor is an opaque paging token together with its ordering key.
type Cursor struct {
	Token    string
	Sequence int64
}

// Payment is one payment operation observed on the ledger.
type Payment struct {
	ID             string
	Cursor         Cursor
	TxHash         string
	Successful     bool
	From           string
	To             string
	Amount         model.Amount
	Asset          model.Asset
	Fee            model.Amount
	Memo           string
	LedgerSequence int64
	ClosedAt       time.Time
}

type PaymentPage struct {
	Records []Payment
	// Next is the position of the last record, or the request cursor when
	// the page is empty.
	Next Cursor
}

// FormatResultCodes renders Horizon style result codes as one reason string.
func FormatResultCodes(txCode string, opCodes []string) string {
	var b strings.Builder
	b.WriteString(txCode)
	var ops []string
	for _, c := range opCodes {
		if c != "" && c != "op_success" {
			ops = append(ops, c)
		}
	}
	if len(ops) > 0 {
		fmt.Fprintf(&b, ": %s", strings.Join(ops, ", "))
	}
	return b.String()
}
