package model

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/amount"
)

// AmountDecimals is the ledger's native precision. One unit of Amount is a
// stroop (10^-7 of a lumen or of any issued asset).
const AmountDecimals = 7

var (
	ErrAmountNotPositive = errors.New("amount must be greater than zero")
	ErrAmountPrecision   = fmt.Errorf("amount has more than %d decimal places", AmountDecimals)
	ErrAmountOverflow    = errors.New("amount exceeds ledger maximum")
)

// Amount is the canonical fixed-point representation used by the core. All
// decimal strings (API input, config, ledger responses) are converted at the
// boundary with ParseAmount and rendered back with String.
type Amount int64

// ParseAmount parses a positive decimal string into stroops. Values that
// cannot be represented exactly at 7 decimal places are rejected rather than
// rounded.
func ParseAmount(raw string) (Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("parse amount: empty value")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	if !d.IsPositive() {
		return 0, ErrAmountNotPositive
	}
	if !d.Equal(d.Truncate(AmountDecimals)) {
		return 0, ErrAmountPrecision
	}
	stroops := d.Shift(AmountDecimals)
	if stroops.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, ErrAmountOverflow
	}
	return Amount(stroops.IntPart()), nil
}

// ParseLedgerAmount parses an amount string as rendered by Horizon. Zero is
// accepted since fees and balances may legitimately be zero.
func ParseLedgerAmount(raw string) (Amount, error) {
	v, err := amount.ParseInt64(raw)
	if err != nil {
		return 0, fmt.Errorf("parse ledger amount %q: %w", raw, err)
	}
	return Amount(v), nil
}

// String renders the amount with the ledger's 7 decimal places.
func (a Amount) String() string {
	return amount.StringFromInt64(int64(a))
}

func (a Amount) Int64() int64 {
	return int64(a)
}
