package horizon

import (
	"fmt"
	"net/http"

	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/retry"
	"github.com/stellar/go/clients/horizonclient"
)

// rejection extracts the ledger's verdict from a failed submission.
// Horizon answers 400 with result codes when the transaction was refused.
func rejection(err error) (string, bool) {
	hErr := horizonclient.GetError(err)
	if hErr == nil || hErr.Problem.Status != http.StatusBadRequest {
		return "", false
	}
	codes, codesErr := hErr.ResultCodes()
	if codesErr != nil || codes == nil {
		if hErr.Problem.Detail != "" {
			return hErr.Problem.Detail, true
		}
		return hErr.Problem.Title, true
	}
	txCode := codes.TransactionCode
	if codes.InnerTransactionCode != "" {
		txCode = codes.InnerTransactionCode
	}
	return ledger.FormatResultCodes(txCode, codes.OperationCodes), true
}

func isStatus(err error, status int) bool {
	hErr := horizonclient.GetError(err)
	return hErr != nil && hErr.Problem.Status == status
}

// wrapError classifies Horizon problems by HTTP status. Transport errors
// keep their net.Error identity so the retry classifier still sees them.
func wrapError(op string, err error) error {
	hErr := horizonclient.GetError(err)
	if hErr == nil {
		return fmt.Errorf("horizon %s: %w", op, err)
	}
	status := hErr.Problem.Status
	wrapped := fmt.Errorf("horizon %s: %d %s: %w", op, status, hErr.Problem.Title, err)
	d := retry.ClassifyHTTPStatus(status)
	if d.IsTransient() {
		return retry.TransientWithReason(wrapped, d.Reason)
	}
	return retry.TerminalWithReason(wrapped, d.Reason)
}
