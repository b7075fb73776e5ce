package api

import (
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/lifecycle"
	"github.com/lumenpay/lumenpay/internal/txbuilder"
)

type initiateRequest struct {
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	Amount      string  `json:"amount"`
	Asset       string  `json:"asset"`
	Memo        *string `json:"memo,omitempty"`
}

func (r initiateRequest) toBuilder() txbuilder.Request {
	return txbuilder.Request{
		Source:      r.Source,
		Destination: r.Destination,
		Amount:      r.Amount,
		AssetCode:   r.Asset,
		Memo:        r.Memo,
	}
}

type submitRequest struct {
	Envelope string `json:"envelope"`
}

type paymentView struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	Direction      string     `json:"direction"`
	Origin         string     `json:"origin"`
	Network        string     `json:"network"`
	Sender         string     `json:"sender"`
	Receiver       string     `json:"receiver"`
	Amount         string     `json:"amount"`
	Asset          string     `json:"asset"`
	Fee            string     `json:"fee"`
	Memo           *string    `json:"memo,omitempty"`
	TxHash         *string    `json:"tx_hash,omitempty"`
	LedgerSequence *int64     `json:"ledger_sequence,omitempty"`
	ErrorCode      *string    `json:"error_code,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func newPaymentView(rec *model.PaymentRecord) paymentView {
	v := paymentView{
		ID:             rec.ID.String(),
		Status:         rec.Status.String(),
		Direction:      string(rec.Direction),
		Origin:         string(rec.Origin),
		Network:        rec.Network.String(),
		Sender:         rec.SenderAddress,
		Receiver:       rec.ReceiverAddress,
		Amount:         rec.Amount.String(),
		Asset:          rec.Asset.String(),
		Fee:            rec.Fee.String(),
		Memo:           rec.Memo,
		TxHash:         rec.TxHash,
		LedgerSequence: rec.LedgerSequence,
		ErrorMessage:   rec.ErrorMessage,
		CreatedAt:      rec.CreatedAt,
		SubmittedAt:    rec.SubmittedAt,
		ConfirmedAt:    rec.ConfirmedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.ErrorCode != nil {
		code := string(*rec.ErrorCode)
		v.ErrorCode = &code
	}
	return v
}

type metadataView struct {
	Network   string    `json:"network"`
	Fee       string    `json:"fee"`
	Amount    string    `json:"amount"`
	Asset     string    `json:"asset"`
	Sequence  int64     `json:"sequence"`
	Hash      string    `json:"hash"`
	ExpiresAt time.Time `json:"expires_at"`
}

type initiateResponse struct {
	Payment  paymentView   `json:"payment"`
	Envelope string        `json:"envelope,omitempty"`
	Metadata *metadataView `json:"metadata,omitempty"`
}

func newInitiateResponse(res *lifecycle.InitiateResult) initiateResponse {
	m := res.Metadata
	return initiateResponse{
		Payment:  newPaymentView(res.Record),
		Envelope: res.Envelope,
		Metadata: &metadataView{
			Network:   m.Network.String(),
			Fee:       m.Fee.String(),
			Amount:    m.Amount.String(),
			Asset:     m.Asset.String(),
			Sequence:  m.Sequence,
			Hash:      m.Hash,
			ExpiresAt: m.ExpiresAt,
		},
	}
}

type resultResponse struct {
	Payment  paymentView `json:"payment"`
	Replayed bool        `json:"replayed,omitempty"`
}

func newResultResponse(res *lifecycle.Result) resultResponse {
	return resultResponse{Payment: newPaymentView(res.Record), Replayed: res.Replayed}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
