package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lumenpay/lumenpay/internal/alert"
	"github.com/lumenpay/lumenpay/internal/domain/event"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/store"
)

// Payload is the wire form of a lifecycle event.
type Payload struct {
	Kind       string    `json:"kind"`
	RecordID   string    `json:"record_id"`
	Status     string    `json:"status"`
	Network    string    `json:"network"`
	Sender     string    `json:"sender"`
	Receiver   string    `json:"receiver"`
	Amount     string    `json:"amount"`
	Asset      string    `json:"asset"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Direction  string    `json:"direction,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewPayload(ev event.Lifecycle) Payload {
	return Payload{
		Kind:       string(ev.Kind),
		RecordID:   ev.RecordID.String(),
		Status:     ev.Status.String(),
		Network:    ev.Network.String(),
		Sender:     ev.Sender,
		Receiver:   ev.Receiver,
		Amount:     ev.Amount.String(),
		Asset:      ev.Asset.String(),
		TxHash:     ev.TxHash,
		Direction:  string(ev.Direction),
		ErrorCode:  string(ev.ErrorCode),
		Error:      ev.Error,
		OccurredAt: ev.OccurredAt,
	}
}

// Notifier tells wallet owners about their payments over a webhook.
type Notifier struct {
	url    string
	client *http.Client
}

func NewNotifier(url string) *Notifier {
	return &Notifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (n *Notifier) Name() string { return "notifier" }

func (n *Notifier) Handle(ctx context.Context, ev event.Lifecycle) error {
	payload := NewPayload(ev)
	var errs []error
	for _, addr := range ev.Recipients() {
		if err := n.Notify(ctx, addr, ev.Kind, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notify posts one notification for address.
func (n *Notifier) Notify(ctx context.Context, address string, kind event.Kind, payload Payload) error {
	body, err := json.Marshal(map[string]any{
		"address": address,
		"kind":    kind,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", address, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify %s: status %d", address, resp.StatusCode)
	}
	return nil
}

// ContactsRecorder maintains sender→receiver contacts for successful
// payments.
type ContactsRecorder struct {
	contacts store.ContactRepository
}

func NewContactsRecorder(contacts store.ContactRepository) *ContactsRecorder {
	return &ContactsRecorder{contacts: contacts}
}

func (c *ContactsRecorder) Name() string { return "contacts" }

func (c *ContactsRecorder) Handle(ctx context.Context, ev event.Lifecycle) error {
	if ev.Kind != event.KindPaymentSucceeded && ev.Kind != event.KindPaymentReceived {
		return nil
	}
	if ev.Sender == ev.Receiver {
		return nil
	}
	if err := c.contacts.RecordPayment(ctx, ev.Sender, ev.Receiver, ev.OccurredAt); err != nil {
		return fmt.Errorf("record contact: %w", err)
	}
	return nil
}

// AlertSubscriber raises an operator alert for payments that failed because
// the ledger could not be reached.
type AlertSubscriber struct {
	alerter alert.Alerter
}

func NewAlertSubscriber(a alert.Alerter) *AlertSubscriber {
	return &AlertSubscriber{alerter: a}
}

func (a *AlertSubscriber) Name() string { return "alerts" }

func (a *AlertSubscriber) Handle(ctx context.Context, ev event.Lifecycle) error {
	if ev.Kind != event.KindPaymentFailed || ev.ErrorCode != model.ErrorCodeLedgerUnavailable {
		return nil
	}
	return a.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeLedgerUnavailable,
		Network: ev.Network.String(),
		Subject: ev.RecordID.String(),
		Title:   "Payment failed: ledger unavailable",
		Message: ev.Error,
		Fields: map[string]string{
			"record_id": ev.RecordID.String(),
			"sender":    ev.Sender,
			"amount":    ev.Amount.String() + " " + ev.Asset.String(),
			"tx_hash":   ev.TxHash,
		},
	})
}
