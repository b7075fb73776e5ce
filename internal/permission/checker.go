// Package permission decides whether a sender may spend an amount, based on
// rolling per-asset ceilings derived from the sender's KYC level.
package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/model"
)

// Window is the rolling period spending is summed over.
const Window = 24 * time.Hour

type SpendRequest struct {
	Sender   string
	KYCLevel int
	Asset    model.Asset
	Amount   model.Amount
}

type Decision struct {
	Allowed bool
	Limit   model.Amount
	Spent   model.Amount
	Reason  string
}

// Checker is consulted before a payment intent is recorded.
type Checker interface {
	CheckSpend(ctx context.Context, req SpendRequest) (Decision, error)
}

type LimitSource interface {
	Limit(kycLevel int, asset model.Asset) (model.Amount, bool)
}

type SpendLedger interface {
	SumOutgoingSince(ctx context.Context, sender string, asset model.Asset, since time.Time) (model.Amount, error)
}

// KYCChecker applies the configured tier ceilings over Window.
type KYCChecker struct {
	limits LimitSource
	spent  SpendLedger
	now    func() time.Time
}

func NewKYCChecker(limits LimitSource, spent SpendLedger) *KYCChecker {
	return &KYCChecker{limits: limits, spent: spent, now: time.Now}
}

func (c *KYCChecker) CheckSpend(ctx context.Context, req SpendRequest) (Decision, error) {
	limit, ok := c.limits.Limit(req.KYCLevel, req.Asset)
	if !ok {
		return Decision{Reason: fmt.Sprintf("no %s ceiling configured for kyc level %d", req.Asset.Code, req.KYCLevel)}, nil
	}

	spent, err := c.spent.SumOutgoingSince(ctx, req.Sender, req.Asset, c.now().Add(-Window))
	if err != nil {
		return Decision{}, fmt.Errorf("sum outgoing for %s: %w", req.Sender, err)
	}

	d := Decision{Limit: limit, Spent: spent}
	if spent > limit || req.Amount > limit-spent {
		d.Reason = fmt.Sprintf("24h %s ceiling %s exceeded: spent %s, requested %s",
			req.Asset.Code, limit, spent, req.Amount)
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, req SpendRequest) (Decision, error)

func (f CheckerFunc) CheckSpend(ctx context.Context, req SpendRequest) (Decision, error) {
	return f(ctx, req)
}
