package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lumenpay/lumenpay/internal/metrics"
	"github.com/lumenpay/lumenpay/internal/retry"
	"golang.org/x/time/rate"
)

// Guarded throttles and circuit-breaks calls to an underlying Client and
// records per-method call metrics.
type Guarded struct {
	next    Client
	limiter *rate.Limiter
	breaker *Breaker
	network string
}

func NewGuarded(next Client, network string, rps float64, burst int, breaker *Breaker) *Guarded {
	if burst <= 0 {
		burst = 1
	}
	if breaker == nil {
		breaker = NewBreaker(BreakerConfig{})
	}
	return &Guarded{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
		network: network,
	}
}

func (g *Guarded) Breaker() *Breaker {
	return g.breaker
}

func (g *Guarded) LoadAccount(ctx context.Context, address string) (*Account, error) {
	var out *Account
	err := g.do(ctx, "load_account", func() (err error) {
		out, err = g.next.LoadAccount(ctx, address)
		return err
	})
	return out, err
}

func (g *Guarded) SubmitTransaction(ctx context.Context, signedEnvelope string) (*SubmitResult, error) {
	var out *SubmitResult
	err := g.do(ctx, "submit_transaction", func() (err error) {
		out, err = g.next.SubmitTransaction(ctx, signedEnvelope)
		return err
	})
	return out, err
}

func (g *Guarded) GetTransaction(ctx context.Context, hash string) (*Transaction, error) {
	var out *Transaction
	err := g.do(ctx, "get_transaction", func() (err error) {
		out, err = g.next.GetTransaction(ctx, hash)
		return err
	})
	return out, err
}

func (g *Guarded) ListPayments(ctx context.Context, cursor string, limit int) (*PaymentPage, error) {
	var out *PaymentPage
	err := g.do(ctx, "list_payments", func() (err error) {
		out, err = g.next.ListPayments(ctx, cursor, limit)
		return err
	})
	return out, err
}

func (g *Guarded) LatestCursor(ctx context.Context) (Cursor, error) {
	var out Cursor
	err := g.do(ctx, "latest_cursor", func() (err error) {
		out, err = g.next.LatestCursor(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) do(ctx context.Context, method string, call func() error) error {
	if err := g.breaker.Allow(); err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(g.network, method, "circuit_open").Inc()
		return retry.TransientWithReason(err, "circuit_open")
	}
	if err := g.wait(ctx); err != nil {
		return fmt.Errorf("ledger %s: %w", method, err)
	}

	err := call()
	status := callStatus(err)
	metrics.LedgerCallsTotal.WithLabelValues(g.network, method, status).Inc()
	if status == "unavailable" {
		g.breaker.RecordFailure()
	} else {
		g.breaker.RecordSuccess()
	}
	metrics.LedgerCircuitState.WithLabelValues(g.network).Set(float64(g.breaker.State()))
	return err
}

// wait consumes exactly one token, returning early if ctx is done.
func (g *Guarded) wait(ctx context.Context) error {
	r := g.limiter.Reserve()
	if !r.OK() {
		return errors.New("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	metrics.LedgerRateLimitWaits.WithLabelValues(g.network).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case retry.Classify(err).IsTransient():
		return "unavailable"
	default:
		return "error"
	}
}
