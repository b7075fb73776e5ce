// Package indexer discovers payments to and from linked wallets by polling
// the ledger payments stream from a persisted cursor.
//
// A cycle reads the cursor (bootstrapping it to the ledger tip on first
// run), fetches one bounded page, records payments touching a known wallet
// and advances the cursor in the same storage transaction. A transaction
// whose hash matches the envelope issued to a pending record completes that
// record instead of creating a second one. Re-running a page is harmless:
// records are unique by transaction hash.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/lumenpay/lumenpay/internal/alert"
	"github.com/lumenpay/lumenpay/internal/domain/event"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/metrics"
	"github.com/lumenpay/lumenpay/internal/store"
	"github.com/lumenpay/lumenpay/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrCycleInFlight is returned by RunOnce when another cycle is running.
var ErrCycleInFlight = errors.New("indexer cycle already in flight")

// State is what the indexer is doing right now.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateApplying State = "applying"
)

// WalletLookup resolves an address to its linked wallet, nil when unlinked.
type WalletLookup interface {
	Lookup(ctx context.Context, address string) (*model.Wallet, error)
}

// EventSink receives events for records committed by a cycle.
type EventSink interface {
	Publish(ev event.Lifecycle)
}

// Config controls polling. Source names the cursor row this indexer owns.
type Config struct {
	Network      model.Network
	Source       string
	Interval     time.Duration
	BatchSize    int
	FetchTimeout time.Duration
	// UnhealthyThreshold is the consecutive failed cycles before alerting.
	UnhealthyThreshold int
}

// Deps are the indexer's collaborators. Alerter may be nil.
type Deps struct {
	Ledger   ledger.Client
	Cursors  store.CursorRepository
	Payments store.PaymentRepository
	Wallets  WalletLookup
	Events   EventSink
	Alerter  alert.Alerter
}

// Indexer polls the ledger for payments touching linked wallets and records
// them, advancing its cursor in the same transaction.
type Indexer struct {
	ledger   ledger.Client
	cursors  store.CursorRepository
	payments store.PaymentRepository
	wallets  WalletLookup
	events   EventSink
	alerter  alert.Alerter
	cfg      Config
	health   *Health
	logger   *slog.Logger

	running atomic.Bool
	state   atomic.Value
	last    atomic.Pointer[CycleReport]
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Bootstrapped   bool      `json:"bootstrapped"`
	Fetched        int       `json:"fetched"`
	Inserted       int       `json:"inserted"`
	Resolved       int       `json:"resolved"`
	Duplicates     int       `json:"duplicates"`
	Foreign        int       `json:"foreign"`
	FailedOps      int       `json:"failed_ops"`
	Cursor         string    `json:"cursor"`
	CursorAdvanced bool      `json:"cursor_advanced"`
	FinishedAt     time.Time `json:"finished_at"`
}

// New returns an Indexer with defaults filled in for zero Config fields.
func New(deps Deps, cfg Config, logger *slog.Logger) *Indexer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "payments"
	}
	if deps.Alerter == nil {
		deps.Alerter = alert.NoopAlerter{}
	}
	ix := &Indexer{
		ledger:   deps.Ledger,
		cursors:  deps.Cursors,
		payments: deps.Payments,
		wallets:  deps.Wallets,
		events:   deps.Events,
		alerter:  deps.Alerter,
		cfg:      cfg,
		health:   NewHealth(cfg.UnhealthyThreshold, cfg.Interval),
		logger:   logger.With("component", "indexer", "source", cfg.Source),
	}
	ix.state.Store(StateIdle)
	return ix
}

// Run cycles every Interval until ctx is done. A tick that arrives while a
// cycle is still running is dropped. Cycle errors never end the loop.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.Info("indexer started",
		"interval", ix.cfg.Interval,
		"batch_size", ix.cfg.BatchSize,
	)
	ticker := time.NewTicker(ix.cfg.Interval)
	defer ticker.Stop()

	ix.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("indexer stopping")
			return ctx.Err()
		case <-ticker.C:
			ix.runCycle(ctx)
			// A tick buffered while the cycle ran is stale.
			select {
			case <-ticker.C:
				metrics.IndexerSkippedTicks.WithLabelValues(ix.cfg.Network.String(), ix.cfg.Source).Inc()
			default:
			}
		}
	}
}

func (ix *Indexer) runCycle(ctx context.Context) {
	if _, err := ix.RunOnce(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) && ctx.Err() == nil {
		ix.logger.Warn("indexer cycle failed", "error", err)
	}
}

// RunOnce executes a single cycle unless one is already running.
func (ix *Indexer) RunOnce(ctx context.Context) (*CycleReport, error) {
	network, source := ix.cfg.Network.String(), ix.cfg.Source
	if !ix.running.CompareAndSwap(false, true) {
		metrics.IndexerSkippedTicks.WithLabelValues(network, source).Inc()
		return nil, ErrCycleInFlight
	}
	defer ix.running.Store(false)
	defer ix.state.Store(StateIdle)

	ctx, span := tracing.Tracer("indexer").Start(ctx, "indexer.cycle",
		trace.WithAttributes(
			attribute.String("network", network),
			attribute.String("source", source),
		),
	)
	defer span.End()

	start := time.Now()
	report, err := ix.cycle(ctx)
	elapsed := time.Since(start)
	metrics.IndexerCyclesTotal.WithLabelValues(network, source).Inc()
	metrics.IndexerCycleLatency.WithLabelValues(network, source).Observe(elapsed.Seconds())

	if err != nil {
		tracing.Fail(span, err)
		metrics.IndexerCycleErrors.WithLabelValues(network, source).Inc()
		if ctx.Err() == nil && ix.health.RecordFailure(err) {
			ix.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeUnhealthy,
				Network: network,
				Subject: source,
				Title:   "Payment indexer unhealthy",
				Message: fmt.Sprintf("%d consecutive failed cycles", ix.health.ConsecutiveFailures()),
				Fields:  map[string]string{"last_error": err.Error()},
			})
		}
		metrics.IndexerConsecutiveFailures.WithLabelValues(network, source).Set(float64(ix.health.ConsecutiveFailures()))
		return nil, err
	}

	if ix.health.RecordSuccess(elapsed) {
		ix.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Network: network,
			Subject: source,
			Title:   "Payment indexer recovered",
			Message: "cycles are succeeding again",
		})
	}
	metrics.IndexerConsecutiveFailures.WithLabelValues(network, source).Set(0)

	report.FinishedAt = time.Now().UTC()
	ix.last.Store(report)
	span.SetAttributes(
		attribute.Int("fetched", report.Fetched),
		attribute.Int("inserted", report.Inserted),
		attribute.Int("resolved", report.Resolved),
	)
	if report.Inserted > 0 || report.Resolved > 0 || report.Bootstrapped {
		ix.logger.Info("indexer cycle applied",
			"fetched", report.Fetched,
			"inserted", report.Inserted,
			"resolved", report.Resolved,
			"duplicates", report.Duplicates,
			"cursor", report.Cursor,
		)
	}
	return report, nil
}

func (ix *Indexer) cycle(ctx context.Context) (*CycleReport, error) {
	ix.state.Store(StatePolling)
	report := &CycleReport{}

	cursor, err := ix.cursors.Get(ctx, ix.cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	if cursor == nil {
		cursor, err = ix.bootstrap(ctx)
		if err != nil {
			return nil, err
		}
		report.Bootstrapped = true
	}
	if cursor.Network != ix.cfg.Network {
		return nil, fmt.Errorf("cursor %s belongs to network %s, indexer runs on %s", ix.cfg.Source, cursor.Network, ix.cfg.Network)
	}
	report.Cursor = cursor.CursorValue

	fetchCtx, cancel := context.WithTimeout(ctx, ix.cfg.FetchTimeout)
	page, err := ix.ledger.ListPayments(fetchCtx, cursor.CursorValue, ix.cfg.BatchSize)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list payments after %s: %w", cursor.CursorValue, err)
	}
	report.Fetched = len(page.Records)
	// A page of operations that are not payments still moves the cursor.
	if len(page.Records) == 0 && page.Next.Sequence <= cursor.CursorSequence {
		return report, nil
	}

	ix.state.Store(StateApplying)
	drafts, err := ix.match(ctx, page.Records, report)
	if err != nil {
		return nil, err
	}

	result, err := ix.cursors.ApplyIndexedBatch(ctx, drafts, model.CursorAdvance{
		Source:         ix.cfg.Source,
		Network:        ix.cfg.Network,
		CursorValue:    page.Next.Token,
		CursorSequence: page.Next.Sequence,
		ItemsProcessed: int64(len(page.Records)),
	})
	if err != nil {
		return nil, fmt.Errorf("apply batch up to %s: %w", page.Next.Token, err)
	}

	report.Inserted = len(result.Inserted)
	report.Resolved = len(result.Resolved)
	report.Duplicates += result.Duplicates
	report.CursorAdvanced = result.CursorAdvanced
	if result.CursorAdvanced {
		report.Cursor = page.Next.Token
		metrics.IndexerCursorSequence.WithLabelValues(ix.cfg.Network.String(), ix.cfg.Source).Set(float64(page.Next.Sequence))
	}
	metrics.IndexerDuplicatesSkipped.WithLabelValues(ix.cfg.Network.String()).Add(float64(report.Duplicates))
	metrics.IndexerForeignSkipped.WithLabelValues(ix.cfg.Network.String()).Add(float64(report.Foreign))

	for _, rec := range result.Inserted {
		metrics.IndexerRecordsInserted.WithLabelValues(ix.cfg.Network.String(), string(rec.Direction)).Inc()
		ix.publish(rec)
	}
	for _, rec := range result.Resolved {
		ix.logger.Info("issued payment found on ledger",
			"record_id", rec.ID,
			"tx_hash", deref(rec.TxHash),
		)
		ix.publish(rec)
	}
	return report, nil
}

func (ix *Indexer) publish(rec *model.PaymentRecord) {
	if ev, ok := event.FromRecord(rec); ok && ix.events != nil {
		ix.events.Publish(ev)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// bootstrap initializes the cursor at the ledger tip. Concurrent instances
// race safely: whichever insert lands first wins and both continue from it.
func (ix *Indexer) bootstrap(ctx context.Context) (*model.IndexerCursor, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, ix.cfg.FetchTimeout)
	tip, err := ix.ledger.LatestCursor(fetchCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch ledger tip: %w", err)
	}
	cursor, err := ix.cursors.InitIfAbsent(ctx, model.CursorAdvance{
		Source:         ix.cfg.Source,
		Network:        ix.cfg.Network,
		CursorValue:    tip.Token,
		CursorSequence: tip.Sequence,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize cursor: %w", err)
	}
	ix.logger.Info("cursor initialized at ledger tip", "cursor", cursor.CursorValue)
	return cursor, nil
}

// match turns the page into drafts for payments touching a linked wallet
// that are not recorded yet. A wallet lookup failure aborts the cycle so the
// cursor never moves past a payment that could not be classified.
func (ix *Indexer) match(ctx context.Context, payments []ledger.Payment, report *CycleReport) ([]*model.PaymentDraft, error) {
	seen := make(map[string]struct{}, len(payments))
	var drafts []*model.PaymentDraft

	for _, p := range payments {
		if !p.Successful {
			report.FailedOps++
			continue
		}
		from, err := ix.wallets.Lookup(ctx, p.From)
		if err != nil {
			return nil, err
		}
		to, err := ix.wallets.Lookup(ctx, p.To)
		if err != nil {
			return nil, err
		}
		direction, ok := directionOf(from != nil, to != nil)
		if !ok {
			report.Foreign++
			continue
		}

		// One record per transaction; later operations of the same
		// transaction are folded into the first.
		if _, dup := seen[p.TxHash]; dup {
			report.Duplicates++
			continue
		}
		seen[p.TxHash] = struct{}{}

		existing, err := ix.payments.FindByTxHash(ctx, p.TxHash)
		switch {
		case err == nil:
			report.Duplicates++
			ix.checkMismatch(ctx, existing, p)
			continue
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("check tx %s: %w", p.TxHash, err)
		}

		drafts = append(drafts, draftFor(p, direction, ix.cfg.Network))
	}
	return drafts, nil
}

func directionOf(fromKnown, toKnown bool) (model.Direction, bool) {
	switch {
	case fromKnown && toKnown:
		return model.DirectionInternal, true
	case fromKnown:
		return model.DirectionOutbound, true
	case toKnown:
		return model.DirectionInbound, true
	default:
		return "", false
	}
}

func draftFor(p ledger.Payment, direction model.Direction, network model.Network) *model.PaymentDraft {
	d := &model.PaymentDraft{
		SenderAddress:   p.From,
		ReceiverAddress: p.To,
		Amount:          p.Amount,
		Asset:           p.Asset,
		Fee:             p.Fee,
		TxHash:          model.Ptr(p.TxHash),
		Network:         network,
		Status:          model.StatusSuccess,
		Direction:       direction,
		Origin:          model.OriginDiscovered,
	}
	if p.Memo != "" {
		d.Memo = model.Ptr(p.Memo)
	}
	if p.LedgerSequence > 0 {
		d.LedgerSequence = model.Ptr(p.LedgerSequence)
	}
	if !p.ClosedAt.IsZero() {
		d.ConfirmedAt = model.Ptr(p.ClosedAt.UTC())
	}
	return d
}

// checkMismatch alerts when the ledger shows a successful payment for a
// record this system believes failed.
func (ix *Indexer) checkMismatch(ctx context.Context, rec *model.PaymentRecord, p ledger.Payment) {
	if rec.Status != model.StatusFailed {
		return
	}
	ix.logger.Error("ledger confirms a payment recorded as failed",
		"record_id", rec.ID,
		"tx_hash", p.TxHash,
	)
	fields := map[string]string{
		"record_id": rec.ID.String(),
		"tx_hash":   p.TxHash,
		"ledger":    strconv.FormatInt(p.LedgerSequence, 10),
	}
	if rec.ErrorCode != nil {
		fields["error_code"] = string(*rec.ErrorCode)
	}
	ix.sendAlert(ctx, alert.Alert{
		Type:    alert.AlertTypeReconcileMismatch,
		Network: ix.cfg.Network.String(),
		Subject: rec.ID.String(),
		Title:   "Failed payment found on ledger",
		Message: fmt.Sprintf("%s %s from %s to %s succeeded on ledger", p.Amount, p.Asset.Code, p.From, p.To),
		Fields:  fields,
	})
}

func (ix *Indexer) sendAlert(ctx context.Context, a alert.Alert) {
	if err := ix.alerter.Send(ctx, a); err != nil {
		ix.logger.Warn("alert delivery failed", "type", a.Type, "error", err)
	}
}

// Status is the operator view of the indexer.
type Status struct {
	Source    string               `json:"source"`
	Network   string               `json:"network"`
	State     State                `json:"state"`
	Cursor    *model.IndexerCursor `json:"cursor,omitempty"`
	Health    HealthSnapshot       `json:"health"`
	LastCycle *CycleReport         `json:"last_cycle,omitempty"`
}

// Status reports the stored cursor, the current state and the last cycle.
func (ix *Indexer) Status(ctx context.Context) (*Status, error) {
	cursor, err := ix.cursors.Get(ctx, ix.cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}
	return &Status{
		Source:    ix.cfg.Source,
		Network:   ix.cfg.Network.String(),
		State:     ix.state.Load().(State),
		Cursor:    cursor,
		Health:    ix.health.Snapshot(),
		LastCycle: ix.last.Load(),
	}, nil
}
