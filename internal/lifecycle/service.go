// Package lifecycle owns every transition of a payment record after it has
// been created: submit, confirm, cancel and settle, plus initiate which
// creates it. All writes go through the store's conditioned Transition.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/event"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/ledger"
	"github.com/lumenpay/lumenpay/internal/metrics"
	"github.com/lumenpay/lumenpay/internal/permission"
	"github.com/lumenpay/lumenpay/internal/retry"
	"github.com/lumenpay/lumenpay/internal/store"
	"github.com/lumenpay/lumenpay/internal/tracing"
	"github.com/lumenpay/lumenpay/internal/txbuilder"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Builder produces unsigned envelopes.
type Builder interface {
	Validate(req txbuilder.Request) (*txbuilder.Validated, error)
	BuildValidated(ctx context.Context, v *txbuilder.Validated) (*txbuilder.Result, error)
}

// WalletLookup resolves linked wallets. A nil wallet means not linked.
type WalletLookup interface {
	Lookup(ctx context.Context, address string) (*model.Wallet, error)
}

// EventSink receives post-commit events. Publish must not block.
type EventSink interface {
	Publish(ev event.Lifecycle)
}

// Config holds the lifecycle settings that do not change per request.
type Config struct {
	Network model.Network
	// SubmitPolicy bounds ledger calls made by submit and confirm.
	SubmitPolicy retry.Policy
	// ConfirmWindow is how long after submission a missing transaction is
	// still considered in flight.
	ConfirmWindow time.Duration
}

// Deps are the collaborators a Service needs. All are required.
type Deps struct {
	Payments    store.PaymentRepository
	Builder     Builder
	Wallets     WalletLookup
	Permissions permission.Checker
	Ledger      ledger.Client
	Events      EventSink
}

// Service drives payment records through the lifecycle: initiate, submit,
// confirm, cancel and settle. Every status change is a conditioned write, so
// concurrent callers cannot both win the same transition.
type Service struct {
	payments    store.PaymentRepository
	builder     Builder
	wallets     WalletLookup
	permissions permission.Checker
	ledger      ledger.Client
	events      EventSink
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
	sleep       retry.SleepFunc
}

// Option customizes a Service, mostly for tests.
type Option func(*Service)

// WithClock replaces the time source used for confirm windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSleep replaces the backoff sleep between ledger attempts.
func WithSleep(sleep retry.SleepFunc) Option {
	return func(s *Service) { s.sleep = sleep }
}

// New returns a Service. ConfirmWindow defaults to five minutes.
func New(deps Deps, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.ConfirmWindow <= 0 {
		cfg.ConfirmWindow = 5 * time.Minute
	}
	s := &Service{
		payments:    deps.Payments,
		builder:     deps.Builder,
		wallets:     deps.Wallets,
		permissions: deps.Permissions,
		ledger:      deps.Ledger,
		events:      deps.Events,
		cfg:         cfg,
		logger:      logger.With("component", "lifecycle"),
		now:         time.Now,
		sleep:       retry.SleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is the outcome of a lifecycle call. Events are the post-commit
// events this call produced; they have already been handed to the sink.
type Result struct {
	Record *model.PaymentRecord
	Events []event.Lifecycle
	// Replayed is set when the call found its work already done.
	Replayed bool
}

// InitiateResult is the pending record plus the unsigned envelope the client
// signs. Metadata.Hash is the hash the signed transaction will carry.
type InitiateResult struct {
	Record   *model.PaymentRecord
	Envelope string
	Metadata txbuilder.Metadata
}

// Initiate validates the request, checks the spending ceiling and records a
// pending payment carrying the unsigned envelope.
func (s *Service) Initiate(ctx context.Context, req txbuilder.Request) (*InitiateResult, error) {
	ctx, span := tracing.Tracer("lifecycle").Start(ctx, "lifecycle.initiate")
	defer span.End()

	res, err := s.initiate(ctx, req)
	if err != nil {
		s.rejected(OpInitiate, err)
		tracing.Fail(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("record_id", res.Record.ID.String()))
	return res, nil
}

func (s *Service) initiate(ctx context.Context, req txbuilder.Request) (*InitiateResult, error) {
	v, err := s.builder.Validate(req)
	if err != nil {
		return nil, err
	}

	wallet, err := s.wallets.Lookup(ctx, v.Source)
	if err != nil {
		return nil, fmt.Errorf("resolve source wallet: %w", err)
	}
	if wallet == nil {
		return nil, &ValidationError{Field: "source", Reason: "not a linked wallet"}
	}

	decision, err := s.permissions.CheckSpend(ctx, permission.SpendRequest{
		Sender:   v.Source,
		KYCLevel: wallet.KYCLevel,
		Asset:    v.Asset,
		Amount:   v.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("check spend: %w", err)
	}
	if !decision.Allowed {
		return nil, &LimitExceededError{Sender: v.Source, Asset: v.Asset, Reason: decision.Reason}
	}

	built, err := s.builder.BuildValidated(ctx, v)
	if err != nil {
		return nil, err
	}

	direction := model.DirectionOutbound
	if dest, err := s.wallets.Lookup(ctx, v.Destination); err != nil {
		s.logger.Warn("destination wallet lookup failed", "destination", v.Destination, "error", err)
	} else if dest != nil {
		direction = model.DirectionInternal
	}

	rec, err := s.payments.Create(ctx, &model.PaymentDraft{
		SenderAddress:   v.Source,
		ReceiverAddress: v.Destination,
		Amount:          v.Amount,
		Asset:           v.Asset,
		Memo:            v.Memo,
		IssuedHash:      model.Ptr(built.Metadata.Hash),
		EnvelopeXDR:     model.Ptr(built.Envelope),
		Network:         s.cfg.Network,
		Status:          model.StatusPending,
		Direction:       direction,
		Origin:          model.OriginInitiated,
	})
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	metrics.LifecycleTransitionsTotal.WithLabelValues(s.cfg.Network.String(), "none", string(model.StatusPending)).Inc()
	s.logger.Info("payment initiated",
		"record_id", rec.ID,
		"sender", rec.SenderAddress,
		"asset", rec.Asset.Code,
		"amount", rec.Amount.String(),
	)

	return &InitiateResult{Record: rec, Envelope: built.Envelope, Metadata: built.Metadata}, nil
}

// Status returns the last known state of a record.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (*model.PaymentRecord, error) {
	return s.payments.Get(ctx, id)
}

// Cancel moves a pending record to cancelled. Cancelling a cancelled record
// is a no-op.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Result, error) {
	return s.simple(ctx, id, OpCancel, model.StatusCancelled, model.TransitionFields{ClearEnvelope: true})
}

// Settle hands a successful payment over to the off-ramp. confirmed_at is
// left as set by the success transition.
func (s *Service) Settle(ctx context.Context, id uuid.UUID) (*Result, error) {
	return s.simple(ctx, id, OpSettle, model.StatusSettled, model.TransitionFields{})
}

func (s *Service) simple(ctx context.Context, id uuid.UUID, op Operation, next model.Status, fields model.TransitionFields) (*Result, error) {
	rec, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res, done, err := s.precheck(rec, op); done {
		return res, err
	}

	updated, err := s.transition(ctx, rec, next, fields)
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		return s.reread(ctx, id, op)
	}
	if err != nil {
		return nil, err
	}
	return s.committed(updated), nil
}

// precheck handles records not in op's source status. done is false when
// the caller should proceed with the transition.
func (s *Service) precheck(rec *model.PaymentRecord, op Operation) (*Result, bool, error) {
	if rec.Status == source[op] {
		return nil, false, nil
	}
	if alreadyDone(op, rec.Status) {
		return &Result{Record: rec, Replayed: true}, true, nil
	}
	s.rejected(op, errInvalid)
	return nil, true, &InvalidTransitionError{ID: rec.ID, Operation: op, From: rec.Status}
}

var errInvalid = errors.New("invalid transition")

// reread resolves a lost conditioned write by looking at what won.
func (s *Service) reread(ctx context.Context, id uuid.UUID, op Operation) (*Result, error) {
	current, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if alreadyDone(op, current.Status) {
		return &Result{Record: current, Replayed: true}, nil
	}
	return nil, &InvalidTransitionError{ID: id, Operation: op, From: current.Status}
}

func (s *Service) transition(ctx context.Context, rec *model.PaymentRecord, next model.Status, fields model.TransitionFields) (*model.PaymentRecord, error) {
	if !CanTransition(rec.Status, next) {
		return nil, fmt.Errorf("payment %s: no edge %s -> %s", rec.ID, rec.Status, next)
	}
	updated, err := s.payments.Transition(ctx, rec.ID, rec.Status, next, fields)
	if err != nil {
		return nil, err
	}
	metrics.LifecycleTransitionsTotal.WithLabelValues(s.cfg.Network.String(), string(rec.Status), string(next)).Inc()
	s.logger.Info("payment transitioned",
		"record_id", rec.ID,
		"from", rec.Status,
		"to", next,
	)
	return updated, nil
}

// committed wraps a freshly written record and publishes its event.
func (s *Service) committed(rec *model.PaymentRecord) *Result {
	res := &Result{Record: rec}
	if ev, ok := event.FromRecord(rec); ok {
		res.Events = append(res.Events, ev)
		if s.events != nil {
			s.events.Publish(ev)
		}
	}
	return res
}

func (s *Service) rejected(op Operation, err error) {
	metrics.LifecycleRejectedTotal.WithLabelValues(s.cfg.Network.String(), string(op), rejectReason(err)).Inc()
}

func rejectReason(err error) string {
	var (
		validation *ValidationError
		limit      *LimitExceededError
		account    *AccountLoadError
	)
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &limit):
		return "limit_exceeded"
	case errors.As(err, &account):
		return "account_load"
	case errors.Is(err, errInvalid):
		return "invalid_transition"
	default:
		return "error"
	}
}

func spanRecord(span trace.Span, rec *model.PaymentRecord) {
	span.SetAttributes(
		attribute.String("record_id", rec.ID.String()),
		attribute.String("status", string(rec.Status)),
	)
}
