// Package reconciliation brings processing payment records in line with the
// ledger by confirming each against its transaction hash.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/lifecycle"
	"github.com/lumenpay/lumenpay/internal/metrics"
)

// DefaultPageSize bounds the processing records examined per run.
const DefaultPageSize = 100

type ProcessingLister interface {
	ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.PaymentRecord, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, id uuid.UUID) (*lifecycle.Result, error)
}

// Service runs the confirmer.
type Service struct {
	records   ProcessingLister
	confirmer Confirmer
	network   model.Network
	pageSize  int
	logger    *slog.Logger

	mu sync.Mutex
}

// RunResult summarizes one confirmer run.
type RunResult struct {
	Network   string    `json:"network"`
	Examined  int       `json:"examined"`
	Confirmed int       `json:"confirmed"`
	Failed    int       `json:"failed"`
	Pending   int       `json:"pending"`
	Errors    int       `json:"errors"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

func NewService(records ProcessingLister, confirmer Confirmer, network model.Network, pageSize int, logger *slog.Logger) *Service {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Service{
		records:   records,
		confirmer: confirmer,
		network:   network,
		pageSize:  pageSize,
		logger:    logger.With("component", "confirmer"),
	}
}

// Reconcile confirms the oldest processing records. Runs are serialized; a
// failure on one record is counted and the run continues.
func (s *Service) Reconcile(ctx context.Context) (*RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &RunResult{Network: s.network.String(), StartedAt: time.Now().UTC()}
	metrics.ConfirmerRunsTotal.WithLabelValues(s.network.String()).Inc()

	records, err := s.records.ListByStatus(ctx, model.StatusProcessing, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("list processing records: %w", err)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Examined++
		outcome := s.confirmOne(ctx, rec.ID)
		metrics.ConfirmerOutcomes.WithLabelValues(s.network.String(), outcome).Inc()
		switch outcome {
		case "confirmed":
			result.Confirmed++
		case "failed":
			result.Failed++
		case "pending":
			result.Pending++
		default:
			result.Errors++
		}
	}

	result.Duration = time.Since(result.StartedAt).String()
	if result.Examined > 0 {
		s.logger.Info("confirmer run completed",
			"examined", result.Examined,
			"confirmed", result.Confirmed,
			"failed", result.Failed,
			"pending", result.Pending,
			"errors", result.Errors,
		)
	}
	return result, nil
}

func (s *Service) confirmOne(ctx context.Context, id uuid.UUID) string {
	res, err := s.confirmer.Confirm(ctx, id)
	if err != nil {
		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Moved on since it was listed.
			return "pending"
		}
		s.logger.Warn("confirm failed", "record_id", id, "error", err)
		return "error"
	}
	switch res.Record.Status {
	case model.StatusSuccess, model.StatusSettled:
		return "confirmed"
	case model.StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// RunPeriodic runs Reconcile every interval until ctx is cancelled.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.logger.Info("periodic confirmer started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic confirmer stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic confirmer run failed", "error", err)
			}
		}
	}
}
