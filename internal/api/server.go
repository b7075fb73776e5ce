// Package api serves the public payments HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/lifecycle"
	"github.com/lumenpay/lumenpay/internal/metrics"
	"github.com/lumenpay/lumenpay/internal/ratelimit"
	"github.com/lumenpay/lumenpay/internal/txbuilder"
)

const (
	maxRequestBodyBytes   = 64 << 10
	defaultIdempotencyTTL = 24 * time.Hour
	requestTimeout        = 60 * time.Second

	idempotencyHeader = "Idempotency-Key"
)

// Payments is the lifecycle surface the API drives.
type Payments interface {
	Initiate(ctx context.Context, req txbuilder.Request) (*lifecycle.InitiateResult, error)
	Submit(ctx context.Context, id uuid.UUID, signedEnvelope string) (*lifecycle.Result, error)
	Status(ctx context.Context, id uuid.UUID) (*model.PaymentRecord, error)
	Cancel(ctx context.Context, id uuid.UUID) (*lifecycle.Result, error)
	Settle(ctx context.Context, id uuid.UUID) (*lifecycle.Result, error)
}

// Config tunes the HTTP layer. IdempotencyTTL is how long an initiate
// Idempotency-Key keeps pointing at the record it created.
type Config struct {
	IdempotencyTTL time.Duration
}

// Server exposes the payment lifecycle over HTTP.
type Server struct {
	payments Payments
	limiter  ratelimit.Limiter
	nonces   ratelimit.NonceStore
	cfg      Config
	logger   *slog.Logger
}

// NewServer returns a Server. Call Handler to mount its routes.
func NewServer(payments Payments, limiter ratelimit.Limiter, nonces ratelimit.NonceStore, cfg Config, logger *slog.Logger) *Server {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	return &Server{
		payments: payments,
		limiter:  limiter,
		nonces:   nonces,
		cfg:      cfg,
		logger:   logger.With("component", "api"),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/v1/payments", func(r chi.Router) {
		r.Post("/", s.handleInitiate)
		r.Post("/actions", s.handleAction)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/submit", s.handleSubmit)
			r.Post("/cancel", s.handleCancel)
			r.Post("/settle", s.handleSettle)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.initiate(w, r, req)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, id, req.Envelope)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.pathID(w, r); ok {
		s.status(w, r, id)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if id, ok := s.pathID(w, r); ok {
		s.cancel(w, r, id)
	}
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	res, err := s.payments.Settle(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(res))
}

func (s *Server) initiate(w http.ResponseWriter, r *http.Request, req initiateRequest) {
	ctx := r.Context()

	if req.Source != "" && !s.allow(w, r, "initiate", req.Source) {
		return
	}

	key := r.Header.Get(idempotencyHeader)
	if key != "" {
		nonceKey := req.Source + ":" + key
		claim, err := s.nonces.Claim(ctx, nonceKey, s.cfg.IdempotencyTTL)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("claim idempotency key: %w", err))
			return
		}
		if !claim.Fresh {
			s.replayInitiate(w, r, claim.Value)
			return
		}

		res, err := s.payments.Initiate(ctx, req.toBuilder())
		if err != nil {
			if rerr := s.nonces.Release(context.WithoutCancel(ctx), nonceKey); rerr != nil {
				s.logger.Warn("release idempotency key failed", "error", rerr)
			}
			s.writeError(w, r, err)
			return
		}
		if err := s.nonces.Bind(ctx, nonceKey, res.Record.ID.String(), s.cfg.IdempotencyTTL); err != nil {
			s.logger.Warn("bind idempotency key failed", "record_id", res.Record.ID, "error", err)
		}
		writeJSON(w, http.StatusCreated, newInitiateResponse(res))
		return
	}

	res, err := s.payments.Initiate(ctx, req.toBuilder())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newInitiateResponse(res))
}

func (s *Server) replayInitiate(w http.ResponseWriter, r *http.Request, boundID string) {
	if boundID == "" {
		writeProblem(w, http.StatusConflict, "idempotent request still in progress")
		return
	}
	id, err := uuid.Parse(boundID)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("idempotency key bound to %q: %w", boundID, err))
		return
	}
	rec, err := s.payments.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Idempotent-Replayed", "true")
	writeJSON(w, http.StatusOK, initiateResponse{Payment: newPaymentView(rec), Envelope: deref(rec.EnvelopeXDR)})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, id uuid.UUID, envelope string) {
	res, err := s.payments.Submit(r.Context(), id, envelope)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(res))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	rec, err := s.payments.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Payment: newPaymentView(rec)})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	res, err := s.payments.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(res))
}

// allow consumes one unit of the per-wallet budget. A limiter outage lets
// the request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, route, wallet string) bool {
	ok, err := s.limiter.Allow(r.Context(), route+":"+wallet)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "route", route, "error", err)
		return true
	}
	if !ok {
		metrics.APIRateLimited.WithLabelValues(route).Inc()
		w.Header().Set("Retry-After", "60")
		writeProblem(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid payment id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeProblem(w, http.StatusBadRequest, "request body is required")
			return false
		}
		writeProblem(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
