// Package admin serves the operator API: indexer status and on-demand runs,
// wallet linking and confirmer runs.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/indexer"
	"github.com/lumenpay/lumenpay/internal/reconciliation"
	"github.com/stellar/go/strkey"
)

const (
	maxRequestBodyBytes = 1 << 20 // 1 MB
	defaultContactLimit = 50
	maxContactLimit     = 500
)

// IndexerControl is satisfied by *indexer.Indexer.
type IndexerControl interface {
	Status(ctx context.Context) (*indexer.Status, error)
	RunOnce(ctx context.Context) (*indexer.CycleReport, error)
}

// WalletLinker is satisfied by *walletindex.Index.
type WalletLinker interface {
	Link(ctx context.Context, w *model.Wallet) error
}

type WalletLister interface {
	GetActive(ctx context.Context, network model.Network) ([]model.Wallet, error)
}

// ConfirmRunner is satisfied by *reconciliation.Service.
type ConfirmRunner interface {
	Reconcile(ctx context.Context) (*reconciliation.RunResult, error)
}

type ContactLister interface {
	ListByOwner(ctx context.Context, owner string, limit int) ([]model.Contact, error)
}

// Server provides an HTTP-based admin API for operational management.
type Server struct {
	network   model.Network
	indexer   IndexerControl
	linker    WalletLinker
	wallets   WalletLister
	confirmer ConfirmRunner
	contacts  ContactLister
	logger    *slog.Logger
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithIndexer enables the indexer routes. Without it they answer 503.
func WithIndexer(ic IndexerControl) ServerOption {
	return func(s *Server) { s.indexer = ic }
}

func WithConfirmer(cr ConfirmRunner) ServerOption {
	return func(s *Server) { s.confirmer = cr }
}

func WithContacts(cl ContactLister) ServerOption {
	return func(s *Server) { s.contacts = cl }
}

func NewServer(network model.Network, linker WalletLinker, wallets WalletLister, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		network: network,
		linker:  linker,
		wallets: wallets,
		logger:  logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/indexer/status", s.handleIndexerStatus)
	mux.HandleFunc("POST /admin/v1/indexer/run", s.handleIndexerRun)
	mux.HandleFunc("GET /admin/v1/wallets", s.handleListWallets)
	mux.HandleFunc("POST /admin/v1/wallets", s.handleLinkWallet)
	mux.HandleFunc("POST /admin/v1/confirm", s.handleConfirm)
	mux.HandleFunc("GET /admin/v1/contacts", s.handleListContacts)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleIndexerStatus(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "indexer not enabled")
		return
	}
	status, err := s.indexer.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to read indexer status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleIndexerRun(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		writeError(w, http.StatusServiceUnavailable, "indexer not enabled")
		return
	}
	report, err := s.indexer.RunOnce(r.Context())
	if errors.Is(err, indexer.ErrCycleInFlight) {
		writeJSON(w, http.StatusAccepted, map[string]any{"skipped": true, "reason": "cycle in flight"})
		return
	}
	if err != nil {
		s.logger.Warn("on-demand indexer cycle failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type walletRequest struct {
	Address  string `json:"address"`
	UserID   string `json:"user_id"`
	KYCLevel int    `json:"kyc_level"`
	Active   *bool  `json:"active,omitempty"`
}

type walletResponse struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	UserID   string `json:"user_id"`
	KYCLevel int    `json:"kyc_level"`
	Network  string `json:"network"`
	Active   bool   `json:"active"`
}

func newWalletResponse(wl model.Wallet) walletResponse {
	return walletResponse{
		ID:       wl.ID.String(),
		Address:  wl.Address,
		UserID:   wl.UserID,
		KYCLevel: wl.KYCLevel,
		Network:  wl.Network.String(),
		Active:   wl.IsActive,
	}
}

func (s *Server) handleLinkWallet(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if !strkey.IsValidEd25519PublicKey(req.Address) {
		writeError(w, http.StatusBadRequest, "address must be a valid account id")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.KYCLevel < 0 {
		writeError(w, http.StatusBadRequest, "kyc_level must not be negative")
		return
	}

	wallet := &model.Wallet{
		Address:  req.Address,
		UserID:   req.UserID,
		KYCLevel: req.KYCLevel,
		Network:  s.network,
		IsActive: req.Active == nil || *req.Active,
	}
	if err := s.linker.Link(r.Context(), wallet); err != nil {
		s.logger.Error("failed to link wallet", "address", req.Address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("wallet linked", "address", wallet.Address, "user_id", wallet.UserID, "kyc_level", wallet.KYCLevel)
	writeJSON(w, http.StatusCreated, newWalletResponse(*wallet))
}

func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.wallets.GetActive(r.Context(), s.network)
	if err != nil {
		s.logger.Error("failed to list wallets", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]walletResponse, 0, len(wallets))
	for _, wl := range wallets {
		out = append(out, newWalletResponse(wl))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if s.confirmer == nil {
		writeError(w, http.StatusServiceUnavailable, "confirmer not enabled")
		return
	}
	result, err := s.confirmer.Reconcile(r.Context())
	if err != nil {
		s.logger.Error("confirmer run failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	if s.contacts == nil {
		writeError(w, http.StatusServiceUnavailable, "contacts not enabled")
		return
	}
	owner := r.URL.Query().Get("owner")
	if !strkey.IsValidEd25519PublicKey(owner) {
		writeError(w, http.StatusBadRequest, "owner must be a valid account id")
		return
	}
	limit := defaultContactLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxContactLimit {
			writeError(w, http.StatusBadRequest, "limit must be within [1, 500]")
			return
		}
		limit = n
	}

	contacts, err := s.contacts.ListByOwner(r.Context(), owner, limit)
	if err != nil {
		s.logger.Error("failed to list contacts", "owner", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if contacts == nil {
		contacts = []model.Contact{}
	}
	writeJSON(w, http.StatusOK, contacts)
}
