package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/lumenpay/lumenpay/internal/lifecycle"
	"github.com/lumenpay/lumenpay/internal/store"
)

type problem struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) (int, problem) {
	var (
		validation *lifecycle.ValidationError
		limit      *lifecycle.LimitExceededError
		transition *lifecycle.InvalidTransitionError
		conflict   *store.ConflictError
		ledgerErr  *lifecycle.LedgerSubmitError
		account    *lifecycle.AccountLoadError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, problem{Error: validation.Error(), Field: validation.Field}
	case errors.As(err, &limit):
		return http.StatusForbidden, problem{Error: limit.Error()}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, problem{Error: "payment not found"}
	case errors.As(err, &transition):
		return http.StatusConflict, problem{Error: transition.Error(), Code: "invalid_transition"}
	case errors.As(err, &conflict):
		return http.StatusConflict, problem{Error: conflict.Error(), Code: "conflict"}
	case errors.Is(err, store.ErrDuplicateLedgerEvent):
		return http.StatusConflict, problem{Error: err.Error(), Code: "duplicate_ledger_event"}
	case errors.As(err, &ledgerErr):
		return http.StatusBadGateway, problem{Error: ledgerErr.Error(), Code: string(ledgerErr.Code)}
	case errors.As(err, &account):
		return http.StatusBadGateway, problem{Error: account.Error(), Code: "account_load"}
	default:
		return http.StatusInternalServerError, problem{Error: "internal error"}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}
	writeJSON(w, status, body)
}

func writeProblem(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, problem{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
