package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// action is one variant of the actions endpoint body, selected by its
// "action" field.
type action interface {
	actionName() string
}

type initiateAction struct {
	Action string `json:"action"`
	initiateRequest
}

type submitAction struct {
	Action   string    `json:"action"`
	ID       uuid.UUID `json:"id"`
	Envelope string    `json:"envelope"`
}

type cancelAction struct {
	Action string    `json:"action"`
	ID     uuid.UUID `json:"id"`
}

type statusAction struct {
	Action string    `json:"action"`
	ID     uuid.UUID `json:"id"`
}

func (initiateAction) actionName() string { return "initiate" }
func (submitAction) actionName() string   { return "submit" }
func (cancelAction) actionName() string   { return "cancel" }
func (statusAction) actionName() string   { return "status" }

func decodeAction(body []byte) (action, error) {
	var tag struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &tag); err != nil {
		return nil, err
	}

	var a action
	switch tag.Action {
	case "initiate":
		a = &initiateAction{}
	case "submit":
		a = &submitAction{}
	case "cancel":
		a = &cancelAction{}
	case "status":
		a = &statusAction{}
	case "":
		return nil, fmt.Errorf("action is required")
	default:
		return nil, fmt.Errorf("unknown action %q", tag.Action)
	}
	if err := strictUnmarshal(body, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	a, err := decodeAction(body)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	switch a := a.(type) {
	case *initiateAction:
		s.initiate(w, r, a.initiateRequest)
	case *submitAction:
		s.submit(w, r, a.ID, a.Envelope)
	case *cancelAction:
		s.cancel(w, r, a.ID)
	case *statusAction:
		s.status(w, r, a.ID)
	default:
		panic(fmt.Sprintf("unhandled action %T", a))
	}
}
