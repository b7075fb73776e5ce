package lifecycle

import "github.com/lumenpay/lumenpay/internal/domain/model"

// Operation names a lifecycle entry point.
type Operation string

const (
	OpInitiate Operation = "initiate"
	OpSubmit   Operation = "submit"
	OpConfirm  Operation = "confirm"
	OpCancel   Operation = "cancel"
	OpSettle   Operation = "settle"
)

// edges is the complete transition graph. pending is never re-entered.
var edges = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusProcessing, model.StatusCancelled},
	model.StatusProcessing: {model.StatusSuccess, model.StatusFailed},
	model.StatusSuccess:    {model.StatusSettled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to model.Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// source is the status each mutating operation starts from.
var source = map[Operation]model.Status{
	OpSubmit:  model.StatusPending,
	OpConfirm: model.StatusProcessing,
	OpCancel:  model.StatusPending,
	OpSettle:  model.StatusSuccess,
}

// settledBy lists, per operation, the statuses in which calling it again is
// a no-op returning the stored record.
var settledBy = map[Operation][]model.Status{
	OpSubmit:  {model.StatusProcessing, model.StatusSuccess, model.StatusFailed, model.StatusSettled},
	OpConfirm: {model.StatusSuccess, model.StatusSettled},
	OpCancel:  {model.StatusCancelled},
	OpSettle:  {model.StatusSettled},
}

func alreadyDone(op Operation, s model.Status) bool {
	for _, st := range settledBy[op] {
		if st == s {
			return true
		}
	}
	return false
}
