package txbuilder

import "fmt"

// ValidationError reports malformed input. It is raised before any I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AccountLoadError wraps a failure to read the source account from the
// ledger, after retries when the failure was transient.
type AccountLoadError struct {
	Address string
	Err     error
}

func (e *AccountLoadError) Error() string {
	return fmt.Sprintf("load source account %s: %v", e.Address, e.Err)
}

func (e *AccountLoadError) Unwrap() error {
	return e.Err
}
