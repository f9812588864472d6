package engine

import "fmt"

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError rejects a state-machine move the guards forbid.
// Persisted state is untouched when it is returned.
type InvalidTransitionError struct {
	From   string
	To     string
	Reason string
}

func (e InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid contract transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid contract transition %s -> %s", e.From, e.To)
}

// ConflictError reports a lost concurrent-update race; the caller should
// re-read and retry the whole operation.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// DownstreamError wraps a failure inside a rule action or invoice creation
// that happened after the triggering condition held. It is recorded in
// counters and per-item outcomes, never propagated as a crash.
type DownstreamError struct {
	Op  string
	Err error
}

func (e DownstreamError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e DownstreamError) Unwrap() error { return e.Err }
