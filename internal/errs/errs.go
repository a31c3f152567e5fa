// Package errs defines the error-kind taxonomy shared across sentinel's
// components. Components return plain wrapped errors; callers that need to
// branch on the failure kind use errors.As against *Error.
package errs

import "fmt"

// Kind identifies a category of failure from §7 of the specification.
type Kind string

const (
	KindBlocked              Kind = "BLOCKED"
	KindVRAMBusy             Kind = "VRAM_BUSY"
	KindLoadTimeout          Kind = "LOAD_TIMEOUT"
	KindVRAMError            Kind = "VRAM_ERROR"
	KindCloudBreakerOpen     Kind = "CLOUD_BREAKER_OPEN"
	KindDailyBudgetExceeded  Kind = "DAILY_BUDGET_EXCEEDED"
	KindCloudCallFailed      Kind = "CLOUD_CALL_FAILED"
	KindLocalUnavailable     Kind = "LOCAL_UNAVAILABLE"
	KindTamper               Kind = "TAMPER"
	KindSandboxTimeout       Kind = "SANDBOX_TIMEOUT"
	KindSandboxFailed        Kind = "SANDBOX_FAILED"
	KindInvalidState         Kind = "INVALID_STATE"
	KindInvalidCode          Kind = "INVALID_CODE"
	KindNotFound             Kind = "NOT_FOUND"
	KindInfraUnavailable     Kind = "INFRA_UNAVAILABLE"
)

// Error is a typed, kind-tagged error. Components construct these with New
// or Wrap; callers branch on Kind via errors.As.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a kind-tagged error with no underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs a kind-tagged error wrapping an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else if x, ok := unwrapError(err); ok {
		e = x
	} else {
		return false
	}
	return e.Kind == kind
}

func unwrapError(err error) (*Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
