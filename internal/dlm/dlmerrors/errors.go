// Package dlmerrors provides the typed error codes returned by the lock
// engine to callers and used internally for classifying failures.
//
// Import graph: dlmerrors <- engine <- pkg/dlm
package dlmerrors

import "fmt"

// Code identifies the kind of failure a DLM operation reported.
type Code int

const (
	// ErrAgain indicates a transient condition; the caller should retry.
	ErrAgain Code = iota + 1

	// ErrNotEmpty indicates a resource cannot be freed because locks remain.
	ErrNotEmpty

	// ErrUnlock indicates an unlock request named an id that was not found
	// on the targeted resource.
	ErrUnlock

	// ErrCancel indicates a cancel request named a waiting request that was
	// not found, or that already completed.
	ErrCancel

	// ErrDeadlock indicates granting the request would complete a
	// conversion-deadlock cycle; the request is rejected rather than queued.
	ErrDeadlock

	// ErrTimedOut indicates a request stayed queued longer than the
	// lockspace's lock timeout.
	ErrTimedOut

	// ErrBusy indicates the resource or lockspace is undergoing recovery and
	// cannot currently accept the operation.
	ErrBusy

	// ErrInval indicates malformed arguments (bad mode, zero-length range
	// with nonzero offset conflicts, unknown resource name).
	ErrInval

	// ErrNoMaster indicates the directory could not resolve (or all
	// plausible masters rejected) a resource master lookup during recovery.
	ErrNoMaster

	// ErrTransport indicates a message could not be delivered to a peer
	// node; only ever surfaced in logs, never returned from the caller API.
	ErrTransport
)

func (c Code) String() string {
	switch c {
	case ErrAgain:
		return "Again"
	case ErrNotEmpty:
		return "NotEmpty"
	case ErrUnlock:
		return "Unlock"
	case ErrCancel:
		return "Cancel"
	case ErrDeadlock:
		return "Deadlock"
	case ErrTimedOut:
		return "TimedOut"
	case ErrBusy:
		return "Busy"
	case ErrInval:
		return "Inval"
	case ErrNoMaster:
		return "NoMaster"
	case ErrTransport:
		return "Transport"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// Error is the single error type returned across the DLM's public surface.
type Error struct {
	Code     Code
	Message  string
	Resource string
}

func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (resource: %s)", e.Code, e.Message, e.Resource)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, resource, message string) *Error {
	return &Error{Code: code, Message: message, Resource: resource}
}

func NewAgain(resource string) *Error {
	return &Error{Code: ErrAgain, Message: "request would block and was not queued", Resource: resource}
}

func NewDeadlock(resource string) *Error {
	return &Error{Code: ErrDeadlock, Message: "conversion would complete a deadlock cycle", Resource: resource}
}

func NewUnlockNotFound(resource string) *Error {
	return &Error{Code: ErrUnlock, Message: "lock id not found on resource", Resource: resource}
}

func NewCancelNotFound(resource string) *Error {
	return &Error{Code: ErrCancel, Message: "no matching waiting request to cancel", Resource: resource}
}

func NewTimedOut(resource string) *Error {
	return &Error{Code: ErrTimedOut, Message: "request timed out while queued", Resource: resource}
}

func NewBusy(resource string) *Error {
	return &Error{Code: ErrBusy, Message: "lockspace is recovering", Resource: resource}
}

func NewInval(message string) *Error {
	return &Error{Code: ErrInval, Message: message}
}

func NewNotEmpty(resource string) *Error {
	return &Error{Code: ErrNotEmpty, Message: "resource still has locks", Resource: resource}
}

func NewNoMaster(resource string) *Error {
	return &Error{Code: ErrNoMaster, Message: "could not resolve resource master", Resource: resource}
}

func NewTransport(resource, message string) *Error {
	return &Error{Code: ErrTransport, Message: message, Resource: resource}
}

// Is reports whether err is a *Error with the given code.
func Is(err error, code Code) bool {
	e, ok := err.(*Error)
	return ok && e.Code == code
}
