// Package errors defines the router's error taxonomy.
//
// Every error that crosses a component boundary in this codebase is wrapped
// as a *RouterError with a Kind so callers can apply the policy in §7 of
// SPEC_FULL.md without re-deriving it from the error string: decline the
// offending subscription, or tear the whole session down.
package errors

import "fmt"

// Kind classifies an error by the handling policy it requires.
type Kind int

const (
	// KindParse covers malformed DDP, malformed EJSON, and unsupported
	// query operators. Local to the offending subscription; declines
	// offload and falls back to forwarding.
	KindParse Kind = iota
	// KindUpstreamDecline covers a failed or timed out __subscription__*
	// RPC, or one answered with a method error. Declines offload silently.
	// A malformed result payload is reported as KindParse.
	KindUpstreamDecline
	// KindSourceFailure covers change-stream resume-token expiry or a
	// MongoDB connection loss mid-stream. Fatal for the session.
	KindSourceFailure
	// KindSocket covers a client or upstream socket read/write error.
	// Fatal for the session.
	KindSocket
	// KindInvariant covers a mergebox invariant violation (e.g. changed
	// without a prior added). Programmer error; aborts the session and
	// must be surfaced to the operator.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindUpstreamDecline:
		return "upstream_decline"
	case KindSourceFailure:
		return "source_failure"
	case KindSocket:
		return "socket"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// RouterError is the standard error type threaded through the router.
type RouterError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *RouterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RouterError) Unwrap() error { return e.Err }

// Fatal reports whether the error's kind requires tearing down the whole
// session, as opposed to declining a single subscription.
func (e *RouterError) Fatal() bool {
	switch e.Kind {
	case KindSourceFailure, KindSocket, KindInvariant:
		return true
	default:
		return false
	}
}

// New wraps err under kind with a human-readable message.
func New(kind Kind, message string, err error) *RouterError {
	return &RouterError{Kind: kind, Message: message, Err: err}
}

// Parse builds a KindParse error.
func Parse(message string, err error) *RouterError {
	return New(KindParse, message, err)
}

// UpstreamDecline builds a KindUpstreamDecline error.
func UpstreamDecline(message string, err error) *RouterError {
	return New(KindUpstreamDecline, message, err)
}

// SourceFailure builds a KindSourceFailure error.
func SourceFailure(message string, err error) *RouterError {
	return New(KindSourceFailure, message, err)
}

// Socket builds a KindSocket error.
func Socket(message string, err error) *RouterError {
	return New(KindSocket, message, err)
}

// Invariant builds a KindInvariant error.
func Invariant(message string) *RouterError {
	return New(KindInvariant, message, nil)
}

// IsFatal reports whether err (if a *RouterError) requires session teardown.
// A non-RouterError is treated as fatal, matching the conservative default
// used by the session supervisor for unexpected errors.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var re *RouterError
	if e, ok := err.(*RouterError); ok {
		re = e
	}
	if re == nil {
		return true
	}
	return re.Fatal()
}
