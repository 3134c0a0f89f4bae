// Package circuiterr defines the typed error kinds surfaced by the circuit
// engine (spec §7), so callers can classify failures with errors.Is/As
// instead of string matching.
package circuiterr

import "fmt"

// Kind classifies an engine-level failure.
type Kind string

const (
	KindSignalingUnavailable Kind = "SignalingUnavailable"
	KindNotConnected         Kind = "NotConnected"
	KindUnwrapFailed         Kind = "UnwrapFailed"
	KindAuthTagInvalid       Kind = "AuthTagInvalid"
	KindHopEstablishFailed   Kind = "HopEstablishFailed"
	KindInsufficientPeers    Kind = "InsufficientPeers"
	KindCircuitNotReady      Kind = "CircuitNotReady"
	KindCircuitClosed        Kind = "CircuitClosed"
	KindTimeout              Kind = "Timeout"
)

// Error is the concrete error type carrying a Kind, an optional scope
// (e.g. which bounded wait timed out), and an optional wrapped cause.
type Error struct {
	Kind  Kind
	Scope string
	Err   error
}

func (e *Error) Error() string {
	if e.Scope != "" && e.Err != nil {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Scope, e.Err)
	}
	if e.Scope != "" {
		return fmt.Sprintf("%s[%s]", e.Kind, e.Scope)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is implements errors.Is-compatible matching by Kind only — callers write
// errors.Is(err, circuiterr.New(circuiterr.KindCircuitClosed)) (or one of
// the sentinels below) without needing to know the scope/cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a bare error of the given kind.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap constructs an error of the given kind wrapping cause.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Timeout constructs a Timeout{scope} error (spec §7).
func Timeout(scope string) *Error {
	return &Error{Kind: KindTimeout, Scope: scope}
}

// TimeoutWrap constructs a Timeout{scope} error wrapping cause (e.g. a
// context.DeadlineExceeded).
func TimeoutWrap(scope string, cause error) *Error {
	return &Error{Kind: KindTimeout, Scope: scope, Err: cause}
}

// Sentinels for errors.Is comparisons that don't need a cause or scope.
var (
	ErrSignalingUnavailable = New(KindSignalingUnavailable)
	ErrNotConnected         = New(KindNotConnected)
	ErrUnwrapFailed         = New(KindUnwrapFailed)
	ErrAuthTagInvalid       = New(KindAuthTagInvalid)
	ErrHopEstablishFailed   = New(KindHopEstablishFailed)
	ErrInsufficientPeers    = New(KindInsufficientPeers)
	ErrCircuitNotReady      = New(KindCircuitNotReady)
	ErrCircuitClosed        = New(KindCircuitClosed)
)
