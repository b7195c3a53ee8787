// Package taxonomy implements the error taxonomy from spec.md §7 as typed,
// wrappable error values rather than string-matched messages, so callers at
// any layer (REST, Mux, State) can errors.As to the Kind and decide how to
// surface it without re-deriving meaning from a message string.
package taxonomy

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds named in spec.md §7.
type Kind string

const (
	// KindBackendUnavailable: a PTY Host failed to start or disappeared
	// before handshake. Surfaced to the REST caller; the session never
	// enters the registry.
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindSessionNotFound: operation references an unknown id.
	KindSessionNotFound Kind = "session_not_found"
	// KindSessionNotRunning: operation on a session whose PTY has exited.
	KindSessionNotRunning Kind = "session_not_running"
	// KindProtocolViolation: a malformed frame on any socket.
	KindProtocolViolation Kind = "protocol_violation"
	// KindOverflow: a client outbound queue is full.
	KindOverflow Kind = "overflow"
	// KindScrollbackDropped: scrollback shed frames a client had not yet seen.
	KindScrollbackDropped Kind = "scrollback_dropped"
	// KindHostStreamError: read/write failure on the IPC stream.
	KindHostStreamError Kind = "host_stream_error"
	// KindInvalidArgument: e.g. cols/rows out of range, name too long.
	KindInvalidArgument Kind = "invalid_argument"
)

// Error wraps an underlying cause with a taxonomy Kind.
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

// New constructs a taxonomy Error with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs a taxonomy Error wrapping err.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or "" if err does not carry one.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
