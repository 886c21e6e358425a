package wampio

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed     = errors.New("wampio: session closed")
	ErrNotOpen           = errors.New("wampio: session not open")
	ErrProtocolViolation = errors.New("wampio: protocol violation")
	ErrHandshake         = errors.New("wampio: handshake failed")
	ErrUnknownProtocol   = errors.New("wampio: unknown wire protocol")
	ErrMessageTooLarge   = errors.New("wampio: message too large")
	ErrAuthFailed        = errors.New("wampio: authentication failed")
	ErrRealmAlreadySet   = errors.New("wampio: realm already set")
)

// Error is an application level failure carried by an ERROR message.
// It never closes the session that delivered it.
type Error struct {
	URI     string
	Args    Args
	Details map[string]any
}

func (e *Error) Error() string {
	if len(e.Args.List) > 0 {
		return fmt.Sprintf("%s: %v", e.URI, e.Args.List[0])
	}
	return e.URI
}

// NewError returns an *Error for uri with optional positional arguments
func NewError(uri string, args ...any) *Error {
	return &Error{URI: uri, Args: Args{List: args}}
}

// AbortError is reported through the state callback when the peer aborted
// the handshake, or when this side aborted it.
type AbortError struct {
	Reason  string
	Details map[string]any
}

func (e *AbortError) Error() string {
	if msg, ok := e.Details["message"].(string); ok && msg != "" {
		return "wampio: aborted: " + e.Reason + ": " + msg
	}
	return "wampio: aborted: " + e.Reason
}

func (e *AbortError) Unwrap() error { return ErrHandshake }

// errorURI maps err onto the URI sent to a peer in an ERROR message
func errorURI(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.URI
	}
	switch {
	case errors.Is(err, ErrSessionClosed):
		return URISessionClosed
	case errors.Is(err, ErrAuthFailed):
		return URINotAuthorized
	}
	return URIRuntimeError
}

// errorArgs returns the arguments to send with err in an ERROR message
func errorArgs(err error) Args {
	var we *Error
	if errors.As(err, &we) {
		return we.Args
	}
	return Args{List: []any{err.Error()}}
}
