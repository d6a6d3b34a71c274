package jmap

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Callers match with errors.Is.
var (
	// ErrTransport covers connection loss and send failures. The
	// connection supervisor reconnects after its delay floor; in-flight
	// callers see this error.
	ErrTransport = errors.New("jmap: transport error")

	// ErrProtocol covers unexpected response shapes: empty envelopes,
	// responses that decode to the wrong method, server "error" method
	// responses. It fails the specific waiter without dropping the
	// connection.
	ErrProtocol = errors.New("jmap: protocol error")

	// ErrNotFound is returned when a requested object is absent both
	// locally and on the server.
	ErrNotFound = errors.New("jmap: not found")

	// ErrBadRequest is returned for invalid caller input.
	ErrBadRequest = errors.New("jmap: bad request")
)

// ConnectErrorKind classifies why establishing a session failed.
type ConnectErrorKind int

const (
	ConnectAuthFailed ConnectErrorKind = iota
	ConnectTransport
	ConnectServerRejected
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectAuthFailed:
		return "auth failed"
	case ConnectServerRejected:
		return "server rejected"
	default:
		return "transport"
	}
}

// ConnectError is published on the client state when a connection attempt
// fails. AuthFailed stays user-visible there until a later attempt succeeds.
type ConnectError struct {
	Kind   ConnectErrorKind
	Reason string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jmap connect (%s): %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("jmap connect (%s): %s", e.Kind, e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// MethodError is a JMAP method-level error response ("error" in place of the
// invoked method). It wraps ErrProtocol so generic callers can classify it.
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (e *MethodError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("jmap method error %s: %s", e.Type, e.Description)
	}
	return fmt.Sprintf("jmap method error %s", e.Type)
}

func (e *MethodError) Unwrap() error { return ErrProtocol }

// SetError is a per-object failure inside an Email/set response.
type SetError struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (e *SetError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("jmap set error %s: %s", e.Type, e.Description)
	}
	return fmt.Sprintf("jmap set error %s", e.Type)
}
