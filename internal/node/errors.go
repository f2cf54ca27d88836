// ABOUTME: Error taxonomy for node operations.
// ABOUTME: Sentinels for errors.Is plus typed errors carrying the peer involved.

package node

import (
	"errors"
	"fmt"

	"github.com/2389/coven-senses/internal/envelope"
)

var (
	// ErrAddressNotFound means the peer has no live connection, learned address or default entry.
	ErrAddressNotFound = errors.New("address not found")

	// ErrConnection means the transport failed to connect, write or read.
	ErrConnection = errors.New("connection failed")

	// ErrProtocol means a frame was malformed or the handshake was violated.
	ErrProtocol = errors.New("protocol violation")

	// ErrHandler means a registered handler failed or panicked.
	ErrHandler = errors.New("handler failed")

	ErrAlreadyStarted = errors.New("node already started")
	ErrNotStarted     = errors.New("node not started")
	ErrStopped        = errors.New("node stopped")

	// ErrNotConnected is returned by Disconnect for a peer with no live connection.
	ErrNotConnected = errors.New("peer not connected")
)

// ConnectionError reports a connect-policy cycle that gave up.
type ConnectionError struct {
	PeerID   string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("connecting to %s: gave up after %d attempt(s): %v", e.PeerID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("connection to %s: %v", e.PeerID, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// ProtocolError reports a malformed frame or a broken handshake on one connection.
type ProtocolError struct {
	PeerID string // empty when the peer never identified itself
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	peer := e.PeerID
	if peer == "" {
		peer = "unidentified peer"
	}
	if e.Err != nil {
		return fmt.Sprintf("protocol violation from %s: %s: %v", peer, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol violation from %s: %s", peer, e.Reason)
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}
	return []error{ErrProtocol, e.Err}
}

// HandlerError reports a handler that returned an error or panicked.
type HandlerError struct {
	Type      envelope.Type
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed on message %s: %v", e.Type, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() []error { return []error{ErrHandler, e.Err} }
