// ABOUTME: Persisted record types for learned peers and the envelope ledger.

package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// LedgerEntry is one envelope a node sent or dispatched.
type LedgerEntry struct {
	Seq         int64
	NodeID      string
	Direction   string // "in" or "out"
	PeerID      string // receiver for "out", sender for "in"
	MessageID   string
	MessageType string
	Body        string // wire frame
	CreatedAt   time.Time
}
