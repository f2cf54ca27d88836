// ABOUTME: One live peer connection: its state, owner context and ordered dispatch queue.

package node

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/coven-senses/internal/envelope"
)

const dispatchQueueSize = 64

// State is the lifecycle of a peer as seen by one node.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Connection is a handshaken connection to one peer.
type Connection struct {
	PeerID      string
	Role        string // agent_type the peer announced, when known
	Outbound    bool
	Addr        string
	ConnectedAt time.Time

	conn   Conn
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	// closing is set before a local close so the receive loop does not
	// treat it as a drop; goodbye is set when the peer announced it is leaving
	closing atomic.Bool
	goodbye atomic.Bool

	queue  chan *envelope.Envelope
	logger *slog.Logger
}

func newConnection(parent context.Context, peerID, role string, outbound bool, addr string, conn Conn, logger *slog.Logger) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		PeerID:      peerID,
		Role:        role,
		Outbound:    outbound,
		Addr:        addr,
		ConnectedAt: time.Now(),
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan *envelope.Envelope, dispatchQueueSize),
		logger:      logger.With("peer_id", peerID, "outbound", outbound),
	}
	c.state.Store(int32(StateConnected))
	return c
}

// State returns the connection's current state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) write(ctx context.Context, frame []byte) error {
	return c.conn.Write(ctx, frame)
}

// close marks the connection as closed locally and releases it.
func (c *Connection) close(reason string) {
	c.closing.Store(true)
	c.state.Store(int32(StateDisconnected))
	if err := c.conn.Close(reason); err != nil {
		c.logger.Debug("close returned error", "reason", reason, "error", err)
	}
	c.cancel()
}

func (c *Connection) closedLocally() bool {
	return c.closing.Load()
}
