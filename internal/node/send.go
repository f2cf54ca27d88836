// ABOUTME: Outbound operations: send, broadcast and courtesy disconnects.

package node

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-senses/internal/envelope"
)

// Result is one peer's outcome in a broadcast.
type Result struct {
	PeerID    string
	Delivered bool
	Err       error
}

// Send builds a fresh envelope carrying p and delivers it to peerID.
func (n *Node) Send(ctx context.Context, peerID string, p envelope.Payload) error {
	return n.SendEnvelope(ctx, envelope.FromPayload(n.id, peerID, p))
}

// SendEnvelope delivers env to env.Receiver. A live connection is used when
// present; otherwise, or when writing on it fails, the connect policy runs
// and the write is retried once on the new connection. An empty Sender is
// stamped with this node's id on a copy.
//
// Failure is routine: the error wraps ErrAddressNotFound when the peer
// cannot be resolved (no network call is made) or ErrConnection when every
// attempt failed.
func (n *Node) SendEnvelope(ctx context.Context, env *envelope.Envelope) error {
	if env.Receiver == "" {
		return fmt.Errorf("%w: envelope %s has no receiver", ErrAddressNotFound, env.ID)
	}
	if env.Sender == "" {
		env = env.Clone()
		env.Sender = n.id
	}
	done, err := n.track()
	if err != nil {
		return err
	}
	defer done()
	ctx, cancel := n.bind(ctx)
	defer cancel()

	to := env.Receiver
	if c, ok := n.registry.get(to); ok {
		err := n.write(ctx, c, env)
		if err == nil {
			return nil
		}
		n.logger.Warn("write on live connection failed, reconnecting", "peer_id", to, "error", err)
		n.release(c, "write failed")
	}

	c, err := n.connect(ctx, to)
	if err != nil {
		n.logger.Warn("send failed", "peer_id", to, "message_id", env.ID, "error", err)
		return err
	}
	if err := n.write(ctx, c, env); err != nil {
		n.logger.Warn("send failed after connect", "peer_id", to, "message_id", env.ID, "error", err)
		return &ConnectionError{PeerID: to, Err: err}
	}
	return nil
}

// Broadcast sends p to every peer connected when the call starts. Peers that
// connect during the call are not included. It never opens connections.
func (n *Node) Broadcast(ctx context.Context, p envelope.Payload) []Result {
	conns := n.registry.snapshot()
	results := make([]Result, len(conns))

	var g errgroup.Group
	for i, c := range conns {
		results[i].PeerID = c.PeerID
		g.Go(func() error {
			err := n.write(ctx, c, envelope.FromPayload(n.id, c.PeerID, p))
			if err != nil {
				n.logger.Warn("broadcast write failed", "peer_id", c.PeerID, "error", err)
				err = &ConnectionError{PeerID: c.PeerID, Err: err}
			}
			results[i].Delivered = err == nil
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Disconnect sends a courtesy "disconnected" status to peerID, then closes
// the connection. A failed notice does not prevent the close.
func (n *Node) Disconnect(ctx context.Context, peerID string) error {
	c, ok := n.registry.get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, peerID)
	}
	n.sayGoodbye(ctx, c, "client_disconnect")
	n.release(c, "client_disconnect")
	return nil
}

// DisconnectAll disconnects every connected peer.
func (n *Node) DisconnectAll(ctx context.Context) {
	for _, c := range n.registry.snapshot() {
		n.sayGoodbye(ctx, c, "client_disconnect")
		n.release(c, "client_disconnect")
	}
}

func (n *Node) sayGoodbye(ctx context.Context, c *Connection, reason string) {
	c.closing.Store(true)
	notice := envelope.Status(n.id, c.PeerID, envelope.StatusDisconnected, map[string]any{"reason": reason})
	if err := n.write(ctx, c, notice); err != nil {
		n.logger.Debug("disconnect notice not delivered", "peer_id", c.PeerID, "error", err)
	}
}

func (n *Node) write(ctx context.Context, c *Connection, env *envelope.Envelope) error {
	frame, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, n.policy.WriteTimeout)
	defer cancel()

	if err := c.write(wctx, frame); err != nil {
		return err
	}
	n.metrics.envelopeSent(n.id, string(env.Type))
	n.record(ctx, DirectionOut, env)
	return nil
}
