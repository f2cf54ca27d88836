// ABOUTME: Per-connection supervision: receive loop, ordered dispatch worker and drop handling.
// ABOUTME: A drop removes the peer and triggers a single reconnect attempt when the owner is still current.

package node

import (
	"context"
	"errors"

	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/events"
)

// adopt registers c, replacing any previous connection to the same peer, and
// starts its receive loop and dispatch worker.
func (n *Node) adopt(c *Connection) error {
	n.mu.Lock()
	if n.stopping {
		n.mu.Unlock()
		c.close("node stopping")
		return ErrStopped
	}
	old := n.registry.put(c)
	n.wg.Add(2)
	n.mu.Unlock()

	if old != nil {
		old.logger.Info("replacing connection")
		old.close("replaced")
	}

	go n.receiveLoop(c)
	go n.dispatchLoop(c)

	n.metrics.setActive(n.id, n.registry.len())
	n.logger.Info("peer connected", "peer_id", c.PeerID, "role", c.Role, "outbound", c.Outbound, "peers", n.registry.len())
	n.bus.Publish(events.Event{Kind: events.PeerConnected, NodeID: n.id, PeerID: c.PeerID})
	return nil
}

func (n *Node) receiveLoop(c *Connection) {
	defer n.wg.Done()
	defer close(c.queue)

	for {
		data, err := c.conn.Read(c.ctx)
		if err != nil {
			n.handleDrop(c, err)
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			perr := &ProtocolError{PeerID: c.PeerID, Reason: "decoding frame", Err: err}
			n.logger.Warn("closing connection on bad frame", "peer_id", c.PeerID, "error", perr)
			n.metrics.envelopeDropped(n.id, dropProtocol)
			n.release(c, "protocol error")
			return
		}
		n.metrics.envelopeReceived(n.id, string(env.Type))

		if n.seen.Seen(env.ID) {
			n.logger.Debug("dropping duplicate envelope", "peer_id", c.PeerID, "message_id", env.ID)
			n.metrics.envelopeDropped(n.id, dropDuplicate)
			continue
		}

		// recorded here, not in the handler, so a drop right after the notice
		// is not mistaken for a failure
		if env.IsStatus(envelope.StatusDisconnected) {
			c.goodbye.Store(true)
		}

		select {
		case c.queue <- env:
		case <-c.ctx.Done():
			n.handleDrop(c, c.ctx.Err())
			return
		}
	}
}

// dispatchLoop handles a connection's envelopes one at a time, in arrival order.
func (n *Node) dispatchLoop(c *Connection) {
	defer n.wg.Done()

	for env := range c.queue {
		if n.isStopping() {
			n.metrics.envelopeDropped(n.id, dropStopping)
			continue
		}
		n.dispatch(n.ctx, env)
	}
}

func (n *Node) dispatch(ctx context.Context, env *envelope.Envelope) {
	h, ok := n.handlers.lookup(env.Type)
	if !ok {
		n.logger.Warn("no handler for message type", "type", env.Type, "from", env.Sender, "message_id", env.ID)
		n.metrics.envelopeDropped(n.id, dropUnhandled)
		return
	}

	n.record(ctx, DirectionIn, env)

	if err := runHandler(ctx, h, env); err != nil {
		herr := &HandlerError{Type: env.Type, MessageID: env.ID, Err: err}
		n.logger.Error("handler failed", "from", env.Sender, "error", herr)
		n.metrics.envelopeDropped(n.id, dropHandler)
		n.bus.Publish(events.Event{Kind: events.HandlerFailed, NodeID: n.id, PeerID: env.Sender, Envelope: env, Err: herr})
		return
	}
	n.bus.Publish(events.Event{Kind: events.Dispatched, NodeID: n.id, PeerID: env.Sender, Envelope: env})
}

// handleDrop runs when a receive fails. Only the registry's current owner
// reacts; replaced or locally closed connections just exit.
func (n *Node) handleDrop(c *Connection, err error) {
	c.state.Store(int32(StateDisconnected))
	if c.closedLocally() {
		return
	}
	c.closing.Store(true)
	c.cancel()
	_ = c.conn.Close("receive failed")

	if !n.registry.removeIf(c.PeerID, c) {
		return
	}
	n.peerGone(c, err)

	if c.goodbye.Load() || n.isStopping() {
		return
	}
	n.reconnect(c.PeerID)
}

// reconnect makes exactly one dial and handshake attempt. On failure the peer
// stays absent until a send runs the connect policy.
func (n *Node) reconnect(peerID string) {
	if n.IsConnectedTo(peerID) {
		return
	}
	rec, ok := n.dir.Lookup(peerID)
	if !ok || !rec.Addressable() {
		n.logger.Debug("no address to reconnect", "peer_id", peerID)
		return
	}

	n.beginDial(peerID)
	_, err := n.dialOnce(n.ctx, rec)
	n.endDial(peerID)

	n.metrics.connectAttempt(n.id, peerID, err)
	if err != nil {
		n.logger.Warn("reconnect failed", "peer_id", peerID, "addr", rec.Addr(), "error", err)
		return
	}
	n.logger.Info("reconnected", "peer_id", peerID)
}

// release closes c locally and removes it from the registry if it is still the owner.
func (n *Node) release(c *Connection, reason string) {
	c.closing.Store(true)
	if n.registry.removeIf(c.PeerID, c) {
		n.peerGone(c, nil)
	}
	c.close(reason)
}

// forget drops the connection to a peer that announced it is disconnecting.
func (n *Node) forget(peerID string) {
	c, ok := n.registry.get(peerID)
	if !ok || !c.goodbye.Load() {
		return
	}
	n.release(c, "peer disconnected")
}

func (n *Node) peerGone(c *Connection, cause error) {
	n.metrics.setActive(n.id, n.registry.len())
	attrs := []any{"peer_id", c.PeerID, "peers", n.registry.len()}
	if cause != nil && !errors.Is(cause, context.Canceled) {
		attrs = append(attrs, "cause", cause)
	}
	n.logger.Info("peer disconnected", attrs...)
	n.bus.Publish(events.Event{Kind: events.PeerDisconnected, NodeID: n.id, PeerID: c.PeerID})
}

func (n *Node) record(ctx context.Context, dir Direction, env *envelope.Envelope) {
	if n.ledger == nil {
		return
	}
	if err := n.ledger.RecordEnvelope(context.WithoutCancel(ctx), n.id, dir, env); err != nil {
		n.logger.Warn("failed to record envelope", "message_id", env.ID, "direction", dir, "error", err)
	}
}

func (n *Node) beginDial(peerID string) {
	n.mu.Lock()
	n.dialing[peerID]++
	n.mu.Unlock()
}

func (n *Node) endDial(peerID string) {
	n.mu.Lock()
	if n.dialing[peerID]--; n.dialing[peerID] <= 0 {
		delete(n.dialing, peerID)
	}
	n.mu.Unlock()
}
