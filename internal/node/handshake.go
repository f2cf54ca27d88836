// ABOUTME: Connection handshake: "connected" announcement from the dialer, "accepted" reply from the acceptor.
// ABOUTME: A connection is registered only after the handshake completes.

package node

import (
	"context"
	"fmt"
	"strconv"

	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/peer"
)

// announcement is what this node tells a peer about itself when dialing.
func (n *Node) announcement(to string) *envelope.Envelope {
	return envelope.Status(n.id, to, envelope.StatusConnected, map[string]any{
		"agent_type": n.role,
		"host":       n.advertiseHost,
		"port":       n.Port(),
	})
}

// readFrame reads and decodes one frame within the handshake timeout.
func (n *Node) readFrame(ctx context.Context, conn Conn) (*envelope.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, n.policy.HandshakeTimeout)
	defer cancel()

	data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return envelope.Decode(data)
}

func (n *Node) writeFrame(ctx context.Context, conn Conn, env *envelope.Envelope) error {
	frame, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.policy.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, frame)
}

// handleInbound runs the acceptor side of the handshake. Anything other than
// a well-formed "connected" status as the first frame closes the connection.
func (n *Node) handleInbound(conn Conn) {
	hello, err := n.readFrame(n.ctx, conn)
	if err != nil {
		n.rejectInbound(conn, &ProtocolError{Reason: "reading announcement", Err: err})
		return
	}
	if !hello.IsStatus(envelope.StatusConnected) {
		n.rejectInbound(conn, &ProtocolError{
			PeerID: hello.Sender,
			Reason: fmt.Sprintf("first frame was %s/%q, want status/connected", hello.Type, hello.Status()),
		})
		return
	}
	if hello.Receiver != n.id {
		n.rejectInbound(conn, &ProtocolError{
			PeerID: hello.Sender,
			Reason: fmt.Sprintf("announcement addressed to %q", hello.Receiver),
		})
		return
	}

	peerID := hello.Sender
	details := hello.Details()
	role, _ := details["agent_type"].(string)

	if host, _ := details["host"].(string); host != "" {
		if port, ok := intValue(details["port"]); ok {
			n.dir.Learn(n.ctx, peer.Record{AgentID: peerID, Role: role, Host: host, Port: port})
		}
	}

	reply := envelope.Status(n.id, peerID, envelope.StatusAccepted, map[string]any{"agent_type": n.role})
	if err := n.writeFrame(n.ctx, conn, reply); err != nil {
		n.logger.Warn("failed to accept peer", "peer_id", peerID, "error", err)
		_ = conn.Close("handshake failed")
		return
	}
	n.metrics.envelopeSent(n.id, string(reply.Type))
	n.record(n.ctx, DirectionOut, reply)

	c := newConnection(n.ctx, peerID, role, false, "", conn, n.logger)

	// the announcement is dispatched like any other status envelope, ahead of
	// anything the receive loop reads
	n.seen.Seen(hello.ID)
	n.metrics.envelopeReceived(n.id, string(hello.Type))
	c.queue <- hello

	_ = n.adopt(c)
}

func (n *Node) rejectInbound(conn Conn, perr *ProtocolError) {
	n.logger.Warn("rejecting inbound connection", "error", perr)
	n.metrics.envelopeDropped(n.id, dropProtocol)
	_ = conn.Close("handshake required")
}

// dialOnce opens one connection to rec and completes the handshake.
func (n *Node) dialOnce(ctx context.Context, rec peer.Record) (*Connection, error) {
	dctx, cancel := context.WithTimeout(ctx, n.policy.DialTimeout)
	conn, err := n.dialer.Dial(dctx, rec.Addr())
	cancel()
	if err != nil {
		return nil, err
	}

	hello := n.announcement(rec.AgentID)
	if err := n.writeFrame(ctx, conn, hello); err != nil {
		_ = conn.Close("handshake failed")
		return nil, fmt.Errorf("sending announcement: %w", err)
	}
	n.metrics.envelopeSent(n.id, string(hello.Type))
	n.record(ctx, DirectionOut, hello)

	reply, err := n.readFrame(ctx, conn)
	if err != nil {
		_ = conn.Close("handshake failed")
		return nil, &ProtocolError{PeerID: rec.AgentID, Reason: "awaiting acceptance", Err: err}
	}
	if !reply.IsStatus(envelope.StatusAccepted) {
		_ = conn.Close("handshake failed")
		return nil, &ProtocolError{PeerID: rec.AgentID, Reason: fmt.Sprintf("expected accepted status, got %s/%q", reply.Type, reply.Status())}
	}
	if reply.Sender != rec.AgentID {
		_ = conn.Close("wrong peer")
		return nil, &ProtocolError{PeerID: rec.AgentID, Reason: fmt.Sprintf("accepted by %q", reply.Sender)}
	}

	n.dir.Learn(ctx, rec)

	role, _ := reply.Details()["agent_type"].(string)
	if role == "" {
		role = rec.Role
	}
	c := newConnection(n.ctx, rec.AgentID, role, true, rec.Addr(), conn, n.logger)
	if err := n.adopt(c); err != nil {
		return nil, err
	}
	return c, nil
}

// intValue accepts the numeric shapes a decoded JSON port can take.
func intValue(v any) (int, bool) {
	switch p := v.(type) {
	case int:
		return p, true
	case int64:
		return int(p), true
	case float64:
		return int(p), p == float64(int(p))
	case string:
		i, err := strconv.Atoi(p)
		return i, err == nil
	default:
		return 0, false
	}
}
