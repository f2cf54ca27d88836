// Package node is the messaging runtime every agent is built on.
//
// # Overview
//
// A Node listens for peers, opens connections to them on demand, and
// dispatches each received envelope to the handler registered for its type:
//
//	n, _ := node.New(node.Params{ID: "brain", Role: "brain", Port: 8010})
//	n.RegisterHandler(envelope.TypeText, func(ctx context.Context, env *envelope.Envelope) error {
//	    return n.Send(ctx, "mouth", envelope.Payload{Type: envelope.TypeText, Content: env.Content})
//	})
//	_ = n.Start(ctx)
//	defer n.Stop(ctx)
//
// # Handshake
//
// A connection is usable only after the dialer sends a status envelope with
// status "connected" (details carry agent_type, host and port) and the
// acceptor answers "accepted". An inbound connection whose first frame is
// anything else is closed and never registered.
//
// # Connect Policy
//
// Send uses a live connection when one exists. Otherwise it runs the connect
// policy: up to Policy.MaxAttempts dial+handshake attempts, Policy.RetryDelay
// apart, then gives up with a *ConnectionError. Peers that cannot be resolved
// fail with ErrAddressNotFound before any network call.
//
// # Drops
//
// When a receive fails the peer is removed from the registry and one
// reconnect attempt is made, unless the peer said goodbye, the connection was
// closed locally or the node is stopping.
//
// # Dispatch
//
// Each connection has one dispatch worker, so envelopes from a peer are
// handled in arrival order. Different peers are handled concurrently.
// Duplicate message ids, unknown types and handler errors are logged and
// dropped without affecting the connection.
package node
