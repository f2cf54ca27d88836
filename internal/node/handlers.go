// ABOUTME: Handler registry keyed by message type, and the built-in text/command/status handlers.
// ABOUTME: Registration is last-write-wins; dispatch looks the handler up at call time.

package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/coven-senses/internal/envelope"
)

// Handler processes one dispatched envelope. ctx is cancelled when the node stops.
// A handler may call Send or Broadcast on its node.
type Handler func(ctx context.Context, env *envelope.Envelope) error

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[envelope.Type]Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: make(map[envelope.Type]Handler)}
}

func (r *handlerRegistry) set(typ envelope.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typ] = h
}

// setDefault registers h only when typ has no handler yet.
func (r *handlerRegistry) setDefault(typ envelope.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[typ]; !ok {
		r.handlers[typ] = h
	}
}

func (r *handlerRegistry) lookup(typ envelope.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// RegisterHandler routes future envelopes of typ to h, replacing any previous
// handler. Dispatches already running keep their handler.
func (n *Node) RegisterHandler(typ envelope.Type, h Handler) {
	n.handlers.set(typ, h)
}

func (n *Node) registerBuiltins() {
	n.handlers.setDefault(envelope.TypeText, n.handleText)
	n.handlers.setDefault(envelope.TypeCommand, n.handleCommand)
	n.handlers.setDefault(envelope.TypeStatus, n.handleStatus)
}

func (n *Node) handleText(_ context.Context, env *envelope.Envelope) error {
	n.logger.Info("text received", "from", env.Sender, "text", env.Text())
	return nil
}

func (n *Node) handleCommand(_ context.Context, env *envelope.Envelope) error {
	n.logger.Info("command received", "from", env.Sender, "command", env.String("command"))
	return nil
}

func (n *Node) handleStatus(_ context.Context, env *envelope.Envelope) error {
	switch env.Status() {
	case envelope.StatusConnected:
		n.logger.Info("peer announced itself", "peer_id", env.Sender, "agent_type", env.Details()["agent_type"])
	case envelope.StatusAccepted:
		n.logger.Info("connection accepted", "peer_id", env.Sender)
	case envelope.StatusDisconnected:
		n.logger.Info("peer disconnecting", "peer_id", env.Sender, "reason", env.Details()["reason"])
		n.forget(env.Sender)
	default:
		n.logger.Debug("status received", "peer_id", env.Sender, "status", env.Status())
	}
	return nil
}

// runHandler calls h, converting a panic into an error.
func runHandler(ctx context.Context, h Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, env)
}
