// ABOUTME: Transport contracts the node runs on, and their websocket bindings.

package node

import (
	"context"

	"github.com/2389/coven-senses/internal/transport"
)

// Conn is a message-oriented connection carrying one frame per envelope.
// Read is called from a single goroutine; Write and Close may be called concurrently.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close(reason string) error
}

// Dialer opens outbound connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Listener yields inbound connections until closed.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// ListenFunc binds a Listener on addr.
type ListenFunc func(ctx context.Context, addr string) (Listener, error)

// WebSocketDialer returns a Dialer over websocket connections.
func WebSocketDialer(opts transport.Options) Dialer {
	return wsDialer{d: &transport.Dialer{Options: opts}}
}

// WebSocketListen returns a ListenFunc serving websocket connections.
func WebSocketListen(opts transport.Options) ListenFunc {
	return func(ctx context.Context, addr string) (Listener, error) {
		l, err := transport.Listen(ctx, addr, opts)
		if err != nil {
			return nil, err
		}
		return wsListener{l: l}, nil
	}
}

type wsDialer struct{ d *transport.Dialer }

func (w wsDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	c, err := w.d.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type wsListener struct{ l *transport.Listener }

func (w wsListener) Accept(ctx context.Context) (Conn, error) {
	c, err := w.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (w wsListener) Addr() string { return w.l.Addr() }
func (w wsListener) Close() error { return w.l.Close() }
