// ABOUTME: Websocket listener and dialer for peer connections.
// ABOUTME: The listener upgrades HTTP requests and hands each connection to Accept.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Listener accepts websocket connections on a TCP address.
type Listener struct {
	srv    *http.Server
	ln     net.Listener
	conns  chan *Conn
	opts   Options
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Listen binds addr and starts serving upgrades. Port 0 picks a free port;
// see Addr.
func Listen(ctx context.Context, addr string, opts Options) (*Listener, error) {
	opts = opts.withDefaults()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	l := &Listener{
		ln:     ln,
		conns:  make(chan *Conn),
		opts:   opts,
		logger: opts.Logger.With("component", "transport", "addr", ln.Addr().String()),
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("listener stopped", "error", err)
		}
	}()

	return l, nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		l.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws, r.RemoteAddr, l.opts)
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close("listener closed")
		return
	}

	// hold the handler until the owner is done with the connection
	select {
	case <-c.done:
	case <-l.done:
	}
}

// Accept waits for the next inbound connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting. Connections already handed out stay open.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

// Dialer opens outbound websocket connections.
type Dialer struct {
	Options Options
}

// Dial connects to ws://addr/.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	opts := d.Options.withDefaults()
	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return newConn(ws, addr, opts), nil
}
