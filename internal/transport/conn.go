// ABOUTME: Message-oriented peer connection over a websocket, one envelope per frame.
// ABOUTME: Runs a ping keepalive and tears the socket down when a pong is missed.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Default keepalive and frame limits.
const (
	DefaultReadLimit    = 16 << 20
	DefaultPingInterval = 20 * time.Second
	DefaultPingTimeout  = 10 * time.Second
)

// ErrClosed is returned by operations on a closed listener.
var ErrClosed = errors.New("transport closed")

// Options tune connections created by a Listener or Dialer.
type Options struct {
	ReadLimit    int64
	PingInterval time.Duration // zero disables keepalive
	PingTimeout  time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn is one websocket connection. Read must only be called from a single
// goroutine; Write and Close are safe for concurrent use.
type Conn struct {
	ws     *websocket.Conn
	remote string
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, remote string, opts Options) *Conn {
	ws.SetReadLimit(opts.ReadLimit)
	c := &Conn{
		ws:     ws,
		remote: remote,
		logger: opts.Logger.With("component", "transport", "remote", remote),
		done:   make(chan struct{}),
	}
	if opts.PingInterval > 0 {
		go c.keepalive(opts.PingInterval, opts.PingTimeout)
	}
	return c
}

// Read blocks for the next frame. Cancelling ctx closes the connection.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write sends data as a single text frame.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close performs a normal close handshake carrying reason. Later calls are no-ops.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// RemoteAddr returns the peer's network address as seen by this side.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseReason returns the reason a peer gave when closing, or "" when err
// is not a close frame.
func CloseReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}

func (c *Conn) keepalive(every, timeout time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				select {
				case <-c.done:
				default:
					c.logger.Debug("keepalive failed, dropping connection", "error", err)
					_ = c.ws.CloseNow()
				}
				return
			}
		}
	}
}
