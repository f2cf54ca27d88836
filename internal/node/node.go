// ABOUTME: Node is the agent runtime: listener, peer connections, handler dispatch and send paths.
// ABOUTME: Lifecycle is New -> Start -> Stop; a node is not restartable.

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-senses/internal/dedupe"
	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/events"
	"github.com/2389/coven-senses/internal/peer"
	"github.com/2389/coven-senses/internal/transport"
)

// Policy bounds connection attempts and network waits.
type Policy struct {
	MaxAttempts      int
	RetryDelay       time.Duration
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// DefaultPolicy returns three attempts two seconds apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		RetryDelay:       2 * time.Second,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RetryDelay < 0 {
		p.RetryDelay = 0
	}
	if p.DialTimeout <= 0 {
		p.DialTimeout = d.DialTimeout
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = d.HandshakeTimeout
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = d.WriteTimeout
	}
	return p
}

// Direction tags ledger entries.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Ledger records envelopes a node sent or dispatched.
type Ledger interface {
	RecordEnvelope(ctx context.Context, nodeID string, dir Direction, env *envelope.Envelope) error
}

// Params configures a Node. ID is required; everything else has a default.
type Params struct {
	ID   string
	Role string // announced as details.agent_type during the handshake
	Host string
	Port int // 0 picks a free port at Start

	// AdvertiseHost is announced to peers so they can dial back. Defaults to
	// Host, or localhost when Host is a wildcard.
	AdvertiseHost string

	Policy Policy

	Directory *peer.Directory
	Dialer    Dialer
	Listen    ListenFunc

	DedupeTTL  time.Duration
	DedupeSize int

	Ledger  Ledger
	Events  *events.Bus
	Metrics *Metrics
	Logger  *slog.Logger

	// Sleep waits between connect attempts. Defaults to a timer honouring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Node is one agent's messaging runtime.
type Node struct {
	id            string
	role          string
	host          string
	port          int
	advertiseHost string

	policy   Policy
	dir      *peer.Directory
	dialer   Dialer
	listen   ListenFunc
	ledger   Ledger
	bus      *events.Bus
	metrics  *Metrics
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	seenTTL  time.Duration
	seenSize int
	seen     *dedupe.Cache
	flight   singleflight.Group
	handlers *handlerRegistry
	registry *registry

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopping bool
	stopped  bool
	listener Listener
	dialing  map[string]int

	wg sync.WaitGroup
}

// New creates a node. It does not touch the network until Start.
func New(p Params) (*Node, error) {
	if p.ID == "" {
		return nil, errors.New("node id is required")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Directory == nil {
		p.Directory = peer.NewDirectory(peer.DefaultTable(), nil, p.Logger)
	}
	if p.Dialer == nil {
		p.Dialer = WebSocketDialer(transport.Options{Logger: p.Logger})
	}
	if p.Listen == nil {
		p.Listen = WebSocketListen(transport.Options{Logger: p.Logger})
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	if p.DedupeTTL <= 0 {
		p.DedupeTTL = 5 * time.Minute
	}
	if p.DedupeSize <= 0 {
		p.DedupeSize = 100_000
	}
	if p.Host == "" {
		p.Host = "localhost"
	}
	if p.AdvertiseHost == "" {
		p.AdvertiseHost = p.Host
		if ip := net.ParseIP(p.Host); ip != nil && ip.IsUnspecified() {
			p.AdvertiseHost = "localhost"
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:            p.ID,
		role:          p.Role,
		host:          p.Host,
		port:          p.Port,
		advertiseHost: p.AdvertiseHost,
		policy:        p.Policy.withDefaults(),
		dir:           p.Directory,
		dialer:        p.Dialer,
		listen:        p.Listen,
		ledger:        p.Ledger,
		bus:           p.Events,
		metrics:       p.Metrics,
		logger:        p.Logger.With("component", "node", "agent_id", p.ID),
		sleep:         p.Sleep,
		seenTTL:       p.DedupeTTL,
		seenSize:      p.DedupeSize,
		handlers:      newHandlerRegistry(),
		registry:      newRegistry(),
		ctx:           ctx,
		cancel:        cancel,
		dialing:       make(map[string]int),
	}
	return n, nil
}

// ID returns the node's agent id.
func (n *Node) ID() string { return n.id }

// Role returns the agent type announced in handshakes.
func (n *Node) Role() string { return n.role }

// Addr returns the bound listen address, or "" before Start.
func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr()
}

// Port returns the bound port once started, else the configured one.
func (n *Node) Port() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.port
}

// Start binds the listener, installs built-in handlers not already
// registered and begins accepting peers.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return ErrAlreadyStarted
	}

	n.registerBuiltins()

	addr := net.JoinHostPort(n.host, strconv.Itoa(n.port))
	l, err := n.listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("starting %s: %w", n.id, err)
	}
	n.listener = l
	n.seen = dedupe.New(n.seenTTL, n.seenSize)
	if _, portStr, err := net.SplitHostPort(l.Addr()); err == nil {
		if port, err := strconv.Atoi(portStr); err == nil {
			n.port = port
		}
	}
	n.started = true

	n.wg.Add(1)
	go n.acceptLoop(l)

	n.logger.Info("node started", "addr", l.Addr(), "role", n.role)
	n.bus.Publish(events.Event{Kind: events.NodeStarted, NodeID: n.id})
	return nil
}

// Stop says goodbye to connected peers, closes the listener and every
// connection, and waits for receive loops and in-flight handlers to finish.
// Handlers see their ctx cancelled. Queued envelopes are not dispatched.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return ErrNotStarted
	}
	if n.stopping {
		n.mu.Unlock()
		return nil
	}
	n.stopping = true
	listener := n.listener
	n.mu.Unlock()

	n.logger.Info("node stopping")

	conns := n.registry.snapshot()
	for _, c := range conns {
		n.sayGoodbye(ctx, c, "node_stopping")
	}

	n.cancel()
	if err := listener.Close(); err != nil {
		n.logger.Debug("listener close", "error", err)
	}
	for _, c := range conns {
		n.release(c, "node stopping")
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("stopping %s: %w", n.id, ctx.Err())
	}

	n.seen.Close()
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()

	n.logger.Info("node stopped")
	n.bus.Publish(events.Event{Kind: events.NodeStopped, NodeID: n.id})
	return err
}

// Running reports whether the node has started and not begun stopping.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started && !n.stopping
}

func (n *Node) isStopping() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopping
}

// goTracked runs fn in a goroutine counted by Stop, unless stopping has begun.
func (n *Node) goTracked(fn func()) bool {
	n.mu.Lock()
	if n.stopping {
		n.mu.Unlock()
		return false
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}

func (n *Node) acceptLoop(l Listener) {
	defer n.wg.Done()

	for {
		conn, err := l.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() == nil {
				n.logger.Error("accept loop ended", "error", err)
			}
			return
		}
		if !n.goTracked(func() { n.handleInbound(conn) }) {
			_ = conn.Close("node stopping")
			return
		}
	}
}

// ConnectedAgents returns the ids of peers with a live connection, sorted.
func (n *Node) ConnectedAgents() []string {
	return n.registry.ids()
}

// IsConnectedTo reports whether a live connection to id exists.
func (n *Node) IsConnectedTo(id string) bool {
	_, ok := n.registry.get(id)
	return ok
}

// PeerState returns the state of id as seen by this node.
func (n *Node) PeerState(id string) State {
	if c, ok := n.registry.get(id); ok {
		return c.State()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dialing[id] > 0 {
		return StateConnecting
	}
	return StateDisconnected
}

// Connections returns the live connections ordered by peer id.
func (n *Node) Connections() []*Connection {
	return n.registry.snapshot()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
