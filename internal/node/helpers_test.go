// ABOUTME: Test fixtures: node construction on the in-memory network, fake sleep and event waiting.

package node

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/events"
	"github.com/2389/coven-senses/internal/peer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testTable places every test peer on host "mem".
func testTable() []peer.Record {
	return []peer.Record{
		{AgentID: "x", Role: "brain", Host: "mem", Port: 1001},
		{AgentID: "y", Role: "audio_output", Host: "mem", Port: 1002},
		{AgentID: "a", Role: "vision", Host: "mem", Port: 1003},
		{AgentID: "b", Role: "audio_input", Host: "mem", Port: 1004},
		{AgentID: "unreachable", Host: "mem", Port: 1999},
	}
}

type fakeSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (f *fakeSleep) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeSleep) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}

type fixture struct {
	t     *testing.T
	net   *memNet
	bus   *events.Bus
	sleep *fakeSleep
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewBus(testLogger())
	t.Cleanup(bus.Close)
	return &fixture{t: t, net: newMemNet(), bus: bus, sleep: &fakeSleep{}}
}

// newNode builds a node on the fixture network without starting it.
func (f *fixture) newNode(id string, mutate ...func(*Params)) *Node {
	f.t.Helper()

	port := 0
	role := ""
	for _, rec := range testTable() {
		if rec.AgentID == id {
			port, role = rec.Port, rec.Role
		}
	}

	p := Params{
		ID:        id,
		Role:      role,
		Host:      "mem",
		Port:      port,
		Directory: peer.NewDirectory(testTable(), nil, testLogger()),
		Dialer:    f.net,
		Listen:    f.net.Listen,
		Events:    f.bus,
		Logger:    testLogger(),
		Sleep:     f.sleep.Sleep,
		Policy: Policy{
			MaxAttempts:      3,
			RetryDelay:       2 * time.Second,
			HandshakeTimeout: time.Second,
			WriteTimeout:     time.Second,
		},
	}
	for _, m := range mutate {
		m(&p)
	}

	n, err := New(p)
	require.NoError(f.t, err)
	return n
}

// startNode builds and starts a node, stopping it at cleanup.
func (f *fixture) startNode(id string, mutate ...func(*Params)) *Node {
	f.t.Helper()
	n := f.newNode(id, mutate...)
	require.NoError(f.t, n.Start(context.Background()))
	f.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Stop(ctx)
	})
	return n
}

// subscribe returns the event stream of nodeID for the rest of the test.
func (f *fixture) subscribe(nodeID string) <-chan events.Event {
	ctx, cancel := context.WithCancel(context.Background())
	f.t.Cleanup(cancel)
	ch, _ := f.bus.Subscribe(ctx, nodeID)
	return ch
}

func waitEvent(t *testing.T, ch <-chan events.Event, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return events.Event{}
		}
	}
}

func kind(k events.Kind, peerID string) func(events.Event) bool {
	return func(ev events.Event) bool { return ev.Kind == k && ev.PeerID == peerID }
}

// recorder is a handler that captures what it receives.
type recorder struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
	got  chan *envelope.Envelope
}

func newRecorder() *recorder {
	return &recorder{got: make(chan *envelope.Envelope, 256)}
}

func (r *recorder) Handle(_ context.Context, env *envelope.Envelope) error {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
	r.got <- env
	return nil
}

func (r *recorder) next(t *testing.T) *envelope.Envelope {
	t.Helper()
	select {
	case env := <-r.got:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handler")
		return nil
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

// rawPeer is a hand-driven endpoint: it performs the handshake itself and
// never reconnects, standing in for a peer process that can crash.
type rawPeer struct {
	id   string
	conn Conn
}

// dialRaw connects to addr and, when announce is set, completes the handshake as id.
func dialRaw(t *testing.T, m *memNet, addr, id string, announce bool) *rawPeer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := m.Dial(ctx, addr)
	require.NoError(t, err)
	p := &rawPeer{id: id, conn: conn}
	if !announce {
		return p
	}

	p.send(t, envelope.Status(id, idAt(addr), envelope.StatusConnected, map[string]any{"agent_type": "test"}))
	reply := p.read(t)
	require.True(t, reply.IsStatus(envelope.StatusAccepted), "got %#v", reply)
	return p
}

// idAt returns the test table id listening at addr.
func idAt(addr string) string {
	for _, rec := range testTable() {
		if rec.Addr() == addr {
			return rec.AgentID
		}
	}
	return ""
}

func (p *rawPeer) send(t *testing.T, env *envelope.Envelope) {
	t.Helper()
	frame, err := envelope.Encode(env)
	require.NoError(t, err)
	require.NoError(t, p.conn.Write(context.Background(), frame))
}

func (p *rawPeer) read(t *testing.T) *envelope.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := p.conn.Read(ctx)
	require.NoError(t, err)
	env, err := envelope.Decode(data)
	require.NoError(t, err)
	return env
}

// servePeer accepts connections at addr as id, answering each handshake and
// discarding later frames.
func servePeer(t *testing.T, m *memNet, addr, id string) {
	t.Helper()
	l, err := m.Listen(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				data, err := conn.Read(context.Background())
				if err != nil {
					return
				}
				hello, err := envelope.Decode(data)
				if err != nil {
					return
				}
				frame, _ := envelope.Encode(envelope.Status(id, hello.Sender, envelope.StatusAccepted, nil))
				if conn.Write(context.Background(), frame) != nil {
					return
				}
				for {
					if _, err := conn.Read(context.Background()); err != nil {
						return
					}
				}
			}()
		}
	}()
}
