// ABOUTME: Test fixtures for role agents: loopback nodes on a shared directory and fake collaborators.

package roles

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/node"
	"github.com/2389/coven-senses/internal/peer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// cluster builds nodes on 127.0.0.1 that find each other through one directory.
type cluster struct {
	t   *testing.T
	dir *peer.Directory
}

func newCluster(t *testing.T) *cluster {
	if testing.Short() {
		t.Skip("opens loopback sockets")
	}
	return &cluster{t: t, dir: peer.NewDirectory(nil, nil, testLogger())}
}

func (c *cluster) node(id string) *node.Node {
	c.t.Helper()
	n, err := node.New(node.Params{
		ID:        id,
		Role:      id,
		Host:      "127.0.0.1",
		Directory: c.dir,
		Logger:    testLogger(),
		Policy:    node.Policy{MaxAttempts: 2, RetryDelay: 10 * time.Millisecond},
	})
	require.NoError(c.t, err)
	return n
}

// agent is anything with a node lifecycle.
type agent interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// run starts a and publishes its address, stopping it at cleanup.
func (c *cluster) run(a agent, n *node.Node) {
	c.t.Helper()
	require.NoError(c.t, a.Start(context.Background()))
	c.dir.Learn(context.Background(), peer.Record{AgentID: n.ID(), Host: "127.0.0.1", Port: n.Port()})
	c.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
}

// sink is a bare node that records every text and image it receives.
type sink struct {
	*node.Node
	got chan *envelope.Envelope
}

func (c *cluster) sink(id string) *sink {
	c.t.Helper()
	s := &sink{Node: c.node(id), got: make(chan *envelope.Envelope, 64)}
	record := func(_ context.Context, env *envelope.Envelope) error {
		s.got <- env
		return nil
	}
	s.RegisterHandler(envelope.TypeText, record)
	s.RegisterHandler(envelope.TypeImage, record)
	c.run(s.Node, s.Node)
	return s
}

func (s *sink) next(t *testing.T) *envelope.Envelope {
	t.Helper()
	select {
	case env := <-s.got:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func (s *sink) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case env := <-s.got:
		t.Fatalf("unexpected envelope %s from %s", env.Type, env.Sender)
	case <-time.After(d):
	}
}

// fakeLLM answers from fixed functions and counts calls.
type fakeLLM struct {
	mu        sync.Mutex
	chats     [][]Message
	generates []generateCall
	failChat  int // fail this many chat calls before succeeding
}

type generateCall struct {
	model  string
	prompt string
	images []string
}

func (f *fakeLLM) Chat(_ context.Context, model string, msgs []Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, msgs)
	if f.failChat > 0 {
		f.failChat--
		return "", errors.New("model busy")
	}
	return model + " says: " + msgs[len(msgs)-1].Content, nil
}

func (f *fakeLLM) Generate(_ context.Context, model, prompt string, images []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generates = append(f.generates, generateCall{model: model, prompt: prompt, images: images})
	if len(images) > 0 {
		return "smiling, waving", nil
	}
	return "Hello there!", nil
}

func (f *fakeLLM) chatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chats)
}

// recordingSpeaker collects spoken lines.
type recordingSpeaker struct {
	mu     sync.Mutex
	spoken []string
	delay  time.Duration
}

func (s *recordingSpeaker) Speak(_ context.Context, text string) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.mu.Unlock()
	return nil
}

func (s *recordingSpeaker) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}
