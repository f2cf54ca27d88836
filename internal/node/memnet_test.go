// ABOUTME: In-memory network for node tests: paired frame pipes, counted dials and crashable listeners.

package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

var errPipeClosed = errors.New("pipe closed")

type pipe struct {
	once sync.Once
	done chan struct{}
}

func (p *pipe) close() { p.once.Do(func() { close(p.done) }) }

type memConn struct {
	in        chan []byte
	out       chan []byte
	p         *pipe
	failWrite atomic.Bool
}

func memPair() (*memConn, *memConn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	p := &pipe{done: make(chan struct{})}
	return &memConn{in: ba, out: ab, p: p}, &memConn{in: ab, out: ba, p: p}
}

func (c *memConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	default:
	}
	select {
	case f := <-c.in:
		return f, nil
	case <-c.p.done:
		// frames written before the close are still delivered
		select {
		case f := <-c.in:
			return f, nil
		default:
			return nil, errPipeClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Write(ctx context.Context, frame []byte) error {
	if c.failWrite.Load() {
		return errors.New("injected write failure")
	}
	select {
	case <-c.p.done:
		return errPipeClosed
	default:
	}
	select {
	case c.out <- append([]byte(nil), frame...):
		return nil
	case <-c.p.done:
		return errPipeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) Close(string) error {
	c.p.close()
	return nil
}

type memListener struct {
	net   *memNet
	addr  string
	conns chan Conn
	once  sync.Once
	done  chan struct{}

	mu       sync.Mutex
	accepted []*memConn
}

func (l *memListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, errors.New("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memListener) Addr() string { return l.addr }

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		if l.net.listeners[l.addr] == l {
			delete(l.net.listeners, l.addr)
		}
		l.net.mu.Unlock()
	})
	return nil
}

// memNet routes dials to listeners by address.
type memNet struct {
	mu        sync.Mutex
	listeners map[string]*memListener
	dials     map[string]int
	nextPort  int
}

func newMemNet() *memNet {
	return &memNet{
		listeners: make(map[string]*memListener),
		dials:     make(map[string]int),
		nextPort:  40000,
	}
}

func (m *memNet) Listen(_ context.Context, addr string) (Listener, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if port == "0" {
		m.nextPort++
		addr = net.JoinHostPort(host, strconv.Itoa(m.nextPort))
	}
	if _, taken := m.listeners[addr]; taken {
		return nil, fmt.Errorf("address %s in use", addr)
	}
	l := &memListener{net: m, addr: addr, conns: make(chan Conn), done: make(chan struct{})}
	m.listeners[addr] = l
	return l, nil
}

func (m *memNet) Dial(ctx context.Context, addr string) (Conn, error) {
	m.mu.Lock()
	m.dials[addr]++
	l, ok := m.listeners[addr]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	client, server := memPair()
	select {
	case l.conns <- server:
		l.mu.Lock()
		l.accepted = append(l.accepted, server)
		l.mu.Unlock()
		return client, nil
	case <-l.done:
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *memNet) dialCount(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials[addr]
}

// crash closes the listener at addr and every connection it accepted,
// without any goodbye.
func (m *memNet) crash(addr string) {
	m.mu.Lock()
	l := m.listeners[addr]
	m.mu.Unlock()
	if l == nil {
		return
	}
	_ = l.Close()
	l.sever()
}

// sever closes the connections accepted at addr but keeps listening.
func (m *memNet) sever(addr string) {
	m.mu.Lock()
	l := m.listeners[addr]
	m.mu.Unlock()
	if l != nil {
		l.sever()
	}
}

func (l *memListener) sever() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.accepted {
		_ = c.Close("crash")
	}
	l.accepted = nil
}
