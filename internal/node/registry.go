// ABOUTME: Live-connection registry mapping peer ids to their current connection.
// ABOUTME: All mutation goes through compare-and-remove so stale owners cannot evict successors.

package node

import (
	"sort"
	"sync"
)

// registry is the single owner map for a node. A peer id has at most one
// connection; replacing it hands ownership to the new connection.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*Connection)}
}

// put registers c and returns the connection it replaced, if any.
func (r *registry) put(c *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.conns[c.PeerID]
	r.conns[c.PeerID] = c
	if old == c {
		return nil
	}
	return old
}

// removeIf deletes the entry for id only while it still points at c.
func (r *registry) removeIf(id string, c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[id]; ok && cur == c {
		delete(r.conns, id)
		return true
	}
	return false
}

func (r *registry) get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	return c, ok
}

// ids returns connected peer ids, sorted.
func (r *registry) ids() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// snapshot returns the current connections ordered by peer id.
func (r *registry) snapshot() []*Connection {
	r.mu.RLock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
