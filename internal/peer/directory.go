// ABOUTME: Peer records and the address directory used to reach other agents.
// ABOUTME: Learned addresses take precedence over the static default table.

package peer

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
)

// Record describes how to reach an agent.
type Record struct {
	AgentID string
	Name    string
	Role    string
	Host    string
	Port    int
}

// Addr returns host:port.
func (r Record) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Addressable reports whether the record carries a usable endpoint.
func (r Record) Addressable() bool {
	return r.Host != "" && r.Port > 0
}

// DefaultTable returns the standard four-agent layout on localhost.
func DefaultTable() []Record {
	return []Record{
		{AgentID: "brain", Name: "Brain", Role: "brain", Host: "localhost", Port: 8010},
		{AgentID: "eye", Name: "Eye", Role: "vision", Host: "localhost", Port: 8011},
		{AgentID: "ear", Name: "Ear", Role: "audio_input", Host: "localhost", Port: 8012},
		{AgentID: "mouth", Name: "Mouth", Role: "audio_output", Host: "localhost", Port: 8013},
	}
}

// Persister stores learned addresses across restarts.
type Persister interface {
	SavePeer(ctx context.Context, rec Record) error
	ListPeers(ctx context.Context) ([]Record, error)
}

// Directory maps agent ids to addresses. It is safe for concurrent use.
type Directory struct {
	mu       sync.RWMutex
	defaults map[string]Record
	learned  map[string]Record

	persist Persister
	logger  *slog.Logger
}

// NewDirectory creates a directory over the given default table.
// persist may be nil.
func NewDirectory(defaults []Record, persist Persister, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		defaults: make(map[string]Record, len(defaults)),
		learned:  make(map[string]Record),
		persist:  persist,
		logger:   logger.With("component", "directory"),
	}
	for _, rec := range defaults {
		d.defaults[rec.AgentID] = rec
	}
	return d
}

// Load seeds the learned table from the persister.
func (d *Directory) Load(ctx context.Context) error {
	if d.persist == nil {
		return nil
	}
	recs, err := d.persist.ListPeers(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range recs {
		if rec.Addressable() {
			d.learned[rec.AgentID] = rec
		}
	}
	d.logger.Debug("loaded learned peers", "count", len(recs))
	return nil
}

// Lookup returns the learned address for id, falling back to the default table.
func (d *Directory) Lookup(id string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if rec, ok := d.learned[id]; ok {
		return rec, true
	}
	rec, ok := d.defaults[id]
	return rec, ok
}

// Learn records an address observed on a successful connection. Fields left
// empty in rec are filled from the existing entry.
func (d *Directory) Learn(ctx context.Context, rec Record) {
	if rec.AgentID == "" || !rec.Addressable() {
		return
	}

	d.mu.Lock()
	prev, ok := d.learned[rec.AgentID]
	if !ok {
		prev = d.defaults[rec.AgentID]
	}
	if rec.Name == "" {
		rec.Name = prev.Name
	}
	if rec.Role == "" {
		rec.Role = prev.Role
	}
	unchanged := ok && prev == rec
	d.learned[rec.AgentID] = rec
	d.mu.Unlock()

	if unchanged || d.persist == nil {
		return
	}
	if err := d.persist.SavePeer(ctx, rec); err != nil {
		d.logger.Warn("failed to persist learned peer", "peer_id", rec.AgentID, "error", err)
	}
}

// Records returns every known peer, learned entries overriding defaults, sorted by id.
func (d *Directory) Records() []Record {
	d.mu.RLock()
	merged := make(map[string]Record, len(d.defaults)+len(d.learned))
	for id, rec := range d.defaults {
		merged[id] = rec
	}
	for id, rec := range d.learned {
		merged[id] = rec
	}
	d.mu.RUnlock()

	out := make([]Record, 0, len(merged))
	for _, rec := range merged {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
