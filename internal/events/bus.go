// ABOUTME: In-memory fan-out of node lifecycle events to subscribers.
// ABOUTME: Publishing never blocks; slow subscribers lose events instead of stalling a node.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-senses/internal/envelope"
)

const subscriberBufferSize = 64

// Kind classifies an event.
type Kind string

const (
	PeerConnected    Kind = "peer_connected"
	PeerDisconnected Kind = "peer_disconnected"
	Dispatched       Kind = "dispatched"
	HandlerFailed    Kind = "handler_failed"
	NodeStarted      Kind = "node_started"
	NodeStopped      Kind = "node_stopped"
)

// Event is something that happened on a node.
type Event struct {
	Kind     Kind
	NodeID   string
	PeerID   string
	Envelope *envelope.Envelope // Dispatched and HandlerFailed only
	Err      error              // HandlerFailed only
	Time     time.Time
}

// Bus delivers events published for a node id to that node's subscribers.
// Subscribing with the empty node id receives events from every node.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // nodeID -> subID -> ch
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for events of nodeID ("" for all nodes). The
// subscription ends, and the channel is closed, when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, nodeID string) (<-chan Event, string) {
	subID := uuid.NewString()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[nodeID]; !ok {
		b.subscribers[nodeID] = make(map[string]chan Event)
	}
	b.subscribers[nodeID][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(nodeID, subID)
	}()

	return ch, subID
}

// Publish delivers ev to the subscribers of ev.NodeID and to wildcard subscribers.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	targets := make([]chan Event, 0, len(b.subscribers[ev.NodeID])+len(b.subscribers[""]))
	for _, ch := range b.subscribers[ev.NodeID] {
		targets = append(targets, ch)
	}
	if ev.NodeID != "" {
		for _, ch := range b.subscribers[""] {
			targets = append(targets, ch)
		}
	}

	// sends happen under the read lock so Unsubscribe cannot close a channel mid-send
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "node_id", ev.NodeID, "kind", ev.Kind)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(nodeID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[nodeID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, nodeID)
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for nodeID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, nodeID)
	}
}
