// ABOUTME: Bounded connect policy: a fixed number of dial+handshake attempts separated by a fixed delay.
// ABOUTME: Concurrent cycles to the same peer share one attempt sequence.

package node

import (
	"context"
	"errors"
	"fmt"
)

// Connect returns a live connection to peerID, running the connect policy
// when none exists.
func (n *Node) Connect(ctx context.Context, peerID string) (*Connection, error) {
	if c, ok := n.registry.get(peerID); ok {
		return c, nil
	}
	done, err := n.track()
	if err != nil {
		return nil, err
	}
	defer done()
	ctx, cancel := n.bind(ctx)
	defer cancel()
	return n.connect(ctx, peerID)
}

func (n *Node) connect(ctx context.Context, peerID string) (*Connection, error) {
	rec, ok := n.dir.Lookup(peerID)
	if !ok || !rec.Addressable() {
		return nil, fmt.Errorf("%w: %s", ErrAddressNotFound, peerID)
	}

	v, err, shared := n.flight.Do(peerID, func() (any, error) {
		return n.connectWithRetry(ctx, peerID)
	})
	if shared {
		n.logger.Debug("joined in-flight connect", "peer_id", peerID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (n *Node) connectWithRetry(ctx context.Context, peerID string) (*Connection, error) {
	// a cycle that finished just before this one may already have connected
	if c, ok := n.registry.get(peerID); ok {
		return c, nil
	}
	n.beginDial(peerID)
	defer n.endDial(peerID)

	var lastErr error
	for attempt := 1; attempt <= n.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := n.sleep(ctx, n.policy.RetryDelay); err != nil {
				return nil, &ConnectionError{PeerID: peerID, Attempts: attempt - 1, Err: err}
			}
		}

		// re-resolved each attempt so an address learned meanwhile is used
		rec, ok := n.dir.Lookup(peerID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAddressNotFound, peerID)
		}

		c, err := n.dialOnce(ctx, rec)
		n.metrics.connectAttempt(n.id, peerID, err)
		if err == nil {
			if attempt > 1 {
				n.logger.Info("connected after retry", "peer_id", peerID, "attempt", attempt)
			}
			return c, nil
		}
		if errors.Is(err, ErrStopped) {
			return nil, err
		}

		lastErr = err
		n.logger.Warn("connect attempt failed",
			"peer_id", peerID,
			"addr", rec.Addr(),
			"attempt", attempt,
			"max_attempts", n.policy.MaxAttempts,
			"error", err,
		)
	}
	return nil, &ConnectionError{PeerID: peerID, Attempts: n.policy.MaxAttempts, Err: lastErr}
}

// track counts a caller-driven connect cycle in the group Stop waits on, so
// no dialed socket outlives Stop. It refuses once stopping has begun.
func (n *Node) track() (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case !n.started:
		return nil, ErrNotStarted
	case n.stopping:
		return nil, ErrStopped
	}
	n.wg.Add(1)
	return n.wg.Done, nil
}

// bind derives a context cancelled when either ctx or the node ends.
func (n *Node) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(n.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
