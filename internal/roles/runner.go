// ABOUTME: Shared lifecycle plumbing for role agents: node start/stop plus background loops.
// ABOUTME: Also holds the bounded retry helper used around collaborator calls.

package roles

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-senses/internal/node"
)

// runner owns a node and the goroutines a role runs beside it.
type runner struct {
	node   *node.Node
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (r *runner) init(n *node.Node, logger *slog.Logger, role string) {
	if logger == nil {
		logger = slog.Default()
	}
	r.node = n
	r.logger = logger.With("component", role, "agent_id", n.ID())
}

// ID returns the agent id.
func (r *runner) ID() string { return r.node.ID() }

// Node returns the underlying messaging node.
func (r *runner) Node() *node.Node { return r.node }

// start starts the node, then launches each loop with a context cancelled by stop.
func (r *runner) start(ctx context.Context, loops ...func(context.Context)) error {
	if err := r.node.Start(ctx); err != nil {
		return err
	}
	if len(loops) == 0 {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	for _, loop := range loops {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			loop(loopCtx)
		}()
	}
	return nil
}

// stopLoops cancels the background loops and waits for them or ctx.
func (r *runner) stopLoops(ctx context.Context) {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("background loops did not finish before stop deadline")
	}
}

// sleep waits d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retry calls fn up to attempts times, waiting delay between failures.
func retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		out T
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err = fn(ctx)
		if err == nil {
			return out, nil
		}
		if attempt == attempts || !sleep(ctx, delay) {
			break
		}
	}
	return out, err
}
