// ABOUTME: Orchestrator starts a fixed set of agents one at a time in declared order.
// ABOUTME: Stop tears them down in the same order, awaiting each before the next.

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Member is an agent the orchestrator sequences.
type Member interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ErrAlreadyRunning is returned by Start when members are still running.
var ErrAlreadyRunning = errors.New("orchestrator already running")

// Orchestrator starts members sequentially, never concurrently. The order is
// configuration: agents that claim exclusive local hardware go first.
type Orchestrator struct {
	members []Member
	logger  *slog.Logger

	// OnTransition, when set, is called after each member starts or stops.
	OnTransition func(id string, running bool)

	mu      sync.Mutex
	running []Member
}

// NewOrchestrator sequences members in the given order.
func NewOrchestrator(members []Member, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		members: members,
		logger:  logger.With("component", "orchestrator"),
	}
}

// Start starts each member in order. If one fails, the members already
// started are stopped again and the error is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.running) > 0 {
		return ErrAlreadyRunning
	}

	for _, m := range o.members {
		o.logger.Info("starting agent", "agent_id", m.ID())
		if err := m.Start(ctx); err != nil {
			o.logger.Error("agent failed to start, rolling back", "agent_id", m.ID(), "error", err)
			if rbErr := o.stopRunning(context.WithoutCancel(ctx)); rbErr != nil {
				o.logger.Warn("rollback incomplete", "error", rbErr)
			}
			return fmt.Errorf("starting %s: %w", m.ID(), err)
		}
		o.running = append(o.running, m)
		o.transition(m.ID(), true)
	}
	o.logger.Info("all agents started", "count", len(o.running))
	return nil
}

// Stop stops every running member in start order. Each Stop completes before
// the next begins; errors are collected rather than aborting the sequence.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopRunning(ctx)
}

func (o *Orchestrator) stopRunning(ctx context.Context) error {
	var errs []error
	for _, m := range o.running {
		o.logger.Info("stopping agent", "agent_id", m.ID())
		if err := m.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", m.ID(), err))
		}
		o.transition(m.ID(), false)
	}
	o.running = nil
	return errors.Join(errs...)
}

// Running returns the ids of started members in start order.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, len(o.running))
	for i, m := range o.running {
		ids[i] = m.ID()
	}
	return ids
}

func (o *Orchestrator) transition(id string, running bool) {
	if o.OnTransition != nil {
		o.OnTransition(id, running)
	}
}
