package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Factory builds a fresh Agent for each start. Agents are single-use:
// once stopped they are discarded, never restarted.
type Factory func() *Agent

// Registry enforces the one-active-agent invariant and is the surface the
// control API drives.
type Registry struct {
	mu      sync.Mutex
	log     zerolog.Logger
	factory Factory
	active  *Agent
}

// NewRegistry creates a registry around the agent factory.
func NewRegistry(factory Factory, log zerolog.Logger) *Registry {
	return &Registry{
		log:     log.With().Str("component", "registry").Logger(),
		factory: factory,
	}
}

// Start builds and starts a new agent. Fails when one is already running.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		select {
		case <-r.active.Done():
			r.active = nil
		default:
			return fmt.Errorf("agent already running")
		}
	}

	a := r.factory()
	if err := a.Start(ctx); err != nil {
		return err
	}
	r.active = a
	return nil
}

// Stop stops the active agent, optionally flattening the open position.
// Returns false when no agent was running.
func (r *Registry) Stop(flatten bool) bool {
	r.mu.Lock()
	a := r.active
	r.active = nil
	r.mu.Unlock()

	if a == nil {
		return false
	}
	select {
	case <-a.Done():
		return false
	default:
	}
	a.Stop(flatten)
	return true
}

// Active returns the running agent, if any.
func (r *Registry) Active() (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, false
	}
	select {
	case <-r.active.Done():
		return nil, false
	default:
		return r.active, true
	}
}
