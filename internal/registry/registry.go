package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/mtzanidakis/swarmcrew/internal/crew"
)

// LocalNode is the node name reported for tasks executed in process.
const LocalNode = "local"

var ErrAlreadyRegistered = errors.New("agent already registered")

type entry struct {
	agent       crew.Agent
	description string
}

// Registry maps agent names to capabilities. It doubles as the in-process dispatcher
// for the local scheduler and as the executor behind a swarm node.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]entry
}

func New() *Registry {
	return &Registry{agents: make(map[string]entry)}
}

func (r *Registry) Register(name string, a crew.Agent, description string) error {
	if name == "" {
		return fmt.Errorf("register agent: empty name")
	}
	if a == nil {
		return fmt.Errorf("register agent %s: nil capability", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.agents[name] = entry{agent: a, description: description}
	return nil
}

// MustRegister is Register for static setups; it panics on error.
func (r *Registry) MustRegister(name string, a crew.Agent) *Registry {
	if err := r.Register(name, a, ""); err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Get(name string) (crew.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	return e.agent, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.agents))
}

func (r *Registry) Descriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make(map[string]string, len(r.agents))
	for name, e := range r.agents {
		descs[name] = e.description
	}
	return descs
}

// Execute runs the named agent on input. A panicking agent is reported as an error.
func (r *Registry) Execute(ctx context.Context, name, input string) (out string, err error) {
	a, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w %q", crew.ErrUnknownAgent, name)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent %s panicked: %v", name, p)
		}
	}()
	return a.Execute(ctx, input)
}

// Dispatch implements crew.Dispatcher by executing the task in process.
func (r *Registry) Dispatch(ctx context.Context, req crew.DispatchRequest) (crew.DispatchResponse, error) {
	out, err := r.Execute(ctx, req.Task.Agent, req.Input)
	if err != nil {
		return crew.DispatchResponse{Node: LocalNode, Attempts: 1}, &crew.AgentExecutionError{
			Task:  req.Task.Name,
			Agent: req.Task.Agent,
			Err:   err,
		}
	}
	return crew.DispatchResponse{Output: out, Node: LocalNode, Attempts: 1}, nil
}
