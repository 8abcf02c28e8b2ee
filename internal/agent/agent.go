// Package agent provides the agent capabilities a crew or swarm node can execute.
package agent

import (
	"context"
	"fmt"
	"slices"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/crew"
	"github.com/mtzanidakis/swarmcrew/internal/registry"
)

// Echo returns its input unchanged.
type Echo struct{}

func (Echo) Execute(ctx context.Context, input string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return input, nil
}

// Static ignores its input and returns a fixed output.
type Static struct {
	Output string
}

func (s Static) Execute(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.Output, nil
}

// New builds the capability described by def.
func New(name string, def config.AgentDefinition, defaults config.DefaultsConfig) (crew.Agent, error) {
	switch def.Type {
	case "echo":
		return Echo{}, nil
	case "static":
		return Static{Output: def.Output}, nil
	case "openai":
		return NewOpenAI(def, defaults)
	default:
		return nil, fmt.Errorf("agent %s: unknown type %q", name, def.Type)
	}
}

// FromConfig registers every defined agent, or only those named in only when it is
// non-empty.
func FromConfig(defs map[string]config.AgentDefinition, defaults config.DefaultsConfig, only []string) (*registry.Registry, error) {
	reg := registry.New()
	for name, def := range defs {
		if len(only) > 0 && !slices.Contains(only, name) {
			continue
		}
		a, err := New(name, def, defaults)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(name, a, def.Description); err != nil {
			return nil, err
		}
	}
	for _, name := range only {
		if !reg.Has(name) {
			return nil, fmt.Errorf("agent %s is not defined", name)
		}
	}
	return reg, nil
}
