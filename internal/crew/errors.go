package crew

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateKey          = errors.New("duplicate context key")
	ErrMissingKey            = errors.New("missing context key")
	ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")
	ErrTemplateSyntax        = errors.New("template syntax error")
	ErrAgentExecution        = errors.New("agent execution failed")
	ErrDependencySkipped     = errors.New("skipped due to dependency failure")
	ErrUnknownAgent          = errors.New("unknown agent")
)

type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s %q", ErrDuplicateKey, e.Key)
}

func (e *DuplicateKeyError) Unwrap() error { return ErrDuplicateKey }

type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("%s %q", ErrMissingKey, e.Key)
}

func (e *MissingKeyError) Unwrap() error { return ErrMissingKey }

// UnresolvedPlaceholderError lists every placeholder of a template that had no binding.
type UnresolvedPlaceholderError struct {
	Names []string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnresolvedPlaceholder, strings.Join(e.Names, ", "))
}

func (e *UnresolvedPlaceholderError) Unwrap() error { return ErrUnresolvedPlaceholder }

// AgentExecutionError wraps a capability-level failure of one task.
type AgentExecutionError struct {
	Task  string
	Agent string
	Err   error
}

func (e *AgentExecutionError) Error() string {
	return fmt.Sprintf("task %q: agent %q: %v", e.Task, e.Agent, e.Err)
}

func (e *AgentExecutionError) Unwrap() []error { return []error{ErrAgentExecution, e.Err} }

// DependencySkippedError marks a task that never ran because an upstream task failed.
type DependencySkippedError struct {
	Task   string
	Failed string
}

func (e *DependencySkippedError) Error() string {
	return fmt.Sprintf("task %q %s %q", e.Task, ErrDependencySkipped, e.Failed)
}

func (e *DependencySkippedError) Unwrap() error { return ErrDependencySkipped }
