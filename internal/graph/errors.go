package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCycle              = errors.New("dependency cycle")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrDuplicateResultKey = errors.New("duplicate result key")
	ErrInvalidTask        = errors.New("invalid task")
)

// CycleError reports one cycle as the ordered list of task names, first name repeated last.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// UnknownDependencyError is returned when a dependency points at a task that is not in
// the graph, or at a key the source task does not publish.
type UnknownDependencyError struct {
	Task   string
	Source string
	Key    string
}

func (e *UnknownDependencyError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: task %q reads key %q which task %q does not produce", ErrUnknownDependency, e.Task, e.Key, e.Source)
	}
	return fmt.Sprintf("%s: task %q depends on unknown task %q", ErrUnknownDependency, e.Task, e.Source)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

type DuplicateResultKeyError struct {
	Key   string
	Tasks []string
}

func (e *DuplicateResultKeyError) Error() string {
	return fmt.Sprintf("%s %q published by tasks %s", ErrDuplicateResultKey, e.Key, strings.Join(e.Tasks, ", "))
}

func (e *DuplicateResultKeyError) Unwrap() error { return ErrDuplicateResultKey }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, fmt.Sprintf(format, args...))
}
