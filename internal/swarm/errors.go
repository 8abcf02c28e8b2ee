package swarm

import (
	"errors"
	"fmt"
)

var (
	ErrNodeUnreachable      = errors.New("node unreachable")
	ErrUnknownNode          = errors.New("unknown node")
	ErrNoCapableNode        = errors.New("no reachable node offers agent")
	ErrRegistrationRejected = errors.New("node rejected registration")
	ErrHeartbeatTimeout     = errors.New("heartbeat timeout")
)

// NodeUnreachableError is returned when a task exhausted its dispatch attempts
// because the nodes it was sent to were lost, or no capable node was reachable.
type NodeUnreachableError struct {
	Task     string
	Agent    string
	Node     string
	Attempts int
	Err      error
}

func (e *NodeUnreachableError) Error() string {
	msg := fmt.Sprintf("task %q: agent %q: %s after %d attempts", e.Task, e.Agent, ErrNodeUnreachable, e.Attempts)
	if e.Node != "" {
		msg += fmt.Sprintf(" (last node %s)", e.Node)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NodeUnreachableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNodeUnreachable}
	}
	return []error{ErrNodeUnreachable, e.Err}
}

// nodeLostError reports a single attempt abandoned because its node went away.
type nodeLostError struct {
	node string
	err  error
}

func (e *nodeLostError) Error() string {
	return fmt.Sprintf("node %s lost: %v", e.node, e.err)
}

func (e *nodeLostError) Unwrap() error { return e.err }
