package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/registry"
	"github.com/mtzanidakis/swarmcrew/internal/swarmpb"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NodeServer runs tasks for a manager using the agents in its registry.
type NodeServer struct {
	id       string
	agents   *registry.Registry
	capacity int64
	slots    *semaphore.Weighted
	logger   *slog.Logger

	mu       sync.Mutex
	running  map[string]int
	active   int64
	pushed   string
	manager  time.Time
	executed int
}

func NewNodeServer(id string, agents *registry.Registry, maxConcurrent int) *NodeServer {
	capacity := int64(max(maxConcurrent, 1))
	return &NodeServer{
		id:       id,
		agents:   agents,
		capacity: capacity,
		slots:    semaphore.NewWeighted(capacity),
		logger:   slog.Default().With("node", id),
		running:  make(map[string]int),
	}
}

func (s *NodeServer) ID() string { return s.id }

// statusLocked reports busy while every slot is taken. Callers hold s.mu.
func (s *NodeServer) statusLocked() *swarmpb.NodeStatus {
	st := swarmpb.StatusIdle
	if s.active >= s.capacity {
		st = swarmpb.StatusBusy
	}
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	slices.Sort(names)
	return &swarmpb.NodeStatus{
		NodeID:      s.id,
		Status:      st,
		CurrentTask: strings.Join(names, ","),
	}
}

func (s *NodeServer) current() *swarmpb.NodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// RegisterNode acknowledges a manager. Registration fails if the manager expects an
// agent this node cannot run.
func (s *NodeServer) RegisterNode(_ context.Context, in *swarmpb.NodeInfo) (*swarmpb.NodeStatus, error) {
	if in.NodeID != "" && in.NodeID != s.id {
		return nil, status.Errorf(codes.InvalidArgument, "node id mismatch: this is %s, not %s", s.id, in.NodeID)
	}
	var missing []string
	for _, a := range in.AvailableAgents {
		if !s.agents.Has(a) {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return nil, status.Errorf(codes.FailedPrecondition, "agents not available on %s: %s", s.id, strings.Join(missing, ", "))
	}

	s.mu.Lock()
	s.manager = time.Now()
	s.pushed = ""
	st := s.statusLocked()
	s.mu.Unlock()

	s.logger.Info("registered with manager", "agents", in.AvailableAgents)
	return st, nil
}

// ExecuteTask runs the named agent on the task data, which the manager has already
// rendered. Agent failures travel in the result, not as RPC errors.
func (s *NodeServer) ExecuteTask(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
	if !s.agents.Has(in.AgentName) {
		s.logger.Warn("task for unknown agent", "task", in.Name, "agent", in.AgentName)
		return &swarmpb.TaskResult{
			Status: swarmpb.ResultFailure,
			Error:  fmt.Sprintf("agent %q is not available on node %s", in.AgentName, s.id),
		}, nil
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	defer s.slots.Release(1)

	s.mu.Lock()
	s.active++
	s.running[in.Name]++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		if s.running[in.Name]--; s.running[in.Name] <= 0 {
			delete(s.running, in.Name)
		}
		s.executed++
		s.mu.Unlock()
	}()

	start := time.Now()
	s.logger.Info("task started", "task", in.Name, "agent", in.AgentName)
	out, err := s.agents.Execute(ctx, in.AgentName, string(in.Data))
	if err != nil {
		s.logger.Error("task failed", "task", in.Name, "agent", in.AgentName, "error", err, "duration", time.Since(start))
		return &swarmpb.TaskResult{Status: swarmpb.ResultFailure, Error: err.Error()}, nil
	}
	s.logger.Info("task completed", "task", in.Name, "agent", in.AgentName, "duration", time.Since(start))
	return &swarmpb.TaskResult{Status: swarmpb.ResultSuccess, Result: []byte(out)}, nil
}

// UpdateStatus records the status the manager holds for this node and answers with
// the node's actual status.
func (s *NodeServer) UpdateStatus(_ context.Context, in *swarmpb.NodeStatus) (*swarmpb.NodeStatus, error) {
	s.mu.Lock()
	s.pushed = in.Status
	st := s.statusLocked()
	s.mu.Unlock()
	s.logger.Debug("status pushed by manager", "status", in.Status, "actual", st.Status)
	return st, nil
}

func (s *NodeServer) Heartbeat(_ context.Context, _ *swarmpb.NodeInfo) (*swarmpb.NodeStatus, error) {
	s.mu.Lock()
	s.manager = time.Now()
	st := s.statusLocked()
	s.mu.Unlock()
	return st, nil
}

// NodeServerState is a point-in-time view of a node server.
type NodeServerState struct {
	ID            string    `json:"id"`
	Agents        []string  `json:"agents"`
	Status        string    `json:"status"`
	Running       []string  `json:"running"`
	Capacity      int       `json:"capacity"`
	Executed      int       `json:"executed"`
	ManagerStatus string    `json:"manager_status,omitempty"`
	LastContact   time.Time `json:"last_contact,omitzero"`
}

func (s *NodeServer) State() NodeServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statusLocked()
	var running []string
	if st.CurrentTask != "" {
		running = strings.Split(st.CurrentTask, ",")
	}
	return NodeServerState{
		ID:            s.id,
		Agents:        s.agents.Names(),
		Status:        st.Status,
		Running:       running,
		Capacity:      int(s.capacity),
		Executed:      s.executed,
		ManagerStatus: s.pushed,
		LastContact:   s.manager,
	}
}
