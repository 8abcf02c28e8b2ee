package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/crew"
	"github.com/mtzanidakis/swarmcrew/internal/graph"
	"github.com/mtzanidakis/swarmcrew/internal/metrics"
	"github.com/mtzanidakis/swarmcrew/internal/swarmpb"
)

// Event types published by the manager.
const (
	EventNodeRegistered  = "node_registered"
	EventNodeRemoved     = "node_removed"
	EventNodeUnreachable = "node_unreachable"
	EventNodeRecovered   = "node_recovered"
	EventTaskDispatched  = "task_dispatched"
	EventTaskRequeued    = "task_requeued"
)

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithEvents(sink crew.EventSink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.events = sink
		}
	}
}

// Manager owns a node registry and dispatches tasks to registered nodes. It
// implements crew.Dispatcher, so any graph can be executed on the swarm through the
// same scheduler used for local runs.
type Manager struct {
	dial   Dialer
	logger *slog.Logger
	events crew.EventSink

	mu      sync.RWMutex
	cfg     config.SwarmConfig
	nodes   map[string]*nodeEntry
	order   []string
	changed chan struct{}
	queue   []graph.Task
}

type nopSink struct{}

func (nopSink) PublishEvent(crew.Event) {}

func NewManager(cfg config.SwarmConfig, dial Dialer, opts ...Option) *Manager {
	if dial == nil {
		dial = DialGRPC
	}
	m := &Manager{
		dial:    dial,
		logger:  slog.Default(),
		events:  nopSink{},
		cfg:     cfg,
		nodes:   make(map[string]*nodeEntry),
		changed: make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetConfig swaps timing and retry settings; registered nodes are kept.
func (m *Manager) SetConfig(cfg config.SwarmConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) config() config.SwarmConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// notifyLocked wakes every dispatch waiting for a node. Callers hold m.mu.
func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
	m.updateGaugesLocked()
}

func (m *Manager) updateGaugesLocked() {
	counts := map[string]int{swarmpb.StatusIdle: 0, swarmpb.StatusBusy: 0, swarmpb.StatusUnreachable: 0}
	for _, e := range m.nodes {
		counts[e.info.Status]++
	}
	for status, n := range counts {
		metrics.NodeStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Manager) publish(eventType string, data map[string]any) {
	m.events.PublishEvent(crew.NewEvent(eventType, "", data))
}

// RegisterNode connects to address, announces the agents this manager expects the
// node to run and stores the node as idle. Registering a known id replaces the old
// entry; work in flight on it is requeued.
func (m *Manager) RegisterNode(ctx context.Context, id, address string, agents []string) (Node, error) {
	if id == "" || address == "" {
		return Node{}, fmt.Errorf("register node: id and address are required")
	}
	if len(agents) == 0 {
		return Node{}, fmt.Errorf("register node %s: no agents", id)
	}

	client, err := m.dial(ctx, address)
	if err != nil {
		return Node{}, fmt.Errorf("register node %s: %w", id, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config().CallTimeout)
	defer cancel()
	st, err := client.RegisterNode(callCtx, &swarmpb.NodeInfo{
		NodeID:          id,
		AvailableAgents: agents,
		Status:          swarmpb.StatusIdle,
	})
	if err != nil {
		_ = client.Close()
		return Node{}, fmt.Errorf("register node %s: %w", id, err)
	}
	if st.NodeID != id {
		_ = client.Close()
		return Node{}, fmt.Errorf("%w: %s answered as %q", ErrRegistrationRejected, id, st.NodeID)
	}

	now := time.Now()
	entry := &nodeEntry{
		info: Node{
			ID:         id,
			Address:    address,
			Agents:     slices.Clone(agents),
			Status:     swarmpb.StatusIdle,
			LastSeen:   now,
			Registered: now,
		},
		client: client,
		lost:   make(chan struct{}),
	}
	if st.Status == swarmpb.StatusBusy {
		entry.info.Status = swarmpb.StatusBusy
	}

	m.mu.Lock()
	old, replaced := m.nodes[id]
	if replaced {
		m.dropLocked(old)
	} else {
		m.order = append(m.order, id)
	}
	m.nodes[id] = entry
	m.notifyLocked()
	m.mu.Unlock()

	if replaced {
		_ = old.client.Close()
	}

	m.logger.Info("node registered", "node", id, "address", address, "agents", agents, "replaced", replaced)
	m.publish(EventNodeRegistered, map[string]any{
		"node":    id,
		"address": address,
		"agents":  agents,
	})
	return entry.snapshot(), nil
}

// RemoveNode unregisters a node. The node is told it is no longer in use on a best
// effort basis, and any task in flight on it is requeued.
func (m *Manager) RemoveNode(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	m.dropLocked(e)
	delete(m.nodes, id)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == id })
	m.notifyLocked()
	timeout := m.cfg.CallTimeout
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := e.client.UpdateStatus(callCtx, &swarmpb.NodeStatus{NodeID: id, Status: swarmpb.StatusUnreachable}); err != nil {
		m.logger.Debug("node status push failed", "node", id, "error", err)
	}
	_ = e.client.Close()

	m.logger.Info("node removed", "node", id)
	m.publish(EventNodeRemoved, map[string]any{"node": id})
	return nil
}

// dropLocked releases dispatches waiting on e. Callers hold m.mu.
func (m *Manager) dropLocked(e *nodeEntry) {
	if e.info.Status != swarmpb.StatusUnreachable {
		close(e.lost)
	}
	e.info.Status = swarmpb.StatusUnreachable
	e.info.CurrentTask = ""
}

// Nodes returns the registered nodes in registration order.
func (m *Manager) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.nodes[id].snapshot())
	}
	return out
}

func (m *Manager) Node(id string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}
	return e.snapshot(), true
}

// Has reports whether any registered node offers agent, reachable or not.
func (m *Manager) Has(agent string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.nodes {
		if e.info.Offers(agent) {
			return true
		}
	}
	return false
}

// Status summarises the registry.
type Status struct {
	Nodes  []Node         `json:"nodes"`
	Counts map[string]int `json:"counts"`
	Queued int            `json:"queued"`
}

func (m *Manager) Status() Status {
	nodes := m.Nodes()
	counts := map[string]int{swarmpb.StatusIdle: 0, swarmpb.StatusBusy: 0, swarmpb.StatusUnreachable: 0}
	for _, n := range nodes {
		counts[n.Status]++
	}
	m.mu.RLock()
	queued := len(m.queue)
	m.mu.RUnlock()
	return Status{Nodes: nodes, Counts: counts, Queued: queued}
}

// Close releases every node client without notifying the nodes.
func (m *Manager) Close() error {
	m.mu.Lock()
	entries := make([]*nodeEntry, 0, len(m.nodes))
	for _, id := range m.order {
		e := m.nodes[id]
		m.dropLocked(e)
		entries = append(entries, e)
	}
	m.nodes = make(map[string]*nodeEntry)
	m.order = nil
	m.notifyLocked()
	m.mu.Unlock()

	for _, e := range entries {
		_ = e.client.Close()
	}
	return nil
}
