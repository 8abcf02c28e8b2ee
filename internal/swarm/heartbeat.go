package swarm

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/metrics"
	"github.com/mtzanidakis/swarmcrew/internal/swarmpb"
	"golang.org/x/sync/errgroup"
)

// Start polls every node's Heartbeat each heartbeat interval until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	interval := m.config().HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNodes(ctx)
			if next := m.config().HeartbeatInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// CheckNodes sends one heartbeat to every registered node, including unreachable
// ones so they can recover, then marks nodes silent for longer than the node
// timeout as unreachable.
func (m *Manager) CheckNodes(ctx context.Context) {
	cfg := m.config()

	type target struct {
		e    *nodeEntry
		lost chan struct{}
		info *swarmpb.NodeInfo
	}
	m.mu.RLock()
	targets := make([]target, 0, len(m.order))
	for _, id := range m.order {
		e := m.nodes[id]
		targets = append(targets, target{
			e:    e,
			lost: e.lost,
			info: &swarmpb.NodeInfo{
				NodeID:          id,
				AvailableAgents: slices.Clone(e.info.Agents),
				Status:          e.info.Status,
			},
		})
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, t := range targets {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, cfg.HeartbeatTimeout)
			defer cancel()
			start := time.Now()
			st, err := t.e.client.Heartbeat(callCtx, t.info)
			metrics.RPCDuration.WithLabelValues("client", "Heartbeat", rpcCode(err)).Observe(time.Since(start).Seconds())
			if err != nil {
				if ctx.Err() == nil {
					m.markUnreachable(t.e, t.lost, fmt.Errorf("heartbeat: %w", err))
				}
				return nil
			}
			m.observe(t.e, st)
			return nil
		})
	}
	_ = g.Wait()

	m.expire(cfg.NodeTimeout)
}

// observe records a successful heartbeat. An unreachable node recovers; a node with
// no dispatch in flight takes the status it reports.
func (m *Manager) observe(e *nodeEntry, st *swarmpb.NodeStatus) {
	m.mu.Lock()
	if m.nodes[e.info.ID] != e {
		m.mu.Unlock()
		return
	}
	e.info.LastSeen = time.Now()

	recovered := false
	prev := e.info.Status
	switch {
	case prev == swarmpb.StatusUnreachable:
		recovered = true
		e.lost = make(chan struct{})
		e.info.Status = swarmpb.StatusIdle
		if st.Status == swarmpb.StatusBusy {
			e.info.Status = swarmpb.StatusBusy
		}
	case e.info.CurrentTask == "" && (st.Status == swarmpb.StatusBusy || st.Status == swarmpb.StatusIdle):
		e.info.Status = st.Status
	}
	if e.info.Status != prev {
		m.notifyLocked()
	}
	client := e.client
	status := e.info.Status
	m.mu.Unlock()

	if recovered {
		m.logger.Info("node recovered", "node", e.info.ID, "status", status)
		m.publish(EventNodeRecovered, map[string]any{"node": e.info.ID, "status": status})
		ctx, cancel := context.WithTimeout(context.Background(), m.config().CallTimeout)
		defer cancel()
		if _, err := client.UpdateStatus(ctx, &swarmpb.NodeStatus{NodeID: e.info.ID, Status: status}); err != nil {
			m.logger.Debug("node status push failed", "node", e.info.ID, "error", err)
		}
	}
}

// expire marks nodes unreachable whose last heartbeat is older than timeout.
func (m *Manager) expire(timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)
	m.mu.RLock()
	var stale []*nodeEntry
	var lost []chan struct{}
	for _, id := range m.order {
		e := m.nodes[id]
		if e.info.Status != swarmpb.StatusUnreachable && e.info.LastSeen.Before(cutoff) {
			stale = append(stale, e)
			lost = append(lost, e.lost)
		}
	}
	m.mu.RUnlock()

	for i, e := range stale {
		m.markUnreachable(e, lost[i], fmt.Errorf("%w: silent for more than %s", ErrHeartbeatTimeout, timeout))
	}
}
