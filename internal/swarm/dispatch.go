package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mtzanidakis/swarmcrew/internal/crew"
	"github.com/mtzanidakis/swarmcrew/internal/graph"
	"github.com/mtzanidakis/swarmcrew/internal/metrics"
	"github.com/mtzanidakis/swarmcrew/internal/swarmpb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("swarmcrew.swarm")

// SubmitTask queues a task for the next Run.
func (m *Manager) SubmitTask(t graph.Task) {
	m.mu.Lock()
	m.queue = append(m.queue, t)
	m.mu.Unlock()
}

// Run executes every submitted task on the swarm and clears the queue. A queue that
// does not form a valid graph is discarded and nothing is dispatched.
func (m *Manager) Run(ctx context.Context, seed map[string]any, opts ...crew.Option) (*crew.Result, error) {
	m.mu.Lock()
	tasks := m.queue
	m.queue = nil
	m.mu.Unlock()

	g, err := graph.Build(tasks)
	if err != nil {
		return nil, fmt.Errorf("build task graph: %w", err)
	}
	return m.Execute(ctx, g, crew.NewContext(seed), opts...)
}

// Execute runs g on the swarm, rendering prompts from cctx.
func (m *Manager) Execute(ctx context.Context, g *graph.Graph, cctx *crew.Context, opts ...crew.Option) (*crew.Result, error) {
	opts = append([]crew.Option{crew.WithLogger(m.logger), crew.WithEvents(m.events)}, opts...)
	return crew.NewScheduler(g, m, opts...).Run(ctx, cctx)
}

// Dispatch sends one task to the first idle node offering its agent and waits for
// the result. If the node becomes unreachable first, the attempt is abandoned and
// the task is reassigned, up to SwarmConfig.MaxAttempts attempts with exponential
// backoff between them. A failure reported by the agent is returned as is.
func (m *Manager) Dispatch(ctx context.Context, req crew.DispatchRequest) (crew.DispatchResponse, error) {
	cfg := m.config()
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.RetryBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         cfg.MaxBackoff,
	}
	bo.Reset()

	maxAttempts := max(cfg.MaxAttempts, 1)
	var lastErr error
	var lastNode string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return crew.DispatchResponse{Attempts: attempt - 1}, err
			}
		}

		e, lost, err := m.acquire(ctx, req.Task)
		if err != nil {
			if ctx.Err() != nil {
				return crew.DispatchResponse{Attempts: attempt - 1}, ctx.Err()
			}
			metrics.DispatchAttempts.WithLabelValues("no_node").Inc()
			m.logger.Warn("no node available", "task", req.Task.Name, "agent", req.Task.Agent, "attempt", attempt)
			lastErr = err
			continue
		}

		node := e.info.ID
		lastNode = node
		out, err := m.attempt(ctx, e, lost, req, attempt)
		if err == nil {
			metrics.DispatchAttempts.WithLabelValues("success").Inc()
			return crew.DispatchResponse{Output: out, Node: node, Attempts: attempt}, nil
		}

		var lostErr *nodeLostError
		if !errors.As(err, &lostErr) {
			metrics.DispatchAttempts.WithLabelValues("failure").Inc()
			return crew.DispatchResponse{Node: node, Attempts: attempt}, err
		}

		metrics.DispatchAttempts.WithLabelValues("lost").Inc()
		metrics.Requeues.Inc()
		lastErr = err
		m.logger.Warn("task requeued", "task", req.Task.Name, "node", node, "attempt", attempt, "error", err)
		m.events.PublishEvent(crew.NewEvent(EventTaskRequeued, req.RunID, map[string]any{
			"task":    req.Task.Name,
			"node":    node,
			"attempt": attempt,
			"error":   err.Error(),
		}))
	}

	return crew.DispatchResponse{Node: lastNode, Attempts: maxAttempts}, &NodeUnreachableError{
		Task:     req.Task.Name,
		Agent:    req.Task.Agent,
		Node:     lastNode,
		Attempts: maxAttempts,
		Err:      lastErr,
	}
}

// acquire claims the first idle node, in registration order, that offers the task's
// agent, and records the task on it under the same lock. It waits while capable
// nodes exist but are all busy. When none is reachable it waits one heartbeat round
// for a node to recover before failing with ErrNoCapableNode.
func (m *Manager) acquire(ctx context.Context, t graph.Task) (*nodeEntry, <-chan struct{}, error) {
	var (
		grace   <-chan time.Time
		expired bool
	)
	for {
		m.mu.Lock()
		reachable := false
		for _, id := range m.order {
			e := m.nodes[id]
			if !e.info.Offers(t.Agent) || e.info.Status == swarmpb.StatusUnreachable {
				continue
			}
			reachable = true
			if e.info.Status == swarmpb.StatusIdle {
				e.info.Status = swarmpb.StatusBusy
				e.info.CurrentTask = t.Name
				m.notifyLocked()
				lost := e.lost
				m.mu.Unlock()
				return e, lost, nil
			}
		}
		wait := m.changed
		m.mu.Unlock()

		if !reachable {
			if expired {
				return nil, nil, fmt.Errorf("%w %q", ErrNoCapableNode, t.Agent)
			}
			if grace == nil {
				cfg := m.config()
				timer := time.NewTimer(cfg.HeartbeatInterval + cfg.HeartbeatTimeout)
				defer timer.Stop()
				grace = timer.C
			}
		}
		select {
		case <-wait:
		case <-grace:
			expired = true
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

type rpcResult struct {
	res *swarmpb.TaskResult
	err error
}

// attempt runs the task on e. The RPC runs in its own goroutine so that losing the
// node releases the caller at once; a result arriving after that is discarded.
func (m *Manager) attempt(ctx context.Context, e *nodeEntry, lost <-chan struct{}, req crew.DispatchRequest, n int) (string, error) {
	cfg := m.config()
	node := e.info.ID

	ctx, span := tracer.Start(ctx, "swarm.Dispatch",
		trace.WithAttributes(
			attribute.String("swarm.node", node),
			attribute.String("swarm.task", req.Task.Name),
			attribute.Int("swarm.attempt", n),
		),
	)
	defer span.End()

	m.events.PublishEvent(crew.NewEvent(EventTaskDispatched, req.RunID, map[string]any{
		"task":    req.Task.Name,
		"node":    node,
		"attempt": n,
	}))
	m.logger.Debug("task dispatched", "task", req.Task.Name, "node", node, "attempt", n)

	msg := &swarmpb.TaskMessage{
		Name:         req.Task.Name,
		AgentName:    req.Task.Agent,
		Data:         []byte(req.Input),
		Dependencies: req.Task.Sources(),
	}
	done := make(chan rpcResult, 1)
	callCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
	go func() {
		defer cancel()
		start := time.Now()
		res, err := e.client.ExecuteTask(callCtx, msg)
		metrics.RPCDuration.WithLabelValues("client", "ExecuteTask", rpcCode(err)).Observe(time.Since(start).Seconds())
		done <- rpcResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				m.release(e, lost)
				span.SetStatus(codes.Error, "cancelled")
				return "", ctx.Err()
			}
			// A failed or expired call is treated like a missed heartbeat.
			m.markUnreachable(e, lost, r.err)
			span.RecordError(r.err)
			span.SetStatus(codes.Error, "node lost")
			return "", &nodeLostError{node: node, err: r.err}
		}
		m.release(e, lost)
		if r.res.Status != swarmpb.ResultSuccess {
			if ctx.Err() != nil {
				// The agent most likely failed because the run was cancelled.
				span.SetStatus(codes.Error, "cancelled")
				return "", ctx.Err()
			}
			err := &crew.AgentExecutionError{Task: req.Task.Name, Agent: req.Task.Agent, Err: remoteError(node, r.res.Error)}
			span.RecordError(err)
			span.SetStatus(codes.Error, "agent failed")
			return "", err
		}
		return string(r.res.Result), nil

	case <-lost:
		span.SetStatus(codes.Error, "node lost")
		m.logger.Info("abandoning task on lost node, late result will be discarded", "task", req.Task.Name, "node", node)
		return "", &nodeLostError{node: node, err: ErrNodeUnreachable}

	case <-ctx.Done():
		m.release(e, lost)
		span.SetStatus(codes.Error, "cancelled")
		return "", ctx.Err()
	}
}

func remoteError(node, msg string) error {
	if msg == "" {
		msg = "task failed without an error message"
	}
	return fmt.Errorf("node %s: %s", node, msg)
}

// release marks e idle again after a dispatch, unless it was lost, removed or replaced
// in the meantime.
func (m *Manager) release(e *nodeEntry, lost <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nodes[e.info.ID] != e || e.lost != lost || e.info.Status == swarmpb.StatusUnreachable {
		return
	}
	e.info.Status = swarmpb.StatusIdle
	e.info.CurrentTask = ""
	e.info.LastSeen = time.Now()
	m.notifyLocked()
}

// markUnreachable excludes e from assignment and releases dispatches waiting on it.
// A stale lost channel means the node already went away and came back since the
// caller looked, so nothing is changed.
func (m *Manager) markUnreachable(e *nodeEntry, lost <-chan struct{}, cause error) {
	m.mu.Lock()
	if m.nodes[e.info.ID] != e || (lost != nil && e.lost != lost) || e.info.Status == swarmpb.StatusUnreachable {
		m.mu.Unlock()
		return
	}
	m.dropLocked(e)
	m.notifyLocked()
	m.mu.Unlock()

	m.logger.Warn("node unreachable", "node", e.info.ID, "error", cause)
	m.publish(EventNodeUnreachable, map[string]any{
		"node":  e.info.ID,
		"error": cause.Error(),
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
