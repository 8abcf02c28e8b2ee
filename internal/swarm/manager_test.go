package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/crew"
	"github.com/mtzanidakis/swarmcrew/internal/graph"
	"github.com/mtzanidakis/swarmcrew/internal/swarmpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	id   string
	exec func(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error)

	mu       sync.Mutex
	echoID   string
	hbErr    error
	hbStatus string
	executed []string
	pushed   []string
	closed   bool
}

func (f *fakeNode) RegisterNode(_ context.Context, in *swarmpb.NodeInfo) (*swarmpb.NodeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id
	if f.echoID != "" {
		id = f.echoID
	}
	return &swarmpb.NodeStatus{NodeID: id, Status: swarmpb.StatusIdle}, nil
}

func (f *fakeNode) ExecuteTask(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, in.Name)
	exec := f.exec
	f.mu.Unlock()
	if exec == nil {
		return &swarmpb.TaskResult{Status: swarmpb.ResultSuccess, Result: []byte(f.id + ":" + string(in.Data))}, nil
	}
	return exec(ctx, in)
}

func (f *fakeNode) UpdateStatus(_ context.Context, in *swarmpb.NodeStatus) (*swarmpb.NodeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, in.Status)
	return &swarmpb.NodeStatus{NodeID: f.id, Status: swarmpb.StatusIdle}, nil
}

func (f *fakeNode) Heartbeat(_ context.Context, _ *swarmpb.NodeInfo) (*swarmpb.NodeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hbErr != nil {
		return nil, f.hbErr
	}
	st := f.hbStatus
	if st == "" {
		st = swarmpb.StatusIdle
	}
	return &swarmpb.NodeStatus{NodeID: f.id, Status: st}, nil
}

func (f *fakeNode) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeNode) setHeartbeatErr(err error) {
	f.mu.Lock()
	f.hbErr = err
	f.mu.Unlock()
}

func (f *fakeNode) snapshot() (executed, pushed []string, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...), append([]string(nil), f.pushed...), f.closed
}

// fakeSwarm dials fake nodes by address; each dial of an address returns its node.
type fakeSwarm map[string]*fakeNode

func (s fakeSwarm) dial(_ context.Context, address string) (NodeClient, error) {
	n, ok := s[address]
	if !ok {
		return nil, fmt.Errorf("no node at %s", address)
	}
	return n, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []crew.Event
}

func (r *recordingSink) PublishEvent(ev crew.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func testConfig() config.SwarmConfig {
	return config.SwarmConfig{
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  100 * time.Millisecond,
		NodeTimeout:       time.Minute,
		CallTimeout:       time.Second,
		RPCTimeout:        5 * time.Second,
		MaxAttempts:       3,
		RetryBackoff:      time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, nodes fakeSwarm, sink *recordingSink) *Manager {
	t.Helper()
	var opts []Option
	if sink != nil {
		opts = append(opts, WithEvents(sink))
	}
	m := NewManager(testConfig(), nodes.dial, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func register(t *testing.T, m *Manager, id string, agents ...string) {
	t.Helper()
	_, err := m.RegisterNode(context.Background(), id, id, agents)
	require.NoError(t, err)
}

func request(name, agent, input string) crew.DispatchRequest {
	return crew.DispatchRequest{RunID: "run", Task: graph.Task{Name: name, Agent: agent}, Input: input}
}

func statusOf(t *testing.T, m *Manager, id string) string {
	t.Helper()
	n, ok := m.Node(id)
	require.True(t, ok, "node %s not registered", id)
	return n.Status
}

func TestRegisterNode(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a"}, "b": {id: "b", echoID: "impostor"}}
	m := newTestManager(t, nodes, nil)

	n, err := m.RegisterNode(context.Background(), "a", "a", []string{"w"})
	require.NoError(t, err)
	assert.Equal(t, swarmpb.StatusIdle, n.Status)
	assert.Equal(t, []string{"w"}, n.Agents)
	assert.False(t, n.LastSeen.IsZero())

	_, err = m.RegisterNode(context.Background(), "b", "b", []string{"w"})
	require.ErrorIs(t, err, ErrRegistrationRejected)
	_, _, closed := nodes["b"].snapshot()
	assert.True(t, closed)

	_, err = m.RegisterNode(context.Background(), "c", "c", []string{"w"})
	require.Error(t, err)

	_, err = m.RegisterNode(context.Background(), "a", "a", nil)
	require.Error(t, err)

	assert.Len(t, m.Nodes(), 1)
	assert.True(t, m.Has("w"))
	assert.False(t, m.Has("x"))
}

func TestRegisterNodeReplacesEntry(t *testing.T) {
	nodes := fakeSwarm{"a1": {id: "a"}, "a2": {id: "a"}}
	m := newTestManager(t, nodes, nil)

	_, err := m.RegisterNode(context.Background(), "a", "a1", []string{"w"})
	require.NoError(t, err)
	_, err = m.RegisterNode(context.Background(), "a", "a2", []string{"w", "x"})
	require.NoError(t, err)

	all := m.Nodes()
	require.Len(t, all, 1)
	assert.Equal(t, "a2", all[0].Address)
	assert.Equal(t, []string{"w", "x"}, all[0].Agents)
	_, _, closed := nodes["a1"].snapshot()
	assert.True(t, closed)
}

func TestRemoveNode(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a"}}
	sink := &recordingSink{}
	m := newTestManager(t, nodes, sink)
	register(t, m, "a", "w")

	require.NoError(t, m.RemoveNode(context.Background(), "a"))
	assert.Empty(t, m.Nodes())
	_, pushed, closed := nodes["a"].snapshot()
	assert.Equal(t, []string{swarmpb.StatusUnreachable}, pushed)
	assert.True(t, closed)
	assert.Equal(t, []string{EventNodeRegistered, EventNodeRemoved}, sink.types())

	require.ErrorIs(t, m.RemoveNode(context.Background(), "a"), ErrUnknownNode)
}

func TestDispatchPicksFirstIdleCapableNode(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a"}, "b": {id: "b"}, "c": {id: "c"}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "x")
	register(t, m, "b", "w")
	register(t, m, "c", "w")

	for i := range 3 {
		resp, err := m.Dispatch(context.Background(), request(fmt.Sprintf("t%d", i), "w", "in"))
		require.NoError(t, err)
		assert.Equal(t, "b", resp.Node)
		assert.Equal(t, "b:in", resp.Output)
		assert.Equal(t, 1, resp.Attempts)
	}
	assert.Equal(t, swarmpb.StatusIdle, statusOf(t, m, "b"))
	executed, _, _ := nodes["a"].snapshot()
	assert.Empty(t, executed)
}

func TestDispatchSpreadsAcrossBusyNodes(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)
	block := func(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
		started <- in.Name
		<-release
		return &swarmpb.TaskResult{Status: swarmpb.ResultSuccess, Result: in.Data}, nil
	}
	nodes := fakeSwarm{"a": {id: "a", exec: block}, "b": {id: "b", exec: block}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")
	register(t, m, "b", "w")

	var wg sync.WaitGroup
	got := make(chan string, 2)
	for _, name := range []string{"t1", "t2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Dispatch(context.Background(), request(name, "w", name))
			assert.NoError(t, err)
			got <- resp.Node
		}()
	}
	<-started
	<-started
	assert.Equal(t, swarmpb.StatusBusy, statusOf(t, m, "a"))
	assert.Equal(t, swarmpb.StatusBusy, statusOf(t, m, "b"))
	close(release)
	wg.Wait()
	close(got)

	var used []string
	for n := range got {
		used = append(used, n)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, used)
}

func TestDispatchWaitsForBusyNode(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return &swarmpb.TaskResult{Status: swarmpb.ResultSuccess, Result: in.Data}, nil
	}
	nodes := fakeSwarm{"a": {id: "a", exec: slow}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")

	var wg sync.WaitGroup
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := m.Dispatch(context.Background(), request(fmt.Sprintf("t%d", i), "w", "x"))
			assert.NoError(t, err)
			assert.Equal(t, "a", resp.Node)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
	executed, _, _ := nodes["a"].snapshot()
	assert.Len(t, executed, 3)
}

func TestDispatchAgentFailureIsNotRetried(t *testing.T) {
	fail := func(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
		return &swarmpb.TaskResult{Status: swarmpb.ResultFailure, Error: "model refused"}, nil
	}
	nodes := fakeSwarm{"a": {id: "a", exec: fail}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")

	resp, err := m.Dispatch(context.Background(), request("t", "w", "x"))
	require.ErrorIs(t, err, crew.ErrAgentExecution)
	assert.Contains(t, err.Error(), "model refused")
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, swarmpb.StatusIdle, statusOf(t, m, "a"))
}

func TestRequeueWhenNodeIsLost(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)
	hang := func(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
		started <- struct{}{}
		<-release
		return &swarmpb.TaskResult{Status: swarmpb.ResultSuccess, Result: []byte("late")}, nil
	}
	nodes := fakeSwarm{"a": {id: "a", exec: hang}, "b": {id: "b"}}
	sink := &recordingSink{}
	m := newTestManager(t, nodes, sink)
	register(t, m, "a", "w")
	register(t, m, "b", "w")

	type outcome struct {
		resp crew.DispatchResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := m.Dispatch(context.Background(), request("t", "w", "job"))
		done <- outcome{resp, err}
	}()
	<-started

	nodes["a"].setHeartbeatErr(errors.New("connection refused"))
	m.CheckNodes(context.Background())

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, "b", o.resp.Node)
		assert.Equal(t, "b:job", o.resp.Output)
		assert.Equal(t, 2, o.resp.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch was not requeued")
	}

	assert.Equal(t, swarmpb.StatusUnreachable, statusOf(t, m, "a"))
	assert.Contains(t, sink.types(), EventNodeUnreachable)
	assert.Contains(t, sink.types(), EventTaskRequeued)
}

func TestRetryExhaustionFailsTask(t *testing.T) {
	refused := func(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
		return nil, errors.New("connection refused")
	}
	nodes := fakeSwarm{"a": {id: "a", exec: refused}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")

	m.SubmitTask(graph.Task{Name: "t", Agent: "w", Prompt: "{topic}"})
	m.SubmitTask(graph.Task{Name: "after", Agent: "w", Prompt: "{t}", Dependencies: []graph.Dependency{{Task: "t", Key: "t"}}})

	res, err := m.Run(context.Background(), map[string]any{"topic": "go"})
	require.NoError(t, err)
	require.False(t, res.OK())

	out := res.Tasks["t"]
	assert.Equal(t, crew.StatusFailed, out.Status)
	assert.Equal(t, 3, out.Attempts)
	require.ErrorIs(t, out.Err, ErrNodeUnreachable)
	var nue *NodeUnreachableError
	require.ErrorAs(t, out.Err, &nue)
	assert.Equal(t, 3, nue.Attempts)
	assert.Equal(t, "a", nue.Node)
	assert.ErrorIs(t, out.Err, ErrNoCapableNode)

	assert.Equal(t, crew.StatusSkipped, res.Tasks["after"].Status)
	executed, _, _ := nodes["a"].snapshot()
	assert.Equal(t, []string{"t"}, executed)
	assert.Equal(t, 0, m.Status().Queued)
}

func TestRunOnSwarm(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a"}, "b": {id: "b"}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "research")
	register(t, m, "b", "write")

	m.SubmitTask(graph.Task{Name: "research", Agent: "research", Prompt: "about {topic}"})
	m.SubmitTask(graph.Task{Name: "draft", Agent: "write", Prompt: "use {research}", Dependencies: []graph.Dependency{{Task: "research", Key: "research"}}})
	assert.Equal(t, 2, m.Status().Queued)

	res, err := m.Run(context.Background(), map[string]any{"topic": "go"}, crew.WithEvaluation())
	require.NoError(t, err)
	require.True(t, res.OK(), res.Err())

	assert.Equal(t, "a:about go", res.Outputs["research"])
	assert.Equal(t, "b:use a:about go", res.Outputs["draft"])
	assert.Equal(t, "a", res.Tasks["research"].Node)
	assert.Equal(t, "b", res.Tasks["draft"].Node)
	require.NotNil(t, res.Report)
	tm, ok := res.Report.Timing("draft")
	require.True(t, ok)
	assert.Equal(t, "b", tm.Node)
}

func TestRunRejectsUnknownAgentBeforeDispatch(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a"}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")

	m.SubmitTask(graph.Task{Name: "t", Agent: "nobody"})
	_, err := m.Run(context.Background(), nil)
	require.ErrorIs(t, err, crew.ErrUnknownAgent)
	executed, _, _ := nodes["a"].snapshot()
	assert.Empty(t, executed)
}

func TestHeartbeatRecovery(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a"}}
	sink := &recordingSink{}
	m := newTestManager(t, nodes, sink)
	register(t, m, "a", "w")

	nodes["a"].setHeartbeatErr(errors.New("timeout"))
	m.CheckNodes(context.Background())
	assert.Equal(t, swarmpb.StatusUnreachable, statusOf(t, m, "a"))

	cfg := testConfig()
	cfg.MaxAttempts = 1
	m.SetConfig(cfg)
	_, err := m.Dispatch(context.Background(), request("t", "w", "x"))
	require.ErrorIs(t, err, ErrNodeUnreachable)
	require.ErrorIs(t, err, ErrNoCapableNode)

	nodes["a"].setHeartbeatErr(nil)
	m.CheckNodes(context.Background())
	assert.Equal(t, swarmpb.StatusIdle, statusOf(t, m, "a"))
	_, pushed, _ := nodes["a"].snapshot()
	assert.Equal(t, []string{swarmpb.StatusIdle}, pushed)

	resp, err := m.Dispatch(context.Background(), request("t", "w", "x"))
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Node)

	assert.Equal(t, []string{EventNodeRegistered, EventNodeUnreachable, EventNodeRecovered, EventTaskDispatched}, sink.types())
}

func TestHeartbeatReportedBusy(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a", hbStatus: swarmpb.StatusBusy}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")

	m.CheckNodes(context.Background())
	assert.Equal(t, swarmpb.StatusBusy, statusOf(t, m, "a"))

	nodes["a"].mu.Lock()
	nodes["a"].hbStatus = swarmpb.StatusIdle
	nodes["a"].mu.Unlock()
	m.CheckNodes(context.Background())
	assert.Equal(t, swarmpb.StatusIdle, statusOf(t, m, "a"))
}

func TestSilentNodeExpires(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a"}}
	sink := &recordingSink{}
	m := newTestManager(t, nodes, sink)
	register(t, m, "a", "w")

	time.Sleep(5 * time.Millisecond)
	m.expire(time.Millisecond)
	assert.Equal(t, swarmpb.StatusUnreachable, statusOf(t, m, "a"))

	sink.mu.Lock()
	last := sink.events[len(sink.events)-1]
	sink.mu.Unlock()
	assert.Equal(t, EventNodeUnreachable, last.Type)
	assert.True(t, strings.Contains(last.Data["error"].(string), ErrHeartbeatTimeout.Error()))
}

func TestStartPollsHeartbeats(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a"}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")
	nodes["a"].setHeartbeatErr(errors.New("gone"))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(stopped)
	}()

	assert.Eventually(t, func() bool {
		n, _ := m.Node("a")
		return n.Status == swarmpb.StatusUnreachable
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-stopped
}

func TestDispatchCancelled(t *testing.T) {
	hang := func(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	nodes := fakeSwarm{"a": {id: "a", exec: hang}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Dispatch(ctx, request("t", "w", "x"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, swarmpb.StatusIdle, statusOf(t, m, "a"))
}

func TestLateResultFromLostNodeIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	lateSent := make(chan struct{})
	started := make(chan struct{}, 1)
	hang := func(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
		started <- struct{}{}
		<-release
		close(lateSent)
		return &swarmpb.TaskResult{Status: swarmpb.ResultSuccess, Result: []byte("late")}, nil
	}
	// b holds the dependent task until a's late result has been returned.
	serve := func(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
		if in.Name == "u" {
			select {
			case <-lateSent:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &swarmpb.TaskResult{Status: swarmpb.ResultSuccess, Result: []byte("b:" + string(in.Data))}, nil
	}
	nodes := fakeSwarm{"a": {id: "a", exec: hang}, "b": {id: "b", exec: serve}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")
	register(t, m, "b", "w")

	m.SubmitTask(graph.Task{Name: "t", Agent: "w", Prompt: "{topic}"})
	m.SubmitTask(graph.Task{Name: "u", Agent: "w", Prompt: "{t}", Dependencies: []graph.Dependency{{Task: "t", Key: "t"}}})

	type outcome struct {
		res *crew.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.Run(context.Background(), map[string]any{"topic": "job"})
		done <- outcome{res, err}
	}()
	<-started

	nodes["a"].setHeartbeatErr(errors.New("connection refused"))
	m.CheckNodes(context.Background())

	require.Eventually(t, func() bool {
		executed, _, _ := nodes["b"].snapshot()
		return len(executed) > 0 && executed[0] == "t"
	}, 5*time.Second, 5*time.Millisecond)
	close(release)

	var o outcome
	select {
	case o = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	require.NoError(t, o.err)
	require.True(t, o.res.OK(), o.res.Err())
	require.NoError(t, o.res.Err())

	assert.Equal(t, "b:job", o.res.Outputs["t"])
	assert.Equal(t, "b:b:job", o.res.Outputs["u"])
	assert.Equal(t, "b", o.res.Tasks["t"].Node)
	assert.Equal(t, 2, o.res.Tasks["t"].Attempts)
	assert.Equal(t, "b", o.res.Tasks["u"].Node)
	executed, _, _ := nodes["a"].snapshot()
	assert.Equal(t, []string{"t"}, executed)
}

func TestIdleHeartbeatDoesNotFreeClaimedNode(t *testing.T) {
	nodes := fakeSwarm{"a": {id: "a"}}
	m := newTestManager(t, nodes, nil)
	register(t, m, "a", "w")

	e, lost, err := m.acquire(context.Background(), graph.Task{Name: "t", Agent: "w"})
	require.NoError(t, err)

	// The fake node reports idle; the claim must survive it.
	m.CheckNodes(context.Background())
	n, ok := m.Node("a")
	require.True(t, ok)
	assert.Equal(t, swarmpb.StatusBusy, n.Status)
	assert.Equal(t, "t", n.CurrentTask)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = m.acquire(ctx, graph.Task{Name: "t2", Agent: "w"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	m.release(e, lost)
	assert.Equal(t, swarmpb.StatusIdle, statusOf(t, m, "a"))
}

func TestDispatchWaitsForHeartbeatRecovery(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, in *swarmpb.TaskMessage) (*swarmpb.TaskResult, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return &swarmpb.TaskResult{Status: swarmpb.ResultSuccess, Result: []byte("a:" + string(in.Data))}, nil
	}
	nodes := fakeSwarm{"a": {id: "a", exec: flaky}}
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	cfg.MaxAttempts = 2
	m := NewManager(cfg, nodes.dial)
	t.Cleanup(func() { _ = m.Close() })
	register(t, m, "a", "w")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	resp, err := m.Dispatch(context.Background(), request("t", "w", "job"))
	require.NoError(t, err)
	assert.Equal(t, "a", resp.Node)
	assert.Equal(t, "a:job", resp.Output)
	assert.Equal(t, 2, resp.Attempts)
}
