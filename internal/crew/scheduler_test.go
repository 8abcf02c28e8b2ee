package crew

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mtzanidakis/swarmcrew/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	agents map[string]AgentFunc
	calls  atomic.Int32
}

func (f *fakeDispatcher) Has(agent string) bool {
	_, ok := f.agents[agent]
	return ok
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResponse, error) {
	f.calls.Add(1)
	out, err := f.agents[req.Task.Agent](ctx, req.Input)
	if err != nil {
		return DispatchResponse{}, &AgentExecutionError{Task: req.Task.Name, Agent: req.Task.Agent, Err: err}
	}
	return DispatchResponse{Output: out, Node: "local", Attempts: 1}, nil
}

func sleepy(d time.Duration) AgentFunc {
	return func(ctx context.Context, input string) (string, error) {
		select {
		case <-time.After(d):
			return strings.ToUpper(input), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func dep(task string) graph.Dependency { return graph.Dependency{Task: task, Key: task} }

func TestScheduler_DiamondRespectsDependencies(t *testing.T) {
	d := &fakeDispatcher{agents: map[string]AgentFunc{"w": sleepy(30 * time.Millisecond)}}
	tasks := []graph.Task{
		{Name: "a", Agent: "w", Prompt: "{topic}"},
		{Name: "b", Agent: "w", Prompt: "b sees {a}", Dependencies: []graph.Dependency{dep("a")}},
		{Name: "c", Agent: "w", Prompt: "c sees {a}", Dependencies: []graph.Dependency{dep("a")}},
		{Name: "d", Agent: "w", Prompt: "{b} & {c}", Dependencies: []graph.Dependency{dep("b"), dep("c")}},
	}

	res, err := Run(context.Background(), tasks, d, map[string]any{"topic": "go"}, WithEvaluation())
	require.NoError(t, err)
	require.True(t, res.OK(), res.Err())
	assert.NoError(t, res.Err())
	assert.EqualValues(t, 4, d.calls.Load())

	assert.Equal(t, "GO", res.Outputs["a"])
	assert.Equal(t, "B SEES GO & C SEES GO", res.Outputs["d"])
	assert.Equal(t, "go", res.Outputs["topic"])

	ta, tb, tc, td := res.Tasks["a"], res.Tasks["b"], res.Tasks["c"], res.Tasks["d"]
	assert.False(t, tb.Started.Before(ta.Finished))
	assert.False(t, tc.Started.Before(ta.Finished))
	assert.False(t, td.Started.Before(tb.Finished))
	assert.False(t, td.Started.Before(tc.Finished))

	require.NotNil(t, res.Report)
	assert.Len(t, res.Report.Tasks, 4)
	assert.Equal(t, []string{"c"}, res.Report.ParallelWith("b"))
	assert.Empty(t, res.Report.ParallelWith("a"))
	assert.Empty(t, res.Report.ParallelWith("d"))
	timing, ok := res.Report.Timing("d")
	require.True(t, ok)
	assert.Equal(t, []string{"b", "c"}, timing.Dependencies)
	assert.Equal(t, "local", timing.Node)
}

func TestScheduler_IndependentTasksRunConcurrently(t *testing.T) {
	const n = 3
	var arrived sync.WaitGroup
	arrived.Add(n)
	all := make(chan struct{})
	go func() {
		arrived.Wait()
		close(all)
	}()

	d := &fakeDispatcher{agents: map[string]AgentFunc{
		"barrier": func(ctx context.Context, input string) (string, error) {
			arrived.Done()
			select {
			case <-all:
				return input, nil
			case <-time.After(2 * time.Second):
				return "", errors.New("tasks did not run concurrently")
			}
		},
	}}
	tasks := []graph.Task{
		{Name: "x", Agent: "barrier", Prompt: "x"},
		{Name: "y", Agent: "barrier", Prompt: "y"},
		{Name: "z", Agent: "barrier", Prompt: "z"},
	}

	res, err := Run(context.Background(), tasks, d, nil)
	require.NoError(t, err)
	assert.True(t, res.OK(), res.Err())
}

func TestScheduler_ParallelismBound(t *testing.T) {
	var running, peak atomic.Int32
	d := &fakeDispatcher{agents: map[string]AgentFunc{
		"w": func(ctx context.Context, input string) (string, error) {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return input, nil
		},
	}}
	var tasks []graph.Task
	for _, name := range []string{"t1", "t2", "t3", "t4", "t5", "t6"} {
		tasks = append(tasks, graph.Task{Name: name, Agent: "w", Prompt: name})
	}

	res, err := Run(context.Background(), tasks, d, nil, WithParallelism(2))
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.EqualValues(t, 6, d.calls.Load())
}

func TestScheduler_CycleDispatchesNothing(t *testing.T) {
	d := &fakeDispatcher{agents: map[string]AgentFunc{"w": sleepy(0)}}
	_, err := Run(context.Background(), []graph.Task{
		{Name: "a", Agent: "w", Prompt: "{b}", Dependencies: []graph.Dependency{dep("b")}},
		{Name: "b", Agent: "w", Prompt: "{a}", Dependencies: []graph.Dependency{dep("a")}},
	}, d, nil)
	require.ErrorIs(t, err, graph.ErrCycle)
	assert.Zero(t, d.calls.Load())
}

func TestScheduler_UnknownAgentDispatchesNothing(t *testing.T) {
	d := &fakeDispatcher{agents: map[string]AgentFunc{"w": sleepy(0)}}
	_, err := Run(context.Background(), []graph.Task{
		{Name: "a", Agent: "w", Prompt: "a"},
		{Name: "b", Agent: "ghost", Prompt: "b"},
	}, d, nil)
	require.ErrorIs(t, err, ErrUnknownAgent)
	assert.Contains(t, err.Error(), "ghost")
	assert.Zero(t, d.calls.Load())
}

func TestScheduler_SeedCollidingWithResultKey(t *testing.T) {
	d := &fakeDispatcher{agents: map[string]AgentFunc{"w": sleepy(0)}}
	_, err := Run(context.Background(), []graph.Task{
		{Name: "a", Agent: "w", Prompt: "a", ResultKey: "summary"},
	}, d, map[string]any{"summary": "preset"})
	require.ErrorIs(t, err, ErrDuplicateKey)
	assert.Zero(t, d.calls.Load())
}

func TestScheduler_FailureSkipsDescendantsOnly(t *testing.T) {
	boom := errors.New("boom")
	d := &fakeDispatcher{agents: map[string]AgentFunc{
		"w":    sleepy(5 * time.Millisecond),
		"fail": func(context.Context, string) (string, error) { return "", boom },
	}}
	tasks := []graph.Task{
		{Name: "root", Agent: "w", Prompt: "r"},
		{Name: "bad", Agent: "fail", Prompt: "{root}", Dependencies: []graph.Dependency{dep("root")}},
		{Name: "good", Agent: "w", Prompt: "{root}", Dependencies: []graph.Dependency{dep("root")}},
		{Name: "after-bad", Agent: "w", Prompt: "{bad}", Dependencies: []graph.Dependency{dep("bad")}},
		{Name: "deep", Agent: "w", Prompt: "{after-bad} {good}", Dependencies: []graph.Dependency{dep("after-bad"), dep("good")}},
		{Name: "after-good", Agent: "w", Prompt: "{good}", Dependencies: []graph.Dependency{dep("good")}},
	}

	res, err := Run(context.Background(), tasks, d, nil)
	require.NoError(t, err)
	assert.False(t, res.OK())

	assert.Equal(t, StatusCompleted, res.Tasks["root"].Status)
	assert.Equal(t, StatusFailed, res.Tasks["bad"].Status)
	assert.Equal(t, StatusCompleted, res.Tasks["good"].Status)
	assert.Equal(t, StatusCompleted, res.Tasks["after-good"].Status)
	assert.Equal(t, StatusSkipped, res.Tasks["after-bad"].Status)
	assert.Equal(t, StatusSkipped, res.Tasks["deep"].Status)
	assert.EqualValues(t, 4, d.calls.Load())

	require.Len(t, res.Failures, 3)
	runErr := res.Err()
	assert.ErrorIs(t, runErr, ErrAgentExecution)
	assert.ErrorIs(t, runErr, boom)
	assert.ErrorIs(t, runErr, ErrDependencySkipped)

	var skipped *DependencySkippedError
	require.ErrorAs(t, res.Tasks["deep"].Err, &skipped)
	assert.Equal(t, "bad", skipped.Failed)

	assert.NotContains(t, res.Outputs, "bad")
	assert.Contains(t, res.Outputs, "after-good")
}

func TestScheduler_UnresolvedPlaceholderFailsTask(t *testing.T) {
	d := &fakeDispatcher{agents: map[string]AgentFunc{"w": sleepy(0)}}
	res, err := Run(context.Background(), []graph.Task{
		{Name: "a", Agent: "w", Prompt: "needs {missing}"},
		{Name: "b", Agent: "w", Prompt: "{a}", Dependencies: []graph.Dependency{dep("a")}},
		{Name: "c", Agent: "w", Prompt: "independent"},
	}, d, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Tasks["a"].Status)
	assert.ErrorIs(t, res.Tasks["a"].Err, ErrUnresolvedPlaceholder)
	assert.Equal(t, StatusSkipped, res.Tasks["b"].Status)
	assert.Equal(t, StatusCompleted, res.Tasks["c"].Status)
	assert.EqualValues(t, 1, d.calls.Load())
}

func TestScheduler_CancellationStopsNewDispatches(t *testing.T) {
	started := make(chan struct{})
	d := &fakeDispatcher{agents: map[string]AgentFunc{
		"block": func(ctx context.Context, input string) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
		"w": sleepy(0),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := Run(ctx, []graph.Task{
		{Name: "a", Agent: "block", Prompt: "a"},
		{Name: "b", Agent: "w", Prompt: "{a}", Dependencies: []graph.Dependency{dep("a")}},
	}, d, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, StatusCancelled, res.Tasks["a"].Status)
	assert.Equal(t, StatusCancelled, res.Tasks["b"].Status)
	assert.EqualValues(t, 1, d.calls.Load())
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) PublishEvent(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestScheduler_EmitsEvents(t *testing.T) {
	sink := &recordingSink{}
	d := &fakeDispatcher{agents: map[string]AgentFunc{"w": sleepy(0)}}
	g, err := graph.Build([]graph.Task{
		{Name: "a", Agent: "w", Prompt: "a"},
		{Name: "b", Agent: "w", Prompt: "{a}", Dependencies: []graph.Dependency{dep("a")}},
	})
	require.NoError(t, err)

	res, err := NewScheduler(g, d, WithEvents(sink), WithRunID("run-1")).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, []string{
		EventRunStarted,
		EventTaskStarted, EventTaskCompleted,
		EventTaskStarted, EventTaskCompleted,
		EventRunCompleted,
	}, sink.types())
}

func TestTruncateKeepsRunes(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))

	// "é" is two bytes; a byte cut at 2 would split it.
	out := truncate("aéb", 2)
	assert.Equal(t, "a...", out)
	assert.True(t, utf8.ValidString(out))

	long := strings.Repeat("ü", 150)
	out = truncate(long, 200)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, strings.Repeat("ü", 100)+"...", out)
}
