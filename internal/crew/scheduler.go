package crew

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mtzanidakis/swarmcrew/internal/graph"
	"github.com/mtzanidakis/swarmcrew/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("swarmcrew.crew")

type Option func(*Scheduler)

// WithParallelism bounds the number of tasks in flight. Zero means one slot per task.
func WithParallelism(n int) Option {
	return func(s *Scheduler) { s.parallelism = n }
}

// WithEvaluation attaches a timing report to the result.
func WithEvaluation() Option {
	return func(s *Scheduler) { s.evaluate = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithEvents(sink EventSink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.events = sink
		}
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(s *Scheduler) { s.runID = id }
}

// Scheduler executes a graph with the wavefront algorithm: every completion re-evaluates
// readiness, so a task starts as soon as its own sources are done.
type Scheduler struct {
	graph       *graph.Graph
	dispatcher  Dispatcher
	parallelism int
	evaluate    bool
	logger      *slog.Logger
	events      EventSink
	runID       string
}

func NewScheduler(g *graph.Graph, d Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		graph:      g,
		dispatcher: d,
		logger:     slog.Default(),
		events:     discardSink{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type completion struct {
	task  graph.Task
	resp  DispatchResponse
	err   error
	start time.Time
	end   time.Time
}

// Run executes every task of the graph against cctx. Task failures are reported in the
// result, not as an error; the error is non-nil when the run could not start or when
// ctx was cancelled before every task finished.
func (s *Scheduler) Run(ctx context.Context, cctx *Context) (*Result, error) {
	if cctx == nil {
		cctx = NewContext(nil)
	}
	if err := s.preflight(cctx); err != nil {
		return nil, err
	}

	runID := s.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	n := s.graph.Len()

	ctx, span := tracer.Start(ctx, "crew.Run",
		trace.WithAttributes(
			attribute.String("crew.run_id", runID),
			attribute.Int("crew.task_count", n),
		),
	)
	defer span.End()

	r := &run{
		s:         s,
		id:        runID,
		cctx:      cctx,
		logger:    s.logger.With("run", runID),
		outcomes:  make(map[string]*TaskOutcome, n),
		completed: make(map[string]bool, n),
		started:   make(map[string]bool, n),
		begun:     time.Now(),
	}
	if s.evaluate {
		r.rec = NewRecorder()
	}
	for _, t := range s.graph.Tasks() {
		r.outcomes[t.Name] = &TaskOutcome{Name: t.Name, Agent: t.Agent, Status: StatusPending}
	}

	limit := s.parallelism
	if limit <= 0 || limit > n {
		limit = n
	}
	sem := semaphore.NewWeighted(int64(max(limit, 1)))
	done := make(chan completion, n)
	inFlight := 0

	r.logger.Info("run started", "tasks", n, "parallelism", limit)
	s.events.PublishEvent(NewEvent(EventRunStarted, runID, map[string]any{"tasks": n}))

	stopping := false
	for {
		if !stopping {
			for _, name := range s.graph.ReadyTasks(r.completed) {
				if r.started[name] {
					continue
				}
				if ctx.Err() != nil {
					stopping = true
					break
				}
				t, _ := s.graph.Task(name)
				r.started[name] = true

				input, err := cctx.Render(t.Prompt, nil)
				if err != nil {
					r.fail(t, fmt.Errorf("task %q: render prompt: %w", t.Name, err))
					continue
				}
				// Blocks only until a running task hands its slot back.
				if err := sem.Acquire(ctx, 1); err != nil {
					r.started[name] = false
					stopping = true
					break
				}
				inFlight++
				r.begin(t)
				go s.dispatch(ctx, runID, t, input, sem, done)
			}
		}
		if inFlight == 0 {
			break
		}
		c := <-done
		inFlight--
		r.finish(ctx, c)
	}

	res := r.result(ctx)
	if res.Count(StatusCancelled) > 0 {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "run cancelled")
		metrics.RunsTotal.WithLabelValues(string(StatusCancelled)).Inc()
		return res, err
	}
	if !res.OK() {
		span.SetStatus(codes.Error, "tasks failed")
		metrics.RunsTotal.WithLabelValues(string(StatusFailed)).Inc()
	} else {
		metrics.RunsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	}
	return res, nil
}

// preflight rejects runs that cannot succeed before anything is dispatched.
func (s *Scheduler) preflight(cctx *Context) error {
	var errs []error
	for _, t := range s.graph.Tasks() {
		if cctx.Has(t.Key()) {
			errs = append(errs, fmt.Errorf("task %q: %w", t.Name, &DuplicateKeyError{Key: t.Key()}))
		}
	}
	if err := CheckAgents(s.graph, s.dispatcher); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CheckAgents fails with ErrUnknownAgent for every agent in g that d does not
// serve. Dispatchers that do not implement Capabilities are not checked.
func CheckAgents(g *graph.Graph, d Dispatcher) error {
	caps, ok := d.(Capabilities)
	if !ok {
		return nil
	}
	var errs []error
	for _, a := range g.Agents() {
		if !caps.Has(a) {
			errs = append(errs, fmt.Errorf("%w %q", ErrUnknownAgent, a))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) dispatch(ctx context.Context, runID string, t graph.Task, input string, sem *semaphore.Weighted, done chan<- completion) {
	ctx, span := tracer.Start(ctx, "crew.Task",
		trace.WithAttributes(
			attribute.String("crew.task", t.Name),
			attribute.String("crew.agent", t.Agent),
			attribute.StringSlice("crew.dependencies", t.Sources()),
		),
	)

	metrics.TasksInFlight.Inc()
	start := time.Now()
	resp, err := s.dispatcher.Dispatch(ctx, DispatchRequest{RunID: runID, Task: t, Input: input})
	end := time.Now()
	metrics.TasksInFlight.Dec()
	metrics.TaskDuration.WithLabelValues(t.Agent).Observe(end.Sub(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("crew.node", resp.Node), attribute.Int("crew.attempts", resp.Attempts))
	}
	span.End()

	sem.Release(1)
	done <- completion{task: t, resp: resp, err: err, start: start, end: end}
}

// run is the bookkeeping of one Scheduler.Run call. It is only touched by the
// goroutine driving the loop.
type run struct {
	s         *Scheduler
	id        string
	cctx      *Context
	logger    *slog.Logger
	rec       *Recorder
	outcomes  map[string]*TaskOutcome
	completed map[string]bool
	started   map[string]bool
	begun     time.Time
}

func (r *run) begin(t graph.Task) {
	r.logger.Debug("task started", "task", t.Name, "agent", t.Agent)
	r.s.events.PublishEvent(NewEvent(EventTaskStarted, r.id, map[string]any{
		"task":  t.Name,
		"agent": t.Agent,
	}))
}

func (r *run) finish(ctx context.Context, c completion) {
	o := r.outcomes[c.task.Name]
	o.Started, o.Finished = c.start, c.end
	o.Node, o.Attempts = c.resp.Node, c.resp.Attempts

	if r.rec != nil {
		r.rec.Record(TaskTiming{
			Name:         c.task.Name,
			Agent:        c.task.Agent,
			Node:         c.resp.Node,
			Dependencies: c.task.Sources(),
			Start:        c.start,
			End:          c.end,
		})
	}

	err := c.err
	if err == nil {
		if err = r.cctx.Set(c.task.Key(), c.resp.Output); err != nil {
			err = fmt.Errorf("task %q: store result: %w", c.task.Name, err)
		}
	}
	switch {
	case err == nil:
		o.Status = StatusCompleted
		r.completed[c.task.Name] = true
		metrics.TasksTotal.WithLabelValues(string(StatusCompleted)).Inc()
		r.logger.Info("task completed", "task", c.task.Name, "agent", c.task.Agent,
			"node", c.resp.Node, "duration", c.end.Sub(c.start))
		r.s.events.PublishEvent(NewEvent(EventTaskCompleted, r.id, map[string]any{
			"task":     c.task.Name,
			"node":     c.resp.Node,
			"attempts": c.resp.Attempts,
			"output":   truncate(c.resp.Output, 200),
		}))
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		o.Status = StatusCancelled
		o.Err = fmt.Errorf("task %q: %w", c.task.Name, err)
		o.Error = o.Err.Error()
		metrics.TasksTotal.WithLabelValues(string(StatusCancelled)).Inc()
		r.logger.Info("task cancelled", "task", c.task.Name)
	default:
		r.fail(c.task, err)
	}
}

// fail records a failed task and skips everything downstream of it.
func (r *run) fail(t graph.Task, err error) {
	o := r.outcomes[t.Name]
	o.Status = StatusFailed
	o.Err = err
	o.Error = err.Error()
	metrics.TasksTotal.WithLabelValues(string(StatusFailed)).Inc()
	r.logger.Warn("task failed", "task", t.Name, "agent", t.Agent, "error", err)
	r.s.events.PublishEvent(NewEvent(EventTaskFailed, r.id, map[string]any{
		"task":  t.Name,
		"error": err.Error(),
	}))

	for _, name := range r.s.graph.Descendants(t.Name) {
		d := r.outcomes[name]
		if d.Status != StatusPending {
			continue
		}
		r.started[name] = true
		d.Status = StatusSkipped
		d.Err = &DependencySkippedError{Task: name, Failed: t.Name}
		d.Error = d.Err.Error()
		metrics.TasksTotal.WithLabelValues(string(StatusSkipped)).Inc()
		r.logger.Info("task skipped", "task", name, "failed", t.Name)
		r.s.events.PublishEvent(NewEvent(EventTaskSkipped, r.id, map[string]any{
			"task":   name,
			"failed": t.Name,
		}))
	}
}

func (r *run) result(ctx context.Context) *Result {
	res := &Result{
		RunID:    r.id,
		Outputs:  r.cctx.Snapshot(),
		Tasks:    make(map[string]TaskOutcome, len(r.outcomes)),
		Started:  r.begun,
		Finished: time.Now(),
	}
	for _, t := range r.s.graph.Tasks() {
		o := r.outcomes[t.Name]
		if o.Status == StatusPending {
			err := context.Cause(ctx)
			if err == nil {
				err = context.Canceled
			}
			o.Status = StatusCancelled
			o.Err = fmt.Errorf("task %q not started: %w", t.Name, err)
			o.Error = o.Err.Error()
			metrics.TasksTotal.WithLabelValues(string(StatusCancelled)).Inc()
		}
		res.Tasks[t.Name] = *o
		if o.Status != StatusCompleted {
			res.Failures = append(res.Failures, *o)
		}
	}
	if r.rec != nil {
		res.Report = r.rec.Report()
	}

	r.logger.Info("run finished",
		"completed", res.Count(StatusCompleted),
		"failed", res.Count(StatusFailed),
		"skipped", res.Count(StatusSkipped),
		"cancelled", res.Count(StatusCancelled),
		"duration", res.Finished.Sub(res.Started),
	)
	r.s.events.PublishEvent(NewEvent(EventRunCompleted, r.id, map[string]any{
		"ok":        res.OK(),
		"completed": res.Count(StatusCompleted),
		"failed":    res.Count(StatusFailed),
		"skipped":   res.Count(StatusSkipped),
	}))
	return res
}

// Run builds a graph from tasks and executes it with d, seeding the context with seed.
func Run(ctx context.Context, tasks []graph.Task, d Dispatcher, seed map[string]any, opts ...Option) (*Result, error) {
	g, err := graph.Build(tasks)
	if err != nil {
		return nil, err
	}
	return NewScheduler(g, d, opts...).Run(ctx, NewContext(seed))
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
