package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/crew"
	"github.com/mtzanidakis/swarmcrew/internal/graph"
	"github.com/mtzanidakis/swarmcrew/internal/store"
)

var ErrUnknownRun = errors.New("unknown run")

// Runner executes crew definitions against a dispatcher and records each run in the
// store. It serves the CLI, the HTTP API and the crew scheduler.
type Runner struct {
	dispatcher crew.Dispatcher
	mode       string
	store      *store.Store
	events     crew.EventSink
	logger     *slog.Logger

	mu     sync.Mutex
	cfg    config.CrewConfig
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Runner)

// WithStore records runs in s.
func WithStore(s *store.Store) Option {
	return func(r *Runner) { r.store = s }
}

func WithEvents(sink crew.EventSink) Option {
	return func(r *Runner) { r.events = sink }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a runner dispatching through d. mode is recorded with each run
// (store.ModeLocal or store.ModeSwarm).
func New(d crew.Dispatcher, mode string, cfg config.CrewConfig, opts ...Option) *Runner {
	r := &Runner{
		dispatcher: d,
		mode:       mode,
		cfg:        cfg,
		logger:     slog.Default(),
		active:     make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetConfig swaps the crew defaults used by later runs.
func (r *Runner) SetConfig(cfg config.CrewConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Runner) options(def config.CrewDefinition, id string) []crew.Option {
	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	opts := []crew.Option{
		crew.WithRunID(id),
		crew.WithLogger(r.logger.With("crew", def.Name)),
		crew.WithParallelism(cfg.Parallelism),
	}
	if def.Parallelism > 0 {
		opts = append(opts, crew.WithParallelism(def.Parallelism))
	}
	if def.Evaluate || cfg.Evaluate {
		opts = append(opts, crew.WithEvaluation())
	}
	if r.events != nil {
		opts = append(opts, crew.WithEvents(r.events))
	}
	return opts
}

// Run executes def synchronously. inputs are layered over the definition's inputs
// to seed the shared context.
func (r *Runner) Run(ctx context.Context, def config.CrewDefinition, inputs map[string]any) (*crew.Result, error) {
	g, err := graph.Build(def.Tasks)
	if err != nil {
		return nil, fmt.Errorf("crew %s: %w", def.Name, err)
	}
	return r.run(ctx, uuid.NewString(), def, g, inputs)
}

func (r *Runner) run(ctx context.Context, id string, def config.CrewDefinition, g *graph.Graph, inputs map[string]any) (*crew.Result, error) {
	seed := make(map[string]any, len(def.Inputs)+len(inputs))
	maps.Copy(seed, def.Inputs)
	maps.Copy(seed, inputs)

	r.save(&store.Run{ID: id, Name: def.Name, Mode: r.mode, Status: store.RunRunning, Tasks: g.Len()})

	res, err := crew.NewScheduler(g, r.dispatcher, r.options(def, id)...).Run(ctx, crew.NewContext(seed))

	rec := store.NewRun(def.Name, r.mode, res, err)
	rec.ID = id
	if res == nil {
		rec.Tasks = g.Len()
	}
	r.save(rec)

	if err != nil {
		return res, fmt.Errorf("crew %s: %w", def.Name, err)
	}
	return res, nil
}

func (r *Runner) save(rec *store.Run) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveRun(rec); err != nil {
		r.logger.Error("failed to record run", "run", rec.ID, "error", err)
	}
}

// RunCrew runs def and reports any task failure as an error.
func (r *Runner) RunCrew(ctx context.Context, def config.CrewDefinition) error {
	res, err := r.Run(ctx, def, nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("crew %s: %w", def.Name, res.Err())
	}
	return nil
}

// Launch validates def, checks that every agent it names is served, and runs it in
// the background, returning the run id. The run outlives the caller's request;
// Cancel or Shutdown stop it.
func (r *Runner) Launch(def config.CrewDefinition, inputs map[string]any) (string, error) {
	g, err := graph.Build(def.Tasks)
	if err != nil {
		return "", fmt.Errorf("crew %s: %w", def.Name, err)
	}
	if err := crew.CheckAgents(g, r.dispatcher); err != nil {
		return "", fmt.Errorf("crew %s: %w", def.Name, err)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.active[id] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, id)
			r.mu.Unlock()
			cancel()
		}()
		if _, err := r.run(ctx, id, def, g, inputs); err != nil {
			r.logger.Warn("launched run ended with error", "run", id, "crew", def.Name, "error", err)
		}
	}()
	return id, nil
}

// Cancel stops a launched run.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	cancel, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	cancel()
	return nil
}

// Active returns the number of launched runs still executing.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown cancels launched runs and waits for them to be recorded.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Wait blocks until every launched run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
