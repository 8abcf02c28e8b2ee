package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/config"
	"github.com/mtzanidakis/swarmcrew/internal/crew"
	"github.com/mtzanidakis/swarmcrew/internal/schedule"
)

// Runner executes one crew definition.
type Runner interface {
	RunCrew(ctx context.Context, def config.CrewDefinition) error
}

type RunnerFunc func(ctx context.Context, def config.CrewDefinition) error

func (f RunnerFunc) RunCrew(ctx context.Context, def config.CrewDefinition) error {
	return f(ctx, def)
}

// Event published after each scheduled run.
const EventCrewScheduled = "crew_scheduled_run"

// Entry is the schedule state of one crew.
type Entry struct {
	Crew       string    `json:"crew"`
	Schedule   string    `json:"schedule"`
	Describe   string    `json:"description"`
	NextRun    time.Time `json:"next_run,omitzero"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Running    bool      `json:"running"`
}

type entry struct {
	def   config.CrewDefinition
	sched *schedule.Schedule
	state Entry
}

// Scheduler triggers crews that declare a schedule. A crew is never started again
// while its previous run is still going.
type Scheduler struct {
	runner Runner
	events crew.EventSink
	logger *slog.Logger

	mu           sync.Mutex
	pollInterval time.Duration
	entries      map[string]*entry
	reloadCh     chan struct{}
	wg           sync.WaitGroup
}

func New(runner Runner, cfg config.SchedulerConfig, events crew.EventSink) *Scheduler {
	return &Scheduler{
		runner:       runner,
		events:       events,
		logger:       slog.Default().With("component", "scheduler"),
		pollInterval: cfg.PollInterval,
		entries:      make(map[string]*entry),
		reloadCh:     make(chan struct{}, 1),
	}
}

// SetCrews replaces the scheduled crews. Crews without a schedule are ignored; a crew
// whose schedule did not change keeps its next run time and history.
func (s *Scheduler) SetCrews(defs []config.CrewDefinition, now time.Time) error {
	next := make(map[string]*entry)
	var errs []string
	for _, def := range defs {
		if def.Schedule == "" {
			continue
		}
		sched, err := schedule.Parse(def.Schedule)
		if err != nil {
			errs = append(errs, fmt.Sprintf("crew %s: %v", def.Name, err))
			continue
		}
		e := &entry{def: def, sched: sched, state: Entry{
			Crew:     def.Name,
			Schedule: def.Schedule,
			Describe: sched.String(),
		}}
		if t, ok := sched.Next(now); ok {
			e.state.NextRun = t
		}
		next[def.Name] = e
	}

	s.mu.Lock()
	for name, e := range next {
		if old, ok := s.entries[name]; ok && old.def.Schedule == e.def.Schedule {
			e.state = old.state
		}
	}
	s.entries = next
	s.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("invalid schedules: %s", strings.Join(errs, "; "))
	}
	return nil
}

// UpdateConfig updates the poll interval and resets the run loop's ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.mu.Lock()
	s.pollInterval = pollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return 30 * time.Second
	}
	return s.pollInterval
}

// Start polls for due crews until ctx is done, then waits for running crews.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "poll_interval", interval, "crews", len(s.Entries()))

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			interval = s.interval()
			ticker.Reset(interval)
			s.logger.Info("scheduler config reloaded", "poll_interval", interval)
		case now := <-ticker.C:
			s.Poll(ctx, now)
		}
	}
}

// Poll starts every crew due at now and returns how many were started.
func (s *Scheduler) Poll(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.state.Running || e.state.NextRun.IsZero() || e.state.NextRun.After(now) {
			continue
		}
		e.state.Running = true
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(ctx, e, now)
		}()
	}
	return len(due)
}

// execute runs e and arms its next run after the later of the poll time and the
// finish time, so a past one-off schedule is not re-armed by a lagging clock.
func (s *Scheduler) execute(ctx context.Context, e *entry, polled time.Time) {
	s.logger.Info("executing scheduled crew", "crew", e.def.Name, "schedule", e.sched.String())

	err := s.runner.RunCrew(ctx, e.def)

	finished := time.Now()
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled crew failed", "crew", e.def.Name, "error", err)
	}

	s.mu.Lock()
	e.state.Running = false
	e.state.LastRun = finished
	e.state.LastStatus = status
	e.state.LastError = ""
	if err != nil {
		e.state.LastError = err.Error()
	}
	if next, ok := e.sched.Next(later(polled, finished)); ok {
		e.state.NextRun = next
	} else {
		s.logger.Info("no next run, schedule finished", "crew", e.def.Name)
		e.state.NextRun = time.Time{}
	}
	s.mu.Unlock()

	if s.events != nil {
		data := map[string]any{"crew": e.def.Name, "status": status}
		if err != nil {
			data["error"] = err.Error()
		}
		s.events.PublishEvent(crew.NewEvent(EventCrewScheduled, "", data))
	}
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// Entries returns the schedule state of every crew, sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.state)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Crew, b.Crew) })
	return out
}
