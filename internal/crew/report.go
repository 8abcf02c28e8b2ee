package crew

import (
	"slices"
	"sync"
	"time"
)

// TaskTiming is the execution window of one task.
type TaskTiming struct {
	Name         string        `json:"name"`
	Agent        string        `json:"agent"`
	Node         string        `json:"node,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Start        time.Time     `json:"start"`
	End          time.Time     `json:"end"`
	Duration     time.Duration `json:"duration"`
}

// Overlap names two tasks whose execution windows intersected.
type Overlap struct {
	A string `json:"a"`
	B string `json:"b"`
}

type Report struct {
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Total    time.Duration `json:"total"`
	Tasks    []TaskTiming  `json:"tasks"`
	Overlaps []Overlap     `json:"overlaps,omitempty"`
}

// ParallelWith returns the tasks that ran at the same time as name.
func (r *Report) ParallelWith(name string) []string {
	var out []string
	for _, o := range r.Overlaps {
		switch name {
		case o.A:
			out = append(out, o.B)
		case o.B:
			out = append(out, o.A)
		}
	}
	return out
}

// Timing returns the recorded window of a task.
func (r *Report) Timing(name string) (TaskTiming, bool) {
	i := slices.IndexFunc(r.Tasks, func(t TaskTiming) bool { return t.Name == name })
	if i < 0 {
		return TaskTiming{}, false
	}
	return r.Tasks[i], true
}

// Recorder collects task timings while a run executes. It only observes.
type Recorder struct {
	mu      sync.Mutex
	started time.Time
	timings []TaskTiming
}

func NewRecorder() *Recorder {
	return &Recorder{started: time.Now()}
}

func (r *Recorder) Record(t TaskTiming) {
	t.Duration = t.End.Sub(t.Start)
	r.mu.Lock()
	r.timings = append(r.timings, t)
	r.mu.Unlock()
}

// Report closes the recording and computes overlapping pairs. Windows that merely
// touch (one ends exactly when the other starts) do not overlap.
func (r *Recorder) Report() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	finished := time.Now()
	rep := &Report{
		Started:  r.started,
		Finished: finished,
		Total:    finished.Sub(r.started),
		Tasks:    slices.Clone(r.timings),
	}
	slices.SortStableFunc(rep.Tasks, func(a, b TaskTiming) int { return a.Start.Compare(b.Start) })

	for i, a := range rep.Tasks {
		for _, b := range rep.Tasks[i+1:] {
			if a.Start.Before(b.End) && b.Start.Before(a.End) {
				rep.Overlaps = append(rep.Overlaps, Overlap{A: a.Name, B: b.Name})
			}
		}
	}
	return rep
}
