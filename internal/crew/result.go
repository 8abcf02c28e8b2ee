package crew

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// TaskOutcome is the final state of one task in a run.
type TaskOutcome struct {
	Name     string    `json:"name"`
	Agent    string    `json:"agent"`
	Status   Status    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Node     string    `json:"node,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`

	Err error `json:"-"`
}

// Result is the outcome of a run. Outputs holds every context binding at the end of
// the run, which is partial when some tasks did not complete.
type Result struct {
	RunID    string                 `json:"run_id"`
	Outputs  map[string]any         `json:"outputs"`
	Tasks    map[string]TaskOutcome `json:"tasks"`
	Failures []TaskOutcome          `json:"failures,omitempty"`
	Report   *Report                `json:"report,omitempty"`
	Started  time.Time              `json:"started"`
	Finished time.Time              `json:"finished"`
}

// OK reports whether every task completed.
func (r *Result) OK() bool {
	for _, o := range r.Tasks {
		if o.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Err joins the errors of every task that did not complete.
func (r *Result) Err() error {
	var errs []error
	for _, o := range r.Failures {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// Count returns how many tasks ended with status s.
func (r *Result) Count(s Status) int {
	n := 0
	for _, o := range r.Tasks {
		if o.Status == s {
			n++
		}
	}
	return n
}
