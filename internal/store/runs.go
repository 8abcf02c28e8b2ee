package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/swarmcrew/internal/crew"
)

// Run status values.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Run modes.
const (
	ModeLocal = "local"
	ModeSwarm = "swarm"
)

type Run struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Mode        string       `json:"mode"`
	Status      string       `json:"status"`
	Tasks       int          `json:"tasks"`
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	Error       string       `json:"error,omitempty"`
	Result      *crew.Result `json:"result,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// NewRun builds the history record for a finished run. runErr is the error returned
// by the scheduler, if any.
func NewRun(name, mode string, res *crew.Result, runErr error) *Run {
	r := &Run{Name: name, Mode: mode, Status: RunCompleted, StartedAt: time.Now()}
	if runErr != nil {
		r.Error = runErr.Error()
		r.Status = RunFailed
	}
	if res == nil {
		now := time.Now()
		r.CompletedAt = &now
		return r
	}

	r.ID = res.RunID
	r.Result = res
	r.Tasks = len(res.Tasks)
	r.Completed = res.Count(crew.StatusCompleted)
	r.Failed = res.Count(crew.StatusFailed)
	r.Skipped = res.Count(crew.StatusSkipped)
	r.StartedAt = res.Started
	finished := res.Finished
	r.CompletedAt = &finished

	switch {
	case res.Count(crew.StatusCancelled) > 0:
		r.Status = RunCancelled
	case !res.OK():
		r.Status = RunFailed
		if err := res.Err(); err != nil && r.Error == "" {
			r.Error = err.Error()
		}
	}
	return r
}

func (s *Store) compress(res *crew.Result) ([]byte, error) {
	if res == nil {
		return nil, nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return s.enc.EncodeAll(data, nil), nil
}

func (s *Store) decompress(blob []byte) (*crew.Result, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	data, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress result: %w", err)
	}
	res := &crew.Result{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return res, nil
}

// SaveRun inserts r or updates the mutable fields of an existing record.
func (s *Store) SaveRun(r *Run) error {
	if r.ID == "" {
		return fmt.Errorf("save run: empty id")
	}
	blob, err := s.compress(r.Result)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	var completed any
	if r.CompletedAt != nil {
		completed = r.CompletedAt.UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, name, mode, status, tasks, completed, failed, skipped, error, result, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			tasks = excluded.tasks,
			completed = excluded.completed,
			failed = excluded.failed,
			skipped = excluded.skipped,
			error = excluded.error,
			result = excluded.result,
			completed_at = excluded.completed_at`,
		r.ID, r.Name, r.Mode, r.Status, r.Tasks, r.Completed, r.Failed, r.Skipped,
		nullString(r.Error), blob, r.StartedAt.UTC(), completed)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

const runColumns = `id, name, mode, status, tasks, completed, failed, skipped, error, started_at, completed_at`

func scanRun(scanner interface {
	Scan(dest ...any) error
}, extra ...any) (*Run, error) {
	r := &Run{}
	var errMsg sql.NullString
	dest := append([]any{&r.ID, &r.Name, &r.Mode, &r.Status, &r.Tasks, &r.Completed, &r.Failed, &r.Skipped, &errMsg, &r.StartedAt, &r.CompletedAt}, extra...)
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}
	r.Error = errMsg.String
	return r, nil
}

// GetRun returns the run with its full result, or nil if no such run exists.
func (s *Store) GetRun(id string) (*Run, error) {
	var blob []byte
	row := s.db.QueryRow(`SELECT `+runColumns+`, result FROM runs WHERE id = ?`, id)
	r, err := scanRun(row, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if r.Result, err = s.decompress(blob); err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns run summaries, newest first, without their results. A limit of
// zero or less returns every run.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run; it reports whether the run existed.
func (s *Store) DeleteRun(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete run: %w", err)
	}
	return n > 0, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
