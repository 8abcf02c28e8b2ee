package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

// Schedule is a parsed crew schedule. The JSON form is accepted in crew files as
// well as the plain string forms handled by Parse.
type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms,omitempty"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms,omitempty"`       // Unix ms timestamp (if kind=once)
}

// Parse accepts a cron expression ("0 9 * * *", "@daily"), "@every <duration>",
// "@at <RFC3339 time>" or the JSON form.
func Parse(raw string) (*Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	var s Schedule
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("invalid schedule json: %w", err)
		}
	} else if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid interval %q: %w", rest, err)
		}
		s = Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
	} else if rest, ok := strings.CutPrefix(raw, "@at "); ok {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid time %q: %w", rest, err)
		}
		s = Schedule{Kind: KindOnce, AtMs: t.UnixMilli()}
	} else {
		s = Schedule{Kind: KindCron, CronExpr: raw}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return nil
}

// Next returns the first run time strictly after after. A once schedule whose time
// has passed has no next run.
func (s *Schedule) Next(after time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		next, err := gronx.NextTickAfter(s.CronExpr, after, false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		return after.Add(time.Duration(s.IntervalMs) * time.Millisecond), true
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if t.After(after) {
			return t, true
		}
	}
	return time.Time{}, false
}

// NextRun parses raw and returns its next run time after now.
func NextRun(raw string, now time.Time) (time.Time, error) {
	s, err := Parse(raw)
	if err != nil {
		return time.Time{}, err
	}
	next, ok := s.Next(now)
	if !ok {
		return time.Time{}, fmt.Errorf("schedule %q has no future run", raw)
	}
	return next, nil
}

// Normalize validates raw and returns its canonical JSON form.
func Normalize(raw string) (string, error) {
	s, err := Parse(raw)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// String returns a human-readable description of the schedule.
func (s *Schedule) String() string {
	switch s.Kind {
	case KindCron:
		if strings.HasPrefix(s.CronExpr, "@") {
			return s.CronExpr
		}
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %s", d)
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	default:
		return s.Kind
	}
}
