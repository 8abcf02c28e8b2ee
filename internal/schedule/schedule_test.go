package schedule

import (
	"fmt"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	s, err := Parse("0 9 * * *")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindCron {
		t.Errorf("expected kind 'cron', got '%s'", s.Kind)
	}
	if s.CronExpr != "0 9 * * *" {
		t.Errorf("expected cron expr '0 9 * * *', got '%s'", s.CronExpr)
	}

	s, err = Parse("@daily")
	if err != nil {
		t.Fatalf("parse @daily: %v", err)
	}
	if s.String() != "@daily" {
		t.Errorf("expected '@daily', got '%s'", s.String())
	}
}

func TestParseEvery(t *testing.T) {
	s, err := Parse("@every 90s")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != KindInterval || s.IntervalMs != 90000 {
		t.Errorf("unexpected schedule: %+v", s)
	}
	if got := s.String(); got != "Every 1m30s" {
		t.Errorf("expected 'Every 1m30s', got '%s'", got)
	}
}

func TestParseJSON(t *testing.T) {
	s, err := Parse(`{"kind":"interval","interval_ms":7200000}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if got := s.String(); got != "Every 2 hours" {
		t.Errorf("expected 'Every 2 hours', got '%s'", got)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"not a cron",
		"@every soon",
		"@every -5m",
		"@at tomorrow",
		`{"kind":"unknown"}`,
		`{"kind":"cron","cron_expr":"99 * * * *"}`,
		`{broken`,
	} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestNextCron(t *testing.T) {
	s, err := Parse("0 9 * * *")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	after := time.Date(2026, 3, 10, 10, 0, 0, 0, time.Local)
	next, ok := s.Next(after)
	if !ok {
		t.Fatal("expected next run")
	}
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.Local)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextInterval(t *testing.T) {
	now := time.Now()
	next, err := NextRun("@every 1m", now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if got := next.Sub(now); got != time.Minute {
		t.Errorf("expected 1m, got %v", got)
	}
}

func TestNextOnce(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour).Truncate(time.Second)
	next, err := NextRun("@at "+future.Format(time.RFC3339), now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if !next.Equal(future) {
		t.Errorf("expected %v, got %v", future, next)
	}

	past := now.Add(-time.Hour).UnixMilli()
	if _, err := NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past), now); err == nil {
		t.Error("expected error for past once schedule")
	}
}

func TestNormalize(t *testing.T) {
	result, err := Normalize("0 9 * * *")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"kind":"cron","cron_expr":"0 9 * * *"}` {
		t.Errorf("unexpected normalized form: %s", result)
	}

	result, err = Normalize("@every 5m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != `{"kind":"interval","interval_ms":300000}` {
		t.Errorf("unexpected normalized form: %s", result)
	}

	if _, err := Normalize("every day"); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
