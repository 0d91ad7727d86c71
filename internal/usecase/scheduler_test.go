package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"LicitacionesExtractor/internal/domain"
)

// manualScheduler lets tests fire the trigger directly.
type manualScheduler struct {
	job     func(time.Time)
	started bool
	stopped bool
}

func (m *manualScheduler) Start(_ context.Context, job func(time.Time)) error {
	m.job = job
	m.started = true
	return nil
}

func (m *manualScheduler) Stop(context.Context) error {
	m.stopped = true
	return nil
}

// historyRecorder answers LastRun from a fixed value and records runs.
type historyRecorder struct {
	recordingSink
	lastStatus   string
	lastFinished time.Time
	hasLast      bool
	lastErr      error
}

func (h *historyRecorder) LastRun(context.Context) (string, time.Time, bool, error) {
	if h.lastErr != nil {
		return "", time.Time{}, false, h.lastErr
	}
	return h.lastStatus, h.lastFinished, h.hasLast, nil
}

func mexicoCity(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Mexico_City")
	if err != nil {
		t.Fatal(err)
	}
	return loc
}

func newRunnerForTest(t *testing.T, recorder *historyRecorder) (*ScheduleRunner, *manualScheduler) {
	t.Helper()
	sched := &manualScheduler{}
	pipeline := newTestPipeline(newFakeRepo(), &fakeEmbedder{})
	orch := NewOrchestrator(buildRegistry(okExtractor("a")), pipeline, recorder, false, 1, nil, nil)
	runner := NewScheduleRunner(orch, recorder, sched, mexicoCity(t), nil)
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return runner, sched
}

func TestTriggerRunsPreviousDay(t *testing.T) {
	recorder := &historyRecorder{}
	_, sched := newRunnerForTest(t, recorder)

	fired := time.Date(2026, 3, 10, 6, 0, 0, 0, mexicoCity(t))
	sched.job(fired)

	if len(recorder.reports) != 1 {
		t.Fatalf("expected 1 run, got %d", len(recorder.reports))
	}
	got := recorder.reports[0].TargetDate
	if got.Format("2006-01-02") != "2026-03-09" {
		t.Fatalf("target date: got %s, want the previous day", got.Format("2006-01-02"))
	}
}

func TestTriggerSkipsWhenRunAlreadyFinishedToday(t *testing.T) {
	loc, _ := time.LoadLocation("America/Mexico_City")
	recorder := &historyRecorder{
		lastStatus:   string(domain.RunSuccess),
		lastFinished: time.Date(2026, 3, 10, 6, 15, 0, 0, loc),
		hasLast:      true,
	}
	_, sched := newRunnerForTest(t, recorder)

	sched.job(time.Date(2026, 3, 10, 9, 0, 0, 0, loc))

	if len(recorder.reports) != 0 {
		t.Fatalf("restart on the same day must not re-run, got %d runs", len(recorder.reports))
	}
}

func TestTriggerRunsWhenLastRunWasYesterday(t *testing.T) {
	loc, _ := time.LoadLocation("America/Mexico_City")
	recorder := &historyRecorder{
		lastStatus:   string(domain.RunSuccess),
		lastFinished: time.Date(2026, 3, 9, 6, 15, 0, 0, loc),
		hasLast:      true,
	}
	_, sched := newRunnerForTest(t, recorder)

	sched.job(time.Date(2026, 3, 10, 6, 0, 0, 0, loc))

	if len(recorder.reports) != 1 {
		t.Fatalf("expected 1 run, got %d", len(recorder.reports))
	}
}

func TestTriggerProceedsWhenHistoryUnavailable(t *testing.T) {
	recorder := &historyRecorder{lastErr: errors.New("history down")}
	_, sched := newRunnerForTest(t, recorder)

	sched.job(time.Date(2026, 3, 10, 6, 0, 0, 0, mexicoCity(t)))

	if len(recorder.reports) != 1 {
		t.Fatal("an unreadable history must not block extraction")
	}
}

func TestForceRunBypassesSameDayGuard(t *testing.T) {
	loc, _ := time.LoadLocation("America/Mexico_City")
	recorder := &historyRecorder{
		lastStatus:   string(domain.RunSuccess),
		lastFinished: time.Now().In(loc),
		hasLast:      true,
	}
	runner, _ := newRunnerForTest(t, recorder)

	report := runner.ForceRun(context.Background(), day)
	if report.Status != domain.RunSuccess {
		t.Fatalf("status: got %s", report.Status)
	}
	if len(recorder.reports) != 1 {
		t.Fatal("forced run must execute despite today's earlier run")
	}
}
