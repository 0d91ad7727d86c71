package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Daily fires a job once per day at a wall-clock time in a fixed
// timezone. Trigger times are recomputed from the location after every
// firing, so DST transitions shift the interval instead of the
// wall-clock time.
type Daily struct {
	hour     int
	minute   int
	location *time.Location
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New parses an "HH:MM" trigger time. location must not be nil.
func New(extractionTime string, location *time.Location, logger *slog.Logger) (*Daily, error) {
	hour, minute, err := parseClock(extractionTime)
	if err != nil {
		return nil, err
	}
	if location == nil {
		return nil, errors.New("scheduler: location is required")
	}
	if logger != nil {
		logger = logger.With("component", "scheduler")
	}
	return &Daily{hour: hour, minute: minute, location: location, logger: logger}, nil
}

// Start launches the trigger loop. The job receives the trigger time
// and runs on the loop goroutine, so a slow job delays the next
// trigger instead of stacking executions.
func (d *Daily) Start(ctx context.Context, job func(time.Time)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("scheduler: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go d.loop(runCtx, job)
	return nil
}

// Stop cancels the loop and waits for it to drain, bounded by ctx.
func (d *Daily) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.running = false
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the trigger loop is running.
func (d *Daily) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Daily) loop(ctx context.Context, job func(time.Time)) {
	defer close(d.done)

	for {
		next := d.nextTrigger(time.Now().In(d.location))
		d.info("next trigger scheduled", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case fired := <-timer.C:
			job(fired.In(d.location))
		}
	}
}

// nextTrigger returns the next occurrence of the configured wall-clock
// time strictly after now. time.Date normalizes nonexistent local times
// (spring-forward gaps) to a valid instant.
func (d *Daily) nextTrigger(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), d.hour, d.minute, 0, 0, d.location)
	if !next.After(now) {
		next = time.Date(now.Year(), now.Month(), now.Day()+1, d.hour, d.minute, 0, 0, d.location)
	}
	return next
}

func parseClock(value string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("scheduler: invalid extraction time %q, want HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("scheduler: invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("scheduler: invalid minute in %q", value)
	}
	return hour, minute, nil
}

func (d *Daily) info(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Info(msg, args...)
	}
}
