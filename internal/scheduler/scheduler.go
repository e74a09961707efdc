// Package scheduler runs FlowPipe's periodic maintenance jobs, such as the
// idle conversation sweep, on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultSweepSchedule runs the idle sweep every five minutes.
	DefaultSweepSchedule = "*/5 * * * *"
	// DefaultIdleTimeout is how long a conversation may sit without activity
	// before it is marked abandoned.
	DefaultIdleTimeout = 24 * time.Hour
	// sweepTimeout bounds a single sweep run.
	sweepTimeout = time.Minute
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

// NewScheduler creates and starts a cron scheduler. Expressions use the
// standard 5-field format or descriptors such as "@hourly" and "@every 30s".
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sweeper marks conversations idle for longer than idleFor as abandoned.
type Sweeper interface {
	SweepIdle(ctx context.Context, idleFor time.Duration) (int, error)
}

// ScheduleIdleSweep runs sw on expr. A non-positive idleFor uses
// DefaultIdleTimeout.
func (s *Scheduler) ScheduleIdleSweep(expr string, sw Sweeper, idleFor time.Duration) error {
	if idleFor <= 0 {
		idleFor = DefaultIdleTimeout
	}
	err := s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		n, err := sw.SweepIdle(ctx, idleFor)
		if err != nil {
			slog.Error("idle sweep failed", "error", err)
			return
		}
		slog.Debug("idle sweep finished", "abandoned", n)
	})
	if err != nil {
		return err
	}
	slog.Info("idle sweep scheduled", "schedule", expr, "idle_timeout", idleFor)
	return nil
}
