package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Executor performs the maintenance actions jobs dispatch to.
type Executor interface {
	TakeCheckpoint(ctx context.Context) error
	SampleFitness(ctx context.Context) error
	DrainQueue(ctx context.Context) error
	CheckDegradation(ctx context.Context) error
}

// JobRunner executes a single job on its schedule.
type JobRunner struct {
	job      *Job
	ticker   *time.Ticker
	executor Executor
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewJobRunner creates a runner for one job.
func NewJobRunner(job *Job, executor Executor, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:      job,
		executor: executor,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the job loop until the context is cancelled or Stop is called.
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.job.updateState(func(st *JobState) { st.NextRunAt = nextRun })

	r.logger.Info("job runner started", "action", r.job.Action, "next_run", nextRun.Format(time.RFC3339))

	var tickerDuration time.Duration
	switch r.job.Schedule.Kind {
	case "interval":
		tickerDuration = time.Duration(r.job.Schedule.IntervalMs) * time.Millisecond
	case "cron":
		// Poll every minute for cron schedules.
		tickerDuration = 1 * time.Minute
	}

	r.ticker = time.NewTicker(tickerDuration)
	defer r.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("job runner stopped")
			return
		case now := <-r.ticker.C:
			shouldRun := r.job.Schedule.Kind == "interval" || !now.Before(nextRun)
			if !shouldRun {
				continue
			}

			r.executeJob(ctx)

			next, err := r.job.NextRun(time.Now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
			} else {
				nextRun = next
				r.job.updateState(func(st *JobState) { st.NextRunAt = next })
			}
		}
	}
}

// Stop stops the runner and waits for the loop to exit.
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// executeJob runs the job's action once and updates its state.
func (r *JobRunner) executeJob(ctx context.Context) {
	start := time.Now()
	r.logger.Debug("executing job", "action", r.job.Action)

	var err error
	switch r.job.Action {
	case ActionCheckpoint:
		err = r.executor.TakeCheckpoint(ctx)
	case ActionSampleFitness:
		err = r.executor.SampleFitness(ctx)
	case ActionDrainQueue:
		err = r.executor.DrainQueue(ctx)
	case ActionCheckDegradation:
		err = r.executor.CheckDegradation(ctx)
	default:
		err = fmt.Errorf("unknown action: %s", r.job.Action)
	}

	duration := time.Since(start)
	var errorCount int64
	r.job.updateState(func(st *JobState) {
		st.LastRunAt = time.Now()
		st.LastDuration = duration
		st.RunCount++
		if err != nil {
			st.ErrorCount++
			st.LastError = err.Error()
		} else {
			st.LastError = ""
		}
		errorCount = st.ErrorCount
	})

	if err != nil {
		r.logger.Error("job failed",
			"action", r.job.Action,
			"error", err,
			"duration", duration,
			"error_count", errorCount)
	} else {
		r.logger.Debug("job completed", "action", r.job.Action, "duration", duration)
	}
}
