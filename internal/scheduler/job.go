package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintenance actions a job may run.
const (
	ActionCheckpoint       = "checkpoint"        // take a rollback snapshot
	ActionSampleFitness    = "sample_fitness"    // compute and append a fitness score
	ActionDrainQueue       = "drain_queue"       // process due sync queue items
	ActionCheckDegradation = "check_degradation" // run degradation detection
)

// Job is one scheduled maintenance task. ID, Action, Schedule, and
// Enabled are fixed at registration; State is written by the job's runner
// and read by the scheduler, so it is only touched through Snapshot and
// updateState.
type Job struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`
	Schedule ScheduleConfig `json:"schedule"`
	Enabled  bool           `json:"enabled"`
	State    JobState       `json:"state"`

	mu sync.Mutex // guards State
}

// ScheduleConfig defines when a job runs.
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval" or "cron"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"`
}

// JobState tracks execution counters for one job.
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks the job configuration.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}

	switch j.Action {
	case ActionCheckpoint, ActionSampleFitness, ActionDrainQueue, ActionCheckDegradation:
	default:
		return fmt.Errorf("unknown action: %s", j.Action)
	}

	switch j.Schedule.Kind {
	case "interval":
		if j.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case "cron":
		if j.Schedule.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval or cron)", j.Schedule.Kind)
	}

	return nil
}

// NextRun calculates the next run time after from.
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case "interval":
		return from.Add(time.Duration(j.Schedule.IntervalMs) * time.Millisecond), nil
	case "cron":
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
	}
}

// Snapshot returns a consistent copy of the job's execution state.
func (j *Job) Snapshot() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.State
}

func (j *Job) updateState(fn func(*JobState)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.State)
}

// Clone creates a copy of the job safe to hand to callers.
func (j *Job) Clone() *Job {
	return &Job{
		ID:       j.ID,
		Action:   j.Action,
		Schedule: j.Schedule,
		Enabled:  j.Enabled,
		State:    j.Snapshot(),
	}
}
