package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"leaselock/internal/config"
	"leaselock/internal/executor"
	"leaselock/internal/lock"
)

// formatDuration formats a duration as seconds with 2 decimal places.
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// Job is a scheduled command guarded by a lease lock, so that only one node
// runs it at a time.
type Job struct {
	config      config.JobConfig
	template    *lock.Template
	executor    *executor.Executor
	gracePeriod time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	running   bool
	done      chan struct{}
	cancelCtx context.CancelFunc
}

var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// NewJob creates a new Job instance. Every run takes a fresh lock from tmpl.
func NewJob(cfg config.JobConfig, tmpl *lock.Template, exec *executor.Executor, gracePeriod time.Duration, logger *slog.Logger) *Job {
	return &Job{
		config:      cfg,
		template:    tmpl,
		executor:    exec,
		gracePeriod: gracePeriod,
		logger:      logger.With("job", cfg.Name),
	}
}

// Run executes the job if this node wins the lock.
// This method is called by the cron scheduler.
func (j *Job) Run() {
	j.mu.Lock()
	if j.running {
		j.logger.Warn("job is already running, skipping")
		j.mu.Unlock()
		return
	}
	j.running = true
	done := make(chan struct{})
	j.done = done
	ctx, cancel := context.WithCancel(context.Background())
	j.cancelCtx = cancel
	j.mu.Unlock()

	defer func() {
		cancel()
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
		close(done)
	}()

	// Hooks and release must still happen after Cancel.
	cleanupCtx := context.WithoutCancel(ctx)

	l := j.template.New()
	wait := j.config.WaitTimeout
	acquired, err := l.Acquire(ctx, wait > 0, wait)
	if err != nil {
		if ctx.Err() != nil {
			j.logger.Info("canceled while waiting for lock")
			return
		}
		j.logger.Error("failed to acquire lock", "error", err)
		return
	}
	if !acquired {
		j.logger.Debug("lock not acquired, another node is executing")
		return
	}

	j.logger.Info("acquired lock, starting execution", "ttl", l.GlobalTimeout())

	keepCtx, stopKeep := context.WithCancel(ctx)
	lost := l.Keep(keepCtx, 0)

	result := j.executor.Execute(ctx, executor.Options{
		Command:   j.config.Command,
		WorkDir:   j.config.WorkDir,
		Env:       j.runEnv(l),
		Timeout:   j.config.Timeout,
		LeaseLost: lost,
	})
	stopKeep()

	switch {
	case result.Success():
		j.logger.Info("job completed successfully",
			"duration", formatDuration(result.Duration),
			"exit_code", result.ExitCode,
		)
		if j.config.OnSuccess != "" {
			j.runHook(cleanupCtx, j.config.OnSuccess, "success")
		}
	case result.LeaseLost:
		j.logger.Error("lock lease lost, command killed",
			"duration", formatDuration(result.Duration),
		)
		if j.config.OnFailure != "" {
			j.runHook(cleanupCtx, j.config.OnFailure, "failure")
		}
		// Whoever holds the lock now is not ours to release.
		return
	default:
		j.logger.Error("job failed",
			"duration", formatDuration(result.Duration),
			"exit_code", result.ExitCode,
			"timed_out", result.TimedOut,
			"error", result.Err,
			"stderr", result.Stderr,
		)
		if j.config.OnFailure != "" {
			j.runHook(cleanupCtx, j.config.OnFailure, "failure")
		}
	}

	// Hold the lock a little longer so nodes whose clocks lag do not run
	// the same tick. Cancel cuts the wait short.
	if j.gracePeriod > 0 {
		j.logger.Debug("waiting grace period before releasing lock", "duration", formatDuration(j.gracePeriod))
		timer := time.NewTimer(j.gracePeriod)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	released, err := l.Release(cleanupCtx)
	switch {
	case err != nil:
		j.logger.Error("failed to release lock", "error", err)
	case !released:
		j.logger.Warn("lock was no longer held at release")
	default:
		j.logger.Debug("released lock")
	}
}

// runEnv returns the job's environment plus the lock it runs under.
func (j *Job) runEnv(l *lock.Lock) map[string]string {
	env := make(map[string]string, len(j.config.Env)+3)
	maps.Copy(env, j.config.Env)
	env["LEASELOCK_JOB"] = j.config.Name
	env["LEASELOCK_LOCK_KEY"] = l.Key()
	env["LEASELOCK_LOCK_TOKEN"] = l.Token()
	return env
}

// runHook executes a hook command (on_success or on_failure).
func (j *Job) runHook(ctx context.Context, command, hookType string) {
	j.logger.Debug("running hook", "type", hookType, "command", command)

	result := j.executor.Execute(ctx, executor.Options{
		Command: command,
		WorkDir: j.config.WorkDir,
		Env:     j.config.Env,
	})

	if !result.Success() {
		j.logger.Warn("hook failed",
			"type", hookType,
			"exit_code", result.ExitCode,
			"error", result.Err,
		)
	}
}

// Cancel stops a waiting or running job. The lock is still released.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelCtx != nil {
		j.cancelCtx()
	}
}

// Done returns a channel closed when the current run returns. For an idle
// job it is already closed.
func (j *Job) Done() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return closedDone
	}
	return j.done
}

// IsRunning returns whether the job is currently executing.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// Timeout returns the job's configured timeout.
func (j *Job) Timeout() time.Duration {
	return j.config.Timeout
}

// Name returns the job's name.
func (j *Job) Name() string {
	return j.config.Name
}

// LockKey returns the key of the lock guarding the job.
func (j *Job) LockKey() string {
	return j.template.Key()
}
