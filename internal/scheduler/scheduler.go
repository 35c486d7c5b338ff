package scheduler

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"leaselock/internal/config"
	"leaselock/internal/executor"
	"leaselock/internal/lock"
	"leaselock/internal/store"

	"github.com/robfig/cron/v3"
)

const (
	// defaultShutdownTimeout bounds the wait for a job without a timeout.
	defaultShutdownTimeout = 30 * time.Second
	// cancelWait bounds the wait for a canceled job to release its lock.
	cancelWait = 10 * time.Second
)

// JobLockKey returns the lock key guarding the named job.
func JobLockKey(name string) string {
	return "job:" + name
}

// Scheduler runs cron jobs, each guarded by its own lease lock.
type Scheduler struct {
	cron        *cron.Cron
	store       store.Store
	lockOpts    []lock.Option
	executor    *executor.Executor
	gracePeriod time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

// New creates a Scheduler storing job locks in st. lockOpts apply to every
// job lock, except the global timeout which always comes from the job.
func New(st store.Store, nodeCfg config.NodeConfig, logger *slog.Logger, lockOpts ...lock.Option) *Scheduler {
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)

	return &Scheduler{
		cron:        cron.New(cron.WithParser(parser)),
		store:       st,
		lockOpts:    lockOpts,
		executor:    executor.New(),
		gracePeriod: nodeCfg.GracePeriod,
		logger:      logger,
		jobs:        make(map[string]*Job),
	}
}

// AddJob registers a job. Disabled jobs are skipped without error.
func (s *Scheduler) AddJob(cfg config.JobConfig) error {
	if !cfg.IsEnabled() {
		s.logger.Info("job is disabled, skipping", "job", cfg.Name)
		return nil
	}

	opts := make([]lock.Option, 0, len(s.lockOpts)+2)
	opts = append(opts, lock.WithLogger(s.logger))
	opts = append(opts, s.lockOpts...)
	opts = append(opts, lock.WithGlobalTimeout(cfg.LeaseTTL()))

	tmpl, err := lock.NewTemplate(s.store, JobLockKey(cfg.Name), opts...)
	if err != nil {
		return fmt.Errorf("failed to create lock for job %s: %w", cfg.Name, err)
	}
	job := NewJob(cfg, tmpl, s.executor, s.gracePeriod, s.logger)

	entryID, err := s.cron.AddJob(cfg.Schedule, job)
	if err != nil {
		return fmt.Errorf("failed to add job %s: %w", cfg.Name, err)
	}

	s.mu.Lock()
	s.jobs[cfg.Name] = job
	s.mu.Unlock()

	s.logger.Info("added job",
		"job", cfg.Name,
		"schedule", cfg.Schedule,
		"lock_key", job.LockKey(),
		"lock_ttl", tmpl.GlobalTimeout(),
		"entry_id", entryID,
	)
	return nil
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", "job_count", len(s.Jobs()))
	s.cron.Start()
}

// Stop stops scheduling new runs and waits for running jobs. A job still
// running after its timeout (30s when unset) is canceled: its command is
// killed and its lock released.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	s.cron.Stop()

	var wg sync.WaitGroup
	for _, job := range s.Jobs() {
		done := job.Done()
		select {
		case <-done:
			continue
		default:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.drain(job, done)
		}()
	}
	wg.Wait()

	s.logger.Info("scheduler stopped")
}

// drain waits for a running job, canceling it past its timeout.
func (s *Scheduler) drain(job *Job, done <-chan struct{}) {
	timeout := job.Timeout()
	if timeout == 0 {
		timeout = defaultShutdownTimeout
	}
	s.logger.Info("waiting for running job", "job", job.Name(), "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		s.logger.Info("job completed during shutdown", "job", job.Name())
		return
	case <-timer.C:
	}

	s.logger.Warn("job exceeded shutdown timeout, canceling", "job", job.Name(), "timeout", timeout)
	job.Cancel()

	select {
	case <-done:
	case <-time.After(cancelWait):
		s.logger.Error("canceled job did not return", "job", job.Name())
	}
}

// GetJob returns a job by name.
func (s *Scheduler) GetJob(name string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	return job, ok
}

// Jobs returns a copy of the registered jobs by name.
func (s *Scheduler) Jobs() map[string]*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.jobs)
}

// Entries returns the cron entries for inspection.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}
