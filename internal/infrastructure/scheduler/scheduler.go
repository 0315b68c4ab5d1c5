// Package scheduler runs the engine's periodic upkeep: refreshing the
// snapshot from the remote, replaying journaled awards and resetting the
// daily goal at midnight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job is one unit of scheduled work.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job. The context is cancelled when the scheduler stops.
	Run(ctx context.Context) error

	// Description returns a human-readable description of the job.
	Description() string
}

// JobResult contains the result of a job execution.
type JobResult struct {
	JobName     string        `json:"job_name"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Manual      bool          `json:"manual,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNilJob is returned when trying to register a nil job.
	ErrNilJob = errors.New("job cannot be nil")

	// ErrJobAlreadyExists is returned when a job with the same name already exists.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")

	// ErrSchedulerAlreadyRunning is returned when Start is called on a running scheduler.
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")

	// ErrSchedulerNotRunning is returned when Stop is called on a stopped scheduler.
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the Scheduler.
type Config struct {
	// Logger for structured logging.
	Logger *slog.Logger

	// Location whose wall clock daily jobs follow.
	Location *time.Location

	// MaxHistorySize is the maximum number of job results to keep.
	MaxHistorySize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Logger:         slog.Default(),
		Location:       time.UTC,
		MaxHistorySize: 200,
	}
}

// Scheduler registers jobs on a gocron scheduler and records their runs.
type Scheduler struct {
	mu sync.RWMutex

	cron    *gocron.Scheduler
	logger  *slog.Logger
	maxHist int

	jobs    map[string]*scheduledJob
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	metrics *Metrics
	history []JobResult
}

type scheduledJob struct {
	job      Job
	schedule string
	cronJob  *gocron.Job
}

// New creates a stopped scheduler.
func New(config Config) *Scheduler {
	d := DefaultConfig()
	if config.Logger == nil {
		config.Logger = d.Logger
	}
	if config.Location == nil {
		config.Location = d.Location
	}
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = d.MaxHistorySize
	}

	cron := gocron.NewScheduler(config.Location)
	cron.SingletonModeAll()
	cron.WaitForScheduleAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron,
		logger:  config.Logger.With("component", "scheduler"),
		maxHist: config.MaxHistorySize,
		jobs:    make(map[string]*scheduledJob),
		ctx:     ctx,
		cancel:  cancel,
		metrics: NewMetrics(),
	}
}

// Every runs job at a fixed interval. The first run happens one interval
// after Start.
func (s *Scheduler) Every(job Job, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive, got %s", interval)
	}
	return s.register(job, "every "+interval.String(), func(c *gocron.Scheduler) *gocron.Scheduler {
		return c.Every(interval)
	})
}

// Daily runs job once a day at the given "HH:MM" wall-clock time.
func (s *Scheduler) Daily(job Job, at string) error {
	return s.register(job, "daily at "+at, func(c *gocron.Scheduler) *gocron.Scheduler {
		return c.Every(1).Day().At(at)
	})
}

func (s *Scheduler) register(job Job, schedule string, timing func(*gocron.Scheduler) *gocron.Scheduler) error {
	if job == nil {
		return ErrNilJob
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	sj := &scheduledJob{job: job, schedule: schedule}
	cronJob, err := timing(s.cron).Tag(name).Do(func() { s.run(sj, false) })
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", name, err)
	}
	sj.cronJob = cronJob
	s.jobs[name] = sj

	s.logger.Info("job registered",
		"job", name,
		"description", job.Description(),
		"schedule", schedule,
	)
	return nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.running = true
	s.cron.StartAsync()

	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops scheduling, cancels running jobs and waits for them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.cron.Stop()
	s.wg.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (JobResult, error) {
	s.mu.RLock()
	sj, exists := s.jobs[name]
	s.mu.RUnlock()
	if !exists {
		return JobResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	result, err := s.execute(ctx, sj, true)
	return result, err
}

func (s *Scheduler) run(sj *scheduledJob, manual bool) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	_, _ = s.execute(ctx, sj, manual)
}

func (s *Scheduler) execute(ctx context.Context, sj *scheduledJob, manual bool) (JobResult, error) {
	s.wg.Add(1)
	defer s.wg.Done()

	name := sj.job.Name()
	startedAt := time.Now()
	err := sj.job.Run(ctx)
	completedAt := time.Now()

	result := JobResult{
		JobName:     name,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Duration:    completedAt.Sub(startedAt),
		Success:     err == nil,
		Manual:      manual,
	}
	if err != nil {
		result.Error = err.Error()
		s.logger.Error("job failed", "job", name, "duration", result.Duration.String(), "error", err)
	} else {
		s.logger.Debug("job completed", "job", name, "duration", result.Duration.String())
	}

	s.metrics.RecordExecution(name, result.Duration, err == nil)
	s.mu.Lock()
	s.history = append(s.history, result)
	if len(s.history) > s.maxHist {
		s.history = s.history[len(s.history)-s.maxHist:]
	}
	s.mu.Unlock()

	return result, err
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & INFO
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo describes a registered job.
type JobInfo struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Schedule    string    `json:"schedule"`
	NextRun     time.Time `json:"next_run,omitempty"`
	RunCount    int64     `json:"run_count"`
	FailCount   int64     `json:"fail_count"`
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.metrics.Snapshot()
	out := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		info := JobInfo{
			Name:        name,
			Description: sj.job.Description(),
			Schedule:    sj.schedule,
			RunCount:    stats.Runs[name],
			FailCount:   stats.Failures[name],
		}
		if s.running {
			info.NextRun = sj.cronJob.NextRun()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns up to limit most recent results, newest first.
func (s *Scheduler) History(limit int) []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]JobResult, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Metrics returns the execution counters.
func (s *Scheduler) Metrics() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// Metrics counts job executions.
type Metrics struct {
	mu            sync.Mutex
	runs          map[string]int64
	failures      map[string]int64
	totalDuration map[string]time.Duration
}

// NewMetrics creates empty counters.
func NewMetrics() *Metrics {
	return &Metrics{
		runs:          make(map[string]int64),
		failures:      make(map[string]int64),
		totalDuration: make(map[string]time.Duration),
	}
}

// RecordExecution records one run of jobName.
func (m *Metrics) RecordExecution(jobName string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs[jobName]++
	m.totalDuration[jobName] += duration
	if !success {
		m.failures[jobName]++
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Runs            map[string]int64         `json:"runs"`
	Failures        map[string]int64         `json:"failures"`
	AverageDuration map[string]time.Duration `json:"average_duration"`
}

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		Runs:            make(map[string]int64, len(m.runs)),
		Failures:        make(map[string]int64, len(m.failures)),
		AverageDuration: make(map[string]time.Duration, len(m.runs)),
	}
	for name, n := range m.runs {
		snap.Runs[name] = n
		snap.Failures[name] = m.failures[name]
		snap.AverageDuration[name] = m.totalDuration[name] / time.Duration(n)
	}
	return snap
}
