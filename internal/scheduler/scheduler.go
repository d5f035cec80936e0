package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner is the interface the scheduler uses to run workflow files.
// Satisfied by the manager (avoids import cycle).
type Runner interface {
	RunFile(ctx context.Context, path string, seed map[string]any) (string, error)
}

// Run outcomes recorded on a job.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// JobStatus is a snapshot of a job and its last run.
type JobStatus struct {
	Job
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how often due jobs are checked. Defaults to 60s.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler runs workflow files on cron schedules.
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*JobStatus

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler for jobs. Every cron expression is
// parsed up front and the first run of each enabled job is computed from
// the current time.
func NewScheduler(jobs []Job, runner Runner, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: 60 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*JobStatus, len(jobs)),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	for _, job := range jobs {
		if _, dup := s.jobs[job.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", job.Name)
		}
		next, err := s.CalculateNextRun(job.Cron, now)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", job.Name, err)
		}
		st := &JobStatus{Job: job}
		if job.IsEnabled() {
			st.NextRunAt = &next
		}
		s.jobs[job.Name] = st
	}
	return s, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, name := range s.due(now) {
		if ctx.Err() != nil {
			return
		}
		if !s.tryAcquire(name) {
			continue // already running (dedup)
		}
		s.runJob(ctx, name, now)
		s.releaseJob(name)
	}
}

func (s *Scheduler) due(now time.Time) []string {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var names []string
	for name, st := range s.jobs {
		if !st.IsEnabled() {
			continue
		}
		if st.NextRunAt == nil || !st.NextRunAt.After(now) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// runJob executes a job and updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, name string, now time.Time) {
	s.jobsMu.Lock()
	st, ok := s.jobs[name]
	var job Job
	if ok {
		job = st.Job
	}
	s.jobsMu.Unlock()
	if !ok {
		return
	}

	s.logger.Info("running scheduled job",
		slog.String("job", job.Name),
		slog.String("file", job.File),
	)

	runID, err := s.runner.RunFile(ctx, job.File, job.Context)
	status := StatusSuccess
	if err != nil {
		status = StatusError
		s.logger.Error("scheduled job execution failed",
			slog.String("job", job.Name),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}

	next, nextErr := s.CalculateNextRun(job.Cron, now)

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	st.LastRunAt = &now
	st.LastRunStatus = status
	st.LastRunID = runID
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	if nextErr == nil {
		st.NextRunAt = &next
	}
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Trigger runs the named job immediately, outside its schedule. The next
// scheduled run is recomputed from now.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.jobsMu.Lock()
	_, ok := s.jobs[name]
	s.jobsMu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	if !s.tryAcquire(name) {
		return fmt.Errorf("schedule %q is already running", name)
	}
	defer s.releaseJob(name)
	s.runJob(ctx, name, s.now())
	return nil
}

// Jobs returns a snapshot of every job, ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
