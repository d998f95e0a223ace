// Package service runs the periodic jobs under their locks and exposes the
// operational HTTP surface.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"conversation-sla-engine/pkg/config"
	"conversation-sla-engine/pkg/jobs"
	"conversation-sla-engine/pkg/metrics"
)

var (
	ErrUnknownJob = errors.New("unknown job")
	ErrJobRunning = errors.New("job already running on this pod")
)

// Job is a unit of periodic work that honours cancellation of its context.
type Job interface {
	Name() string
	Run(ctx context.Context) (jobs.Summary, error)
}

// Locker grants one pod at a time the right to run a job. The lease expires
// unless it is extended.
type Locker interface {
	Acquire(ctx context.Context, job string) (bool, error)
	Extend(ctx context.Context, job string) (bool, error)
	Release(ctx context.Context, job string) error
	Holder(ctx context.Context, job string) (string, error)
}

// Pinger checks the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backlog reports how many member notifications await delivery.
type Backlog interface {
	PendingCount(ctx context.Context) (int64, error)
}

type scheduledJob struct {
	job      Job
	interval time.Duration
}

type Service struct {
	config  *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	lock    Locker
	pinger  Pinger
	backlog Backlog
	jobs    map[string]scheduledJob
	server  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
	last    map[string]jobs.Summary
}

func NewService(config *config.Config, lock Locker, pinger Pinger, backlog Backlog, logger *logrus.Logger, metrics *metrics.Metrics) *Service {
	return &Service{
		config:  config,
		logger:  logger,
		metrics: metrics,
		lock:    lock,
		pinger:  pinger,
		backlog: backlog,
		jobs:    make(map[string]scheduledJob),
		running: make(map[string]context.CancelFunc),
		last:    make(map[string]jobs.Summary),
	}
}

// Register schedules job every interval. It must be called before Start.
func (s *Service) Register(job Job, interval time.Duration) {
	s.jobs[job.Name()] = scheduledJob{job: job, interval: interval}
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting conversation tracking service")

	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, name := range s.JobNames() {
		entry := s.jobs[name]
		s.wg.Add(1)
		go s.jobLoop(entry)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"pod_id": s.config.PodID,
		"jobs":   s.JobNames(),
	}).Info("Service started successfully")
	return nil
}

// Stop cancels running jobs, waits for them to report, then shuts the HTTP
// server down.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping conversation tracking service")

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Timed out waiting for jobs to stop")
	}

	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server gracefully")
			return err
		}
	}

	s.logger.Info("Service stopped")
	return nil
}

// JobNames lists the registered jobs in name order.
func (s *Service) JobNames() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) jobLoop(entry scheduledJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(entry.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_, err := s.RunJob(s.ctx, entry.job.Name())
			if err != nil && !errors.Is(err, ErrJobRunning) && !jobs.IsCancellation(s.ctx, err) {
				s.logger.WithError(err).WithField("job", entry.job.Name()).Error("Job run failed")
			}
		}
	}
}

// RunJob runs the named job once if this pod can take its lock. A run that
// finds the lock held elsewhere returns a skipped summary.
func (s *Service) RunJob(ctx context.Context, name string) (jobs.Summary, error) {
	entry, ok := s.jobs[name]
	if !ok {
		return jobs.Summary{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if _, busy := s.running[name]; busy {
		s.mu.Unlock()
		return jobs.Summary{}, ErrJobRunning
	}
	s.running[name] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	acquired, err := s.lock.Acquire(runCtx, name)
	if err != nil {
		return jobs.Summary{}, err
	}
	if !acquired {
		s.metrics.JobRuns.WithLabelValues(name, "skipped").Inc()
		summary := jobs.Summary{Job: name, StartedAt: time.Now(), Skipped: true}
		s.logger.WithField("job", name).Debug("Skipping job run, lock held by another pod")
		return summary, nil
	}
	defer func() {
		// The run context may already be cancelled; the release must still happen.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lock.Release(releaseCtx, name); err != nil {
			s.logger.WithError(err).WithField("job", name).Error("Failed to release job lock")
		}
	}()

	stopRenewal := s.keepLease(runCtx, cancel, name)
	summary, err := entry.job.Run(runCtx)
	stopRenewal()
	s.metrics.JobRuns.WithLabelValues(name, runOutcome(runCtx, summary, err)).Inc()

	s.mu.Lock()
	s.last[name] = summary
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"job":       name,
		"completed": summary.Completed,
		"total":     summary.Total,
		"failures":  summary.Failures,
		"cancelled": summary.Cancelled,
		"elapsed":   summary.Elapsed.String(),
	}).Debug("Job run finished")

	return summary, err
}

// keepLease extends the job's lease every third of its TTL until the returned
// stop func is called. Losing the lease cancels the run.
func (s *Service) keepLease(ctx context.Context, cancel context.CancelFunc, name string) func() {
	interval := s.config.JobLockTTL / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := s.lock.Extend(ctx, name)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					// The lease may still be alive; try again on the next tick.
					s.logger.WithError(err).WithField("job", name).Warn("Failed to extend job lock")
					continue
				}
				if !held {
					s.logger.WithField("job", name).Error("Lost job lock, cancelling run")
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func runOutcome(ctx context.Context, summary jobs.Summary, err error) string {
	switch {
	case summary.Cancelled || jobs.IsCancellation(ctx, err):
		return "cancelled"
	case err != nil:
		return "error"
	}
	return "ok"
}

// CancelJob cancels the named job if it is running on this pod.
func (s *Service) CancelJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancel, ok := s.running[name]
	if ok {
		cancel()
	}
	return ok
}

// JobStatus is the state of one job as seen from this pod.
type JobStatus struct {
	Name       string        `json:"name"`
	Interval   string        `json:"interval"`
	Running    bool          `json:"running"`
	LockHolder string        `json:"lock_holder,omitempty"`
	LastRun    *jobs.Summary `json:"last_run,omitempty"`
}

func (s *Service) Status(ctx context.Context) ([]JobStatus, error) {
	var statuses []JobStatus
	for _, name := range s.JobNames() {
		holder, err := s.lock.Holder(ctx, name)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		_, running := s.running[name]
		last, ran := s.last[name]
		s.mu.Unlock()

		status := JobStatus{
			Name:       name,
			Interval:   s.jobs[name].interval.String(),
			Running:    running,
			LockHolder: holder,
		}
		if ran {
			status.LastRun = &last
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
