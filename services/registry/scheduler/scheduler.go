// Package scheduler runs periodic jobs with at most one run of each job in
// flight at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const DefaultAcquireTimeout = time.Second

var (
	ErrBusy       = errors.New("job already running")
	ErrUnknownJob = errors.New("unknown job")
)

var (
	jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_job_runs_total",
		Help: "Scheduled job runs by outcome.",
	}, []string{"job", "result"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registry_job_duration_seconds",
		Help:    "Duration of completed job runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})
)

// RunLock is an exclusive-run guard for one job type.
type RunLock struct {
	sem *semaphore.Weighted
}

// NewRunLock returns an unheld lock.
func NewRunLock() *RunLock {
	return &RunLock{sem: semaphore.NewWeighted(1)}
}

// TryAcquire waits up to timeout for the lock. It reports false when the
// lock is still held or ctx ends first.
func (l *RunLock) TryAcquire(ctx context.Context, timeout time.Duration) bool {
	if l.sem.TryAcquire(1) {
		return true
	}
	if timeout <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return l.sem.Acquire(ctx, 1) == nil
}

func (l *RunLock) Release() {
	l.sem.Release(1)
}

// Job is a named periodic run. The first run starts after InitialDelay.
type Job struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Run          func(ctx context.Context) error
}

type job struct {
	Job
	lock *RunLock
}

// Options configures a Scheduler.
type Options struct {
	AcquireTimeout time.Duration
	Logger         zerolog.Logger
}

// Scheduler owns a set of jobs and runs each on its interval.
type Scheduler struct {
	mu             sync.Mutex
	jobs           map[string]*job
	order          []string
	started        bool
	acquireTimeout time.Duration
	logger         zerolog.Logger
	wg             sync.WaitGroup
}

// New returns a Scheduler with no jobs.
func New(opts Options) *Scheduler {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = DefaultAcquireTimeout
	}
	return &Scheduler{
		jobs:           make(map[string]*job),
		acquireTimeout: opts.AcquireTimeout,
		logger:         opts.Logger.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers j. Jobs must be added before Run.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" {
		return errors.New("job name is required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run func is required", j.Name)
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}
	if j.InitialDelay < 0 {
		return fmt.Errorf("job %s: initial delay must not be negative", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("job %s: already registered", j.Name)
	}
	s.jobs[j.Name] = &job{Job: j, lock: NewRunLock()}
	s.order = append(s.order, j.Name)
	return nil
}

// Run starts every job loop and blocks until ctx is cancelled and all
// in-flight runs have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	jobs := make([]*job, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	s.mu.Unlock()

	for _, j := range jobs {
		s.logger.Info().
			Str("job", j.Name).
			Dur("interval", j.Interval).
			Dur("initial_delay", j.InitialDelay).
			Msg("job scheduled")
		s.wg.Add(1)
		go s.loop(ctx, j)
	}

	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
	return nil
}

// Trigger runs the named job once in the caller's goroutine, honouring the
// same exclusive-run lock as the periodic loop.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	timer := time.NewTimer(j.InitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	s.dispatch(ctx, j)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx, j)
		}
	}
}

// dispatch runs j in its own goroutine so a slow run never delays the ticker.
func (s *Scheduler) dispatch(ctx context.Context, j *job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.execute(ctx, j)
		switch {
		case err == nil:
		case errors.Is(err, ErrBusy):
			s.logger.Debug().Str("job", j.Name).Msg("previous run still in flight, tick dropped")
		case ctx.Err() != nil:
		default:
			s.logger.Error().Err(err).Str("job", j.Name).Msg("job failed")
		}
	}()
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	if !j.lock.TryAcquire(ctx, s.acquireTimeout) {
		jobRuns.WithLabelValues(j.Name, "skipped").Inc()
		return ErrBusy
	}
	defer j.lock.Release()

	start := time.Now()
	err := runSafely(ctx, j.Run)
	elapsed := time.Since(start)

	jobDuration.WithLabelValues(j.Name).Observe(elapsed.Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	jobRuns.WithLabelValues(j.Name, result).Inc()
	s.logger.Debug().Str("job", j.Name).Dur("elapsed", elapsed).Str("result", result).Msg("job finished")
	return err
}

func runSafely(ctx context.Context, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return run(ctx)
}
