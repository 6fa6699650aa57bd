// Package sched runs the recurring drivers behind serve: one collection
// tick per frequency class plus the notifier drain, each on a fixed
// cadence with an overlap-safe wrapper. A driver whose previous run is
// still active skips the tick instead of stacking a second run.
package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job is one recurring unit of work. Run receives the context passed to
// Start, which shutdown cancels.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a named function to Job.
func JobFunc(name string, fn func(ctx context.Context) error) Job {
	return jobFunc{name: name, fn: fn}
}

type jobFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (j jobFunc) Name() string                  { return j.name }
func (j jobFunc) Run(ctx context.Context) error { return j.fn(ctx) }

// Entry describes one registered driver for the health endpoint.
type Entry struct {
	Name      string        `json:"name"`
	Every     time.Duration `json:"every"`
	NextRun   time.Time     `json:"next_run"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
	Running   bool          `json:"running"`
	Skipped   int64         `json:"skipped"`
}

// Scheduler owns the cron runner and its managed entries.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	jobs    []*managed
	baseCtx context.Context
}

// New returns an idle scheduler on a UTC cron runner.
func New() *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithLocation(time.UTC))}
}

// Every registers a driver at a fixed cadence. The cron runner resolves
// at one second, so anything shorter is rejected.
func (s *Scheduler) Every(interval time.Duration, job Job) error {
	if interval < time.Second {
		return fmt.Errorf("sched: cadence %s for %s is below the 1s resolution", interval, job.Name())
	}

	m := &managed{sched: s, name: job.Name(), every: interval, job: job}
	id, err := s.cron.AddJob(fmt.Sprintf("@every %s", interval), m)
	if err != nil {
		return fmt.Errorf("sched: register %s: %w", job.Name(), err)
	}

	s.mu.Lock()
	m.id = id
	s.jobs = append(s.jobs, m)
	s.mu.Unlock()

	log.Info().Str("driver", job.Name()).Dur("every", interval).Msg("driver registered")
	return nil
}

// Start begins firing registered drivers. Runs receive ctx, so the
// caller cancels in-flight work by cancelling it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	entries := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	log.Info().Int("entries", entries).Msg("scheduler started")
}

// Stop halts scheduling and waits for in-flight runs, bounded by the
// grace context.
func (s *Scheduler) Stop(grace context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info().Msg("scheduler stopped")
		return nil
	case <-grace.Done():
		log.Warn().Msg("scheduler stop grace period expired with runs in flight")
		return grace.Err()
	}
}

// Entries reports every registered driver with its schedule state.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.jobs))
	for _, m := range s.jobs {
		e := Entry{
			Name:    m.name,
			Every:   m.every,
			NextRun: s.cron.Entry(m.id).Next,
			Running: m.running.Load(),
			Skipped: m.skipped.Load(),
		}
		m.mu.Lock()
		e.LastRun = m.lastRun
		e.LastError = m.lastErr
		m.mu.Unlock()
		out = append(out, e)
	}
	return out
}

func (s *Scheduler) base() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// managed wraps a Job as a cron entry and keeps its run state.
type managed struct {
	sched *Scheduler
	name  string
	every time.Duration
	job   Job
	id    cron.EntryID

	running atomic.Bool
	skipped atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// Run implements the cron job contract. A tick that lands while the
// previous run is still active is counted and dropped.
func (m *managed) Run() {
	if !m.running.CompareAndSwap(false, true) {
		m.skipped.Add(1)
		log.Warn().Str("driver", m.name).Msg("previous run still active, skipping tick")
		return
	}
	defer m.running.Store(false)

	start := time.Now()
	err := m.job.Run(m.sched.base())
	elapsed := time.Since(start)

	m.mu.Lock()
	m.lastRun = start.UTC()
	m.lastErr = ""
	if err != nil {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("driver", m.name).Dur("elapsed", elapsed).Msg("driver run failed")
		return
	}
	log.Debug().Str("driver", m.name).Dur("elapsed", elapsed).Msg("driver run complete")
}
