// Package scheduler drives the SFU's periodic control loops: quality
// evaluation, ack summary flushing and fingerprint TTL sweeping. Each job
// runs its work inline on its own ticker goroutine, so a tick that takes
// longer than the interval simply coalesces the next one; two ticks of the
// same job never run concurrently.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func()
}

// Scheduler owns the ticker goroutines for a set of jobs.
type Scheduler struct {
	jobs   []Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logrus.Entry

	mu      sync.Mutex
	started bool
}

func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		logger: logrus.WithField("component", "scheduler"),
	}
}

// Start launches one goroutine per job. Idempotent; the second call is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runJob(ctx, job)
	}
}

// Stop cancels all jobs and waits for the in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.wg.Done()

	logger := s.logger.WithField("job", job.Name)
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("job stopped")
			return
		case <-ticker.C:
			// Running inline means a slow tick delays (and the ticker then
			// drops) subsequent ticks rather than stacking them.
			job.Run()
		}
	}
}
