// Package sched owns the per-subscription poll loops: one ticker goroutine
// per active subscription, with a single-flight guard so a slow cycle is
// never overlapped by the next tick or a manual recheck.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"article-hunter/pkg/hunter"
	"article-hunter/poll"
)

// ErrBusy is returned by RunNow when a cycle for the subscription is
// already in flight.
var ErrBusy = errors.New("check already running")

// Runner executes one poll cycle. Satisfied by *poll.Engine.
type Runner interface {
	Check(ctx context.Context, subscriptionID string) (*poll.Stats, error)
}

type job struct {
	cancel   context.CancelFunc
	inFlight atomic.Bool
}

// Scheduler manages the poll loops.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a Scheduler ticking each subscription every interval.
func New(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*job),
	}
}

// StartJob begins the poll loop for a subscription. Idempotent: starting an
// already-running job is a no-op, so restart recovery and bot commands can
// both call it blindly.
func (s *Scheduler) StartJob(subscriptionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[subscriptionID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{cancel: cancel}
	s.jobs[subscriptionID] = j

	s.wg.Add(1)
	go s.loop(ctx, subscriptionID, j)
	s.logger.Info("Poll job started", "subscription", subscriptionID, "interval", s.interval.String())
}

// StopJob cancels the poll loop for a subscription. Idempotent.
func (s *Scheduler) StopJob(subscriptionID string) {
	s.mu.Lock()
	j, ok := s.jobs[subscriptionID]
	if ok {
		delete(s.jobs, subscriptionID)
	}
	s.mu.Unlock()
	if ok {
		j.cancel()
		s.logger.Info("Poll job stopped", "subscription", subscriptionID)
	}
}

// Jobs returns the IDs of subscriptions with a running loop.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// RunNow executes one cycle immediately, outside the ticker, sharing the
// job's single-flight guard. Returns ErrBusy when a cycle is in flight.
func (s *Scheduler) RunNow(ctx context.Context, subscriptionID string) (*poll.Stats, error) {
	s.mu.Lock()
	j, ok := s.jobs[subscriptionID]
	s.mu.Unlock()
	if !ok {
		// No loop yet (e.g. freshly created subscription): run unguarded.
		return s.runner.Check(ctx, subscriptionID)
	}
	if !j.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer j.inFlight.Store(false)
	return s.runner.Check(ctx, subscriptionID)
}

// Run blocks until ctx is done, then cancels every loop and waits for
// in-flight cycles to finish. Shaped for a run.Group actor.
func (s *Scheduler) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	s.Shutdown()
	return ctx.Err()
}

// Shutdown stops all loops and waits for them to exit.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.mu.Lock()
	s.jobs = make(map[string]*job)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, subscriptionID string, j *job) {
	defer s.wg.Done()

	// First cycle fires immediately so a new subscription gets its
	// baseline without waiting a full interval.
	s.tick(ctx, subscriptionID, j)

	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx, subscriptionID, j)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, subscriptionID string, j *job) {
	if !j.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("Previous cycle still running, skipping tick",
			"subscription", subscriptionID)
		return
	}
	defer j.inFlight.Store(false)

	_, err := s.runner.Check(ctx, subscriptionID)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, hunter.ErrNotFound):
		// Subscription deleted or deactivated underneath the loop.
		s.logger.Info("Subscription gone, stopping job", "subscription", subscriptionID)
		go s.StopJob(subscriptionID)
	default:
		s.logger.Warn("Poll cycle failed", "subscription", subscriptionID, "error", err)
	}
}

// HealthOf classifies a subscription's delivery health from its failure
// streak.
func HealthOf(sub *hunter.Subscription) string {
	switch {
	case sub.ConsecutiveFailures == 0:
		return "healthy"
	case sub.ConsecutiveFailures < 5:
		return "degraded"
	default:
		return "broken"
	}
}
