package sched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"article-hunter/pkg/hunter"
	"article-hunter/poll"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRunner counts cycles and can block or fail on demand.
type fakeRunner struct {
	mu      sync.Mutex
	counts  map[string]int
	err     error
	block   chan struct{} // when set, Check waits until it is closed
	started chan struct{} // signaled once per Check entry
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{counts: make(map[string]int), started: make(chan struct{}, 16)}
}

func (r *fakeRunner) Check(_ context.Context, id string) (*poll.Stats, error) {
	r.mu.Lock()
	r.counts[id]++
	block := r.block
	err := r.err
	r.mu.Unlock()

	select {
	case r.started <- struct{}{}:
	default:
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &poll.Stats{}, nil
}

func (r *fakeRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}

func TestStartJobRunsImmediately(t *testing.T) {
	r := newFakeRunner()
	s := New(r, time.Hour, testLogger)
	defer s.Shutdown()

	s.StartJob("sub-1")

	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle did not fire immediately")
	}
	if got := r.count("sub-1"); got != 1 {
		t.Errorf("cycle count = %d, want 1", got)
	}
}

func TestStartJobIsIdempotent(t *testing.T) {
	r := newFakeRunner()
	s := New(r, time.Hour, testLogger)
	defer s.Shutdown()

	s.StartJob("sub-1")
	s.StartJob("sub-1")
	s.StartJob("sub-1")

	<-r.started
	// Give a duplicate loop (if any) a moment to fire.
	time.Sleep(50 * time.Millisecond)

	if got := r.count("sub-1"); got != 1 {
		t.Errorf("cycle count = %d, want 1 for a triple-started job", got)
	}
	if got := len(s.Jobs()); got != 1 {
		t.Errorf("Jobs() has %d entries, want 1", got)
	}
}

func TestStopJobIsIdempotent(t *testing.T) {
	r := newFakeRunner()
	s := New(r, time.Hour, testLogger)
	defer s.Shutdown()

	s.StartJob("sub-1")
	<-r.started
	s.StopJob("sub-1")
	s.StopJob("sub-1")

	if got := len(s.Jobs()); got != 0 {
		t.Errorf("Jobs() has %d entries after stop, want 0", got)
	}
}

func TestRunNowSingleFlight(t *testing.T) {
	r := newFakeRunner()
	block := make(chan struct{})
	r.block = block

	s := New(r, time.Hour, testLogger)
	defer s.Shutdown()
	s.StartJob("sub-1")

	// Wait for the immediate first cycle to be inside Check and blocked.
	<-r.started

	_, err := s.RunNow(context.Background(), "sub-1")
	if !errors.Is(err, ErrBusy) {
		t.Errorf("RunNow during in-flight cycle: err = %v, want ErrBusy", err)
	}

	close(block)
	r.mu.Lock()
	r.block = nil
	r.mu.Unlock()

	// After the cycle finishes, RunNow goes through.
	deadline := time.After(2 * time.Second)
	for {
		if _, err := s.RunNow(context.Background(), "sub-1"); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("RunNow never succeeded after the blocking cycle ended")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestRunNowWithoutJob(t *testing.T) {
	r := newFakeRunner()
	s := New(r, time.Hour, testLogger)
	defer s.Shutdown()

	if _, err := s.RunNow(context.Background(), "sub-x"); err != nil {
		t.Errorf("RunNow without a job failed: %v", err)
	}
	if got := r.count("sub-x"); got != 1 {
		t.Errorf("cycle count = %d, want 1", got)
	}
}

func TestNotFoundStopsJob(t *testing.T) {
	r := newFakeRunner()
	r.err = hunter.ErrNotFound
	s := New(r, time.Hour, testLogger)
	defer s.Shutdown()

	s.StartJob("sub-1")
	<-r.started

	deadline := time.After(2 * time.Second)
	for len(s.Jobs()) != 0 {
		select {
		case <-deadline:
			t.Fatal("job for a deleted subscription was never stopped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTickerFiresRepeatedly(t *testing.T) {
	r := newFakeRunner()
	s := New(r, 20*time.Millisecond, testLogger)
	defer s.Shutdown()

	s.StartJob("sub-1")

	deadline := time.After(2 * time.Second)
	for r.count("sub-1") < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d cycles fired, want at least 3", r.count("sub-1"))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestShutdownWaitsForLoops(t *testing.T) {
	r := newFakeRunner()
	s := New(r, time.Hour, testLogger)

	s.StartJob("sub-1")
	s.StartJob("sub-2")
	<-r.started
	<-r.started

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestHealthOf(t *testing.T) {
	tests := []struct {
		failures int
		want     string
	}{
		{0, "healthy"},
		{1, "degraded"},
		{4, "degraded"},
		{5, "broken"},
		{20, "broken"},
	}
	for _, tt := range tests {
		sub := &hunter.Subscription{ConsecutiveFailures: tt.failures}
		if got := HealthOf(sub); got != tt.want {
			t.Errorf("HealthOf(%d failures) = %q, want %q", tt.failures, got, tt.want)
		}
	}
}
