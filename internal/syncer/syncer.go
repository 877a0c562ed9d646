// Package syncer provides a coalescing invalidate-and-resync scheduler:
// bursts of "something changed" signals collapse into the minimum number of
// executions needed to reflect the latest state.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/wardenlabs/warden/internal/backoff"
	"github.com/wardenlabs/warden/internal/logging"
)

// Func is the resync action. It must respect ctx cancellation for Stop to
// halt an in-progress run early.
type Func func(ctx context.Context) error

// State is the scheduler state, exposed for introspection and tests.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateRunningWithRetry
	StateStopped
)

// InvalidateSync runs a resync action at most once concurrently, re-running
// exactly once more if invalidated while busy. Action failures are retried
// with jittered backoff under a per-cycle cancellation context; Stop aborts
// any in-progress retry delay and prevents further runs.
type InvalidateSync struct {
	action Func
	retry  backoff.Options

	mu      sync.Mutex
	running bool
	queued  bool
	stopped bool
	cancel  context.CancelFunc
	pending []chan error // awaiting the next scheduled run
}

// New creates an InvalidateSync for action. retry shapes failure handling;
// zero delays default to 50ms..2s so a failing action never retries without
// pause.
func New(action Func, retry backoff.Options) *InvalidateSync {
	if retry.MinDelay <= 0 {
		retry.MinDelay = 50 * time.Millisecond
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 2 * time.Second
	}
	return &InvalidateSync{action: action, retry: retry}
}

// CurrentState returns the scheduler state.
func (s *InvalidateSync) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return StateStopped
	case s.running && s.queued:
		return StateRunningWithRetry
	case s.running:
		return StateRunning
	default:
		return StateIdle
	}
}

// Invalidate signals that state changed and a resync is owed. Signals
// arriving while a run is in flight collapse into a single queued rerun.
// No-op after Stop.
func (s *InvalidateSync) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateLocked()
}

// InvalidateAndAwait signals like Invalidate and blocks until the next
// scheduled run completes, the scheduler stops (nil error), or ctx is
// cancelled.
func (s *InvalidateSync) InvalidateAndAwait(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	done := make(chan error, 1)
	s.pending = append(s.pending, done)
	s.invalidateLocked()
	s.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *InvalidateSync) invalidateLocked() {
	if s.stopped {
		return
	}
	if s.running {
		s.queued = true
		return
	}
	s.running = true
	go s.runLoop()
}

// Stop is terminal and idempotent: it cancels the current run's context,
// resolves all outstanding awaiters without error, and turns later
// Invalidate calls into no-ops.
func (s *InvalidateSync) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.queued = false
	if s.cancel != nil {
		s.cancel()
	}
	s.resolvePendingLocked(nil)
}

func (s *InvalidateSync) resolvePendingLocked(err error) {
	for _, done := range s.pending {
		done <- err
	}
	s.pending = nil
}

func (s *InvalidateSync) runLoop() {
	for {
		s.mu.Lock()
		if s.stopped {
			s.running = false
			s.resolvePendingLocked(nil)
			s.mu.Unlock()
			return
		}
		waiters := s.pending
		s.pending = nil
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.mu.Unlock()

		err := backoff.Retry(ctx, func() error { return s.action(ctx) }, s.retry)
		cancel()

		s.mu.Lock()
		s.cancel = nil
		if s.stopped {
			for _, done := range waiters {
				done <- nil
			}
			s.resolvePendingLocked(nil)
			s.running = false
			s.mu.Unlock()
			return
		}
		if err != nil {
			logging.Error("resync failed", "error", err)
		}
		for _, done := range waiters {
			done <- err
		}
		if !s.queued {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.queued = false
		s.mu.Unlock()
	}
}
