// Package scheduler runs named recurring background tasks on an injectable
// clock so that shutdown is deterministic and tests can advance virtual time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"authcoord/pkg/logging"
)

// Task is one run of a recurring job. ctx is cancelled on Stop.
type Task func(ctx context.Context)

type task struct {
	name     string
	interval time.Duration
	fn       Task
}

// Scheduler owns a set of tickers, one goroutine per task. A task never
// overlaps with itself; a tick that arrives while the previous run is still
// executing is coalesced.
type Scheduler struct {
	clock clock.WithTicker

	mu      sync.Mutex
	tasks   []task
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler driven by clk. A nil clock uses the real clock.
func New(clk clock.WithTicker) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{clock: clk}
}

// Every registers fn to run every interval after Start.
func (s *Scheduler) Every(name string, interval time.Duration, fn Task) error {
	if interval <= 0 {
		return fmt.Errorf("task %q: interval must be positive, got %s", name, interval)
	}
	if fn == nil {
		return fmt.Errorf("task %q: nil function", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("task %q: scheduler already started", name)
	}
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("task %q already registered", name)
		}
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
	return nil
}

// Start launches every registered task. Tickers are created before Start
// returns.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, t := range s.tasks {
		ticker := s.clock.NewTicker(t.interval)
		s.wg.Add(1)
		go s.loop(runCtx, t, ticker)
		logging.Debug("Scheduler", "Started task %s every %s", t.name, t.interval)
	}
	return nil
}

// Stop cancels all tasks and waits for in-flight runs to return. It is safe
// to call more than once and before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	logging.Debug("Scheduler", "All tasks stopped")
}

// Tasks returns the registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		names = append(names, t.name)
	}
	return names
}

func (s *Scheduler) loop(ctx context.Context, t task, ticker clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			s.run(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Scheduler", fmt.Errorf("%v", r), "Task %s panicked", t.name)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	t.fn(ctx)
}
