// Package scheduler runs a fixed set of periodic tasks one after another on a
// single goroutine. Tasks never overlap, so their state needs no locking.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hivemind-plus/hivelink/internal/domain"
	"github.com/hivemind-plus/hivelink/internal/ports"
)

// Clock abstracts the parts of package time the scheduler depends on so tests
// can control apparent time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WallClock is the Clock backed by package time.
var WallClock Clock = wallClock{}

// Task is one periodic action. Timeout, when set, bounds a single run.
type Task struct {
	Name    string
	Period  time.Duration
	Timeout time.Duration
	Action  func(ctx context.Context) error
}

type entry struct {
	Task
	lastRun time.Time
	ran     bool
}

type Scheduler struct {
	clock Clock
	obs   ports.Observability

	mu      sync.Mutex // guards tasks against Register racing Run
	tasks   []*entry
	started bool

	stop atomic.Bool
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithObservability(obs ports.Observability) Option {
	return func(s *Scheduler) { s.obs = obs }
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock: WallClock,
		obs:   ports.NopObservability{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. Tasks run in registration order when several are due
// at the same tick. Registration closes once RunForever starts.
func (s *Scheduler) Register(t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.started:
		return domain.Config("register "+t.Name, errors.New("scheduler already running"))
	case t.Name == "":
		return domain.Config("register", errors.New("task name is required"))
	case t.Period <= 0:
		return domain.Config("register "+t.Name, fmt.Errorf("period must be positive, got %s", t.Period))
	case t.Action == nil:
		return domain.Config("register "+t.Name, errors.New("action is required"))
	}
	for _, e := range s.tasks {
		if e.Name == t.Name {
			return domain.Config("register "+t.Name, errors.New("duplicate task name"))
		}
	}
	s.tasks = append(s.tasks, &entry{Task: t})
	return nil
}

// Tick runs every due task to completion, in registration order. A task that
// fails or panics is logged and still counts as run, so it waits one full
// period before its next attempt. Only a fatal task error is returned.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()
	for _, e := range s.tasks {
		if s.stop.Load() || ctx.Err() != nil {
			return nil
		}
		if e.ran && now.Sub(e.lastRun) < e.Period {
			continue
		}

		err := s.invoke(ctx, e)
		e.lastRun = now
		e.ran = true

		if err == nil {
			continue
		}
		if isFatal(err) {
			s.obs.LogCritical("task failed fatally", err, ports.Field{Key: "task", Value: e.Name})
			return fmt.Errorf("task %s: %w", e.Name, err)
		}
		s.obs.IncCounter(ports.MetricTaskFailures, 1)
		s.obs.LogError("task failed", err, ports.Field{Key: "task", Value: e.Name})
	}
	return nil
}

func (s *Scheduler) invoke(ctx context.Context, e *entry) (err error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		s.obs.IncCounter(ports.MetricTaskRuns, 1)
		s.obs.ObserveLatency(ports.MetricTaskDuration, time.Since(start).Seconds())
	}()
	return e.Action(ctx)
}

// RunForever ticks until ctx is done, Stop is called, or a task fails fatally.
func (s *Scheduler) RunForever(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.started = true
	s.mu.Unlock()

	if len(s.tasks) == 0 {
		return domain.Config("run", errors.New("no tasks registered"))
	}

	for {
		if err := s.Tick(ctx); err != nil {
			return err
		}
		if s.stop.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.untilNextDue()):
		}
	}
}

// Stop asks RunForever to return after the task currently running. It is
// safe to call from inside a task.
func (s *Scheduler) Stop() {
	s.stop.Store(true)
}

// LastRun reports when the named task last ran.
func (s *Scheduler) LastRun(name string) (time.Time, bool) {
	for _, e := range s.tasks {
		if e.Name == name {
			return e.lastRun, e.ran
		}
	}
	return time.Time{}, false
}

func (s *Scheduler) untilNextDue() time.Duration {
	now := s.clock.Now()
	var wait time.Duration
	for i, e := range s.tasks {
		if !e.ran {
			return 0
		}
		d := e.lastRun.Add(e.Period).Sub(now)
		if i == 0 || d < wait {
			wait = d
		}
	}
	return max(wait, 0)
}

type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks err as unrecoverable: RunForever returns it instead of logging
// and moving on.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f) || domain.IsKind(err, domain.KindLockStepViolation)
}
