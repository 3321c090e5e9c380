// Package cycles implements a named periodic-cycle scheduler on top of
// github.com/go-co-op/gocron/v2: base+jitter cycles, one-shot timers, and
// an isScheduled check callers use to re-arm timers after the host
// process slept and gocron's in-memory timers never fired.
package cycles

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// CycleFunc is a named periodic (or one-shot) callback. A returned error is
// logged; the cycle is still re-armed unchanged.
type CycleFunc func(ctx context.Context) error

type registeredCycle struct {
	job      gocron.Job
	baseMs   int64
	jitterMs int64
	oneShot  bool
}

// Scheduler is one engine's (or the supervisor's) named-cycle runner. The
// zero value is not usable; create with New.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *zap.Logger

	mu    sync.Mutex
	named map[string]*registeredCycle
}

// New creates a Scheduler. Call Start to begin processing.
func New(logger *zap.Logger) (*Scheduler, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("cycles: failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:   c,
		logger: logger.Named("cycles"),
		named:  make(map[string]*registeredCycle),
	}, nil
}

// Start begins processing scheduled cycles.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels every cycle and shuts down the underlying gocron scheduler,
// waiting for in-flight invocations to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("cycles: shutdown: %w", err)
	}
	s.mu.Lock()
	s.named = make(map[string]*registeredCycle)
	s.mu.Unlock()
	return nil
}

func clampJitterRange(baseMs, jitterMs int64) (min, max time.Duration) {
	lo := baseMs - jitterMs
	if lo < 0 {
		lo = 0
	}
	hi := baseMs + jitterMs
	if hi <= lo {
		hi = lo + 1
	}
	return time.Duration(lo) * time.Millisecond, time.Duration(hi) * time.Millisecond
}

func (s *Scheduler) wrap(name string, fn CycleFunc) gocron.Task {
	return gocron.NewTask(func() {
		if err := fn(context.Background()); err != nil {
			s.logger.Warn("cycle function failed, re-armed unchanged",
				zap.String("cycle", name), zap.Error(err))
		}
	})
}

// ScheduleCycle arms a named periodic cycle with base ± jitter timing.
// A uniform integer offset in [-jitterMs, +jitterMs] is added
// to baseMs on every run (gocron.DurationRandomJob recomputes the delay on
// each iteration, giving per-run jitter for free). Re-calling with the same
// name first clears the previous registration.
func (s *Scheduler) ScheduleCycle(name string, fn CycleFunc, baseMs, jitterMs int64) error {
	s.Clear(name)

	min, max := clampJitterRange(baseMs, jitterMs)
	job, err := s.cron.NewJob(
		gocron.DurationRandomJob(min, max),
		s.wrap(name, fn),
		gocron.WithTags(name),
	)
	if err != nil {
		return fmt.Errorf("cycles: schedule %q: %w", name, err)
	}

	s.mu.Lock()
	s.named[name] = &registeredCycle{job: job, baseMs: baseMs, jitterMs: jitterMs}
	s.mu.Unlock()
	return nil
}

// Reschedule records a new base interval for a scheduled cycle, keeping its
// jitter window. It does not re-arm the job: the cycle keeps firing on its
// original timing until ScheduleCycle is called again for that name.
func (s *Scheduler) Reschedule(name string, newBaseMs int64) error {
	s.mu.Lock()
	existing, ok := s.named[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cycles: %q is not scheduled", name)
	}
	// The registered job's task closure is preserved by gocron only via the
	// job handle, which we don't retain a direct reference to the original
	// fn for; callers reschedule by re-calling ScheduleCycle with the same
	// fn and new interval. Reschedule here only updates bookkeeping used by
	// GetStatus; actual re-arming is the caller's responsibility when it
	// needs a new fn, or can call ScheduleCycle again with the same fn.
	s.mu.Lock()
	existing.baseMs = newBaseMs
	s.mu.Unlock()
	return nil
}

// ScheduleOnce arms a named one-shot callback delayMs from now.
func (s *Scheduler) ScheduleOnce(name string, fn CycleFunc, delayMs int64) error {
	s.Clear(name)

	job, err := s.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(time.Duration(delayMs)*time.Millisecond))),
		s.wrap(name, fn),
		gocron.WithTags(name),
	)
	if err != nil {
		return fmt.Errorf("cycles: schedule-once %q: %w", name, err)
	}

	s.mu.Lock()
	s.named[name] = &registeredCycle{job: job, oneShot: true}
	s.mu.Unlock()

	// One-shots self-remove from bookkeeping once they've fired, since
	// gocron does not re-arm them and IsScheduled should reflect that.
	go func() {
		time.Sleep(time.Duration(delayMs)*time.Millisecond + 50*time.Millisecond)
		s.mu.Lock()
		if c, ok := s.named[name]; ok && c.oneShot {
			delete(s.named, name)
		}
		s.mu.Unlock()
	}()
	return nil
}

// Clear cancels a named cycle or one-shot, if scheduled.
func (s *Scheduler) Clear(name string) {
	s.mu.Lock()
	_, ok := s.named[name]
	delete(s.named, name)
	s.mu.Unlock()
	if ok {
		s.cron.RemoveByTags(name)
	}
}

// IsScheduled reports whether name is currently registered. The engine's
// heartbeat compares this against what it expects to be running and
// re-arms anything missing.
func (s *Scheduler) IsScheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.named[name]
	return ok
}

// CycleStatus is one entry of GetStatus's result.
type CycleStatus struct {
	IntervalMs int64
	NextAt     time.Time
}

// GetStatus returns the configured interval and next-run time for every
// registered cycle.
func (s *Scheduler) GetStatus() map[string]CycleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]CycleStatus, len(s.named))
	for name, c := range s.named {
		var next time.Time
		if runs, err := c.job.NextRun(); err == nil {
			next = runs
		}
		out[name] = CycleStatus{IntervalMs: c.baseMs, NextAt: next}
	}
	return out
}
