// Package engine implements the per-(server,tab) bot engine: a
// finite-state machine that drives the scan -> decide -> execute -> cooldown
// cycle, guarded by a cycle lock, a circuit breaker, and an hourly rate
// limiter, with start/stop/heartbeat/emergencyStop persistence hooks.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	robfigcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/cycles"
	"github.com/harlowdev/questkeeper/internal/decision"
	"github.com/harlowdev/questkeeper/internal/domain"
	"github.com/harlowdev/questkeeper/internal/logkeep"
	"github.com/harlowdev/questkeeper/internal/storage"
	"github.com/harlowdev/questkeeper/internal/taskqueue"
)

const (
	cycleMainLoop    = "main_loop"
	cycleHourlyReset = "hourly_reset"
	cyclePersist     = "persist_state"
	cycleWakeAlarm   = "wake_alarm"
	cycleQuietResume = "quiet_hours_resume"

	mainLoopBaseMs    = 45_000
	mainLoopJitterMs  = 9_000 // ~20%
	hourlyResetBaseMs = 3_600_000
	persistBaseMs     = 60_000
	persistJitterMs   = 5_000
	wakeAlarmBaseMs   = 60_000
)

func errInvalidTransition(to domain.EngineFSMState) error {
	return fmt.Errorf("engine: transition to %s rejected", to)
}

// Engine drives one server's automation. All collaborators are injected
// at construction; nothing is reached for as a package global.
type Engine struct {
	ServerKey domain.ServerKey

	store  *storage.Store
	logs   *logkeep.Logger
	logger *zap.Logger
	hub    *bridge.Hub
	module decision.Module

	cyc *cycles.Scheduler
	q   *taskqueue.Queue

	quietHours robfigcron.Schedule

	mu  sync.Mutex
	cfg Config
	st  *state
}

// New constructs an Engine bound to serverKey, in the Stopped state. Call
// Start to begin running its cycles.
func New(serverKey domain.ServerKey, store *storage.Store, logs *logkeep.Logger, zl *zap.Logger, hub *bridge.Hub, module decision.Module) (*Engine, error) {
	cyc, err := cycles.New(zl)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if module == nil {
		module = decision.Noop
	}
	return &Engine{
		ServerKey: serverKey,
		store:     store,
		logs:      logs,
		logger:    zl.Named("engine").With(zap.String("server_key", string(serverKey))),
		hub:       hub,
		module:    module,
		cyc:       cyc,
		q:         taskqueue.New(),
		st:        newState(),
		cfg:       DefaultConfig(),
	}, nil
}

// loadConfig merges the stored per-server config over DefaultConfig and
// parses the quiet-hours cron expression, if configured.
func (e *Engine) loadConfig(ctx context.Context) error {
	def := DefaultConfig()
	var merged Config
	if err := e.store.LoadServerConfig(ctx, string(e.ServerKey), def, ConfigSubtrees, &merged); err != nil {
		return fmt.Errorf("engine: load config: %w", err)
	}
	merged.coerce(def)

	var sched robfigcron.Schedule
	if merged.QuietHoursCron != "" {
		s, err := robfigcron.ParseStandard(merged.QuietHoursCron)
		if err != nil {
			e.logger.Warn("invalid quiet hours cron, ignoring", zap.Error(err))
		} else {
			sched = s
		}
	}

	e.mu.Lock()
	e.cfg = merged
	e.quietHours = sched
	e.mu.Unlock()
	return nil
}

// Start loads configuration and persisted run state, restores the queue,
// arms the scheduled cycles, and transitions Stopped -> Idle.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.loadConfig(ctx); err != nil {
		return err
	}

	var persisted PersistedRunState
	found, err := e.store.Get(ctx, storage.StateKey(string(e.ServerKey)), &persisted)
	if err != nil {
		return fmt.Errorf("engine: load run state: %w", err)
	}
	if found {
		e.mu.Lock()
		e.st.stats = persisted.Stats
		e.st.actionsThisHour = persisted.ActionsThisHour
		e.st.hourResetAt = persisted.HourResetAt
		e.st.lastFarmAt = persisted.LastFarmAt
		e.mu.Unlock()
		e.q.Restore(persisted.Queue)
	}

	e.mu.Lock()
	e.st.emergencyWhy = ""
	e.st.emergencyAt = time.Time{}
	ok := e.transitionLocked(domain.StateIdle)
	e.mu.Unlock()
	if !ok {
		return errInvalidTransition(domain.StateIdle)
	}

	e.cyc.Start()
	if err := e.armCycles(); err != nil {
		return err
	}
	e.logs.Info(e.ServerKey, "engine started", nil)
	return nil
}

// armCycles (re-)registers the main loop, hourly rate-limit reset, and
// periodic persistence cycles.
func (e *Engine) armCycles() error {
	if err := e.cyc.ScheduleCycle(cycleMainLoop, func(ctx context.Context) error {
		e.runCycle(ctx)
		return nil
	}, mainLoopBaseMs, mainLoopJitterMs); err != nil {
		return err
	}
	if err := e.cyc.ScheduleCycle(cycleHourlyReset, func(context.Context) error {
		e.resetHourlyRateLimit()
		return nil
	}, hourlyResetBaseMs, 0); err != nil {
		return err
	}
	if err := e.cyc.ScheduleCycle(cyclePersist, func(ctx context.Context) error {
		return e.persist(ctx, false)
	}, persistBaseMs, persistJitterMs); err != nil {
		return err
	}
	// Platform wake-up alarm: a per-server low-cost heartbeat
	// that re-enters the engine roughly every minute even if the host
	// dozed and gocron's in-memory timers for main_loop never fired.
	if err := e.cyc.ScheduleCycle(cycleWakeAlarm, func(ctx context.Context) error {
		e.Heartbeat(ctx)
		return nil
	}, wakeAlarmBaseMs, 0); err != nil {
		return err
	}
	return nil
}

// Stop halts all cycles, flushes state, and transitions to Stopped from
// whatever state the engine is currently in (every FSM state allows a
// direct edge to Stopped).
func (e *Engine) Stop(ctx context.Context) error {
	e.cyc.Clear(cycleMainLoop)
	e.cyc.Clear(cycleHourlyReset)
	e.cyc.Clear(cyclePersist)
	e.cyc.Clear(cycleWakeAlarm)

	e.mu.Lock()
	e.transitionLocked(domain.StateStopped)
	e.mu.Unlock()

	if err := e.persist(ctx, false); err != nil {
		e.logger.Warn("persist on stop failed", zap.Error(err))
	}
	return e.logs.Flush(ctx)
}

// EmergencyStop latches the engine into Emergency then Stopped, records
// the reason, and eagerly flushes logs.
func (e *Engine) EmergencyStop(ctx context.Context, reason string) error {
	e.mu.Lock()
	e.st.emergencyWhy = reason
	e.st.emergencyAt = time.Now().UTC()
	e.transitionLocked(domain.StateEmergency)
	e.mu.Unlock()

	e.cyc.Clear(cycleMainLoop)
	e.logs.Error(e.ServerKey, "emergency stop", map[string]any{"reason": reason})
	if err := e.logs.Flush(ctx); err != nil {
		e.logger.Warn("emergency log flush failed", zap.Error(err))
	}
	if err := e.store.Set(ctx, storage.KeyEmergencyStop, map[string]any{
		"serverKey": e.ServerKey, "reason": reason, "at": e.st.emergencyAt,
	}); err != nil {
		e.logger.Warn("emergency marker persist failed", zap.Error(err))
	}

	e.mu.Lock()
	e.transitionLocked(domain.StateStopped)
	e.mu.Unlock()
	return e.persist(ctx, false)
}

// Heartbeat re-arms missing cycles and, if the engine is running, triggers
// an immediate off-cycle tick. If the main loop cycle is not scheduled
// (process woke from sleep and gocron's in-memory
// timer never fired), it is re-armed; one tick is then nudged so a long
// sleep doesn't cost a full interval before the bot notices."
func (e *Engine) Heartbeat(ctx context.Context) {
	if !e.IsRunning() || e.FSMState() == domain.StatePaused {
		return
	}
	if !e.cyc.IsScheduled(cycleMainLoop) {
		e.logger.Info("heartbeat detected resurrection, re-arming cycles")
		if err := e.armCycles(); err != nil {
			e.logger.Warn("heartbeat re-arm failed", zap.Error(err))
		}
	}
	e.runCycle(ctx)
}

// persist snapshots stats/queue/rate-limit state to storage. When
// onlyIfDirty is true this is the dirty-triggered flush; the 60s cycle
// calls it unconditionally as a backstop.
func (e *Engine) persist(ctx context.Context, onlyIfDirty bool) error {
	if onlyIfDirty && e.q.DirtyAt().IsZero() {
		return nil
	}

	e.mu.Lock()
	snap := PersistedRunState{
		Stats:           e.st.stats,
		ActionsThisHour: e.st.actionsThisHour,
		HourResetAt:     e.st.hourResetAt,
		LastFarmAt:      e.st.lastFarmAt,
		WasRunning:      e.st.fsm != domain.StateStopped && e.st.fsm != domain.StateEmergency,
		SavedAt:         time.Now().UTC(),
	}
	e.mu.Unlock()
	snap.Queue = e.q.TakeSnapshot()

	if err := e.store.Set(ctx, storage.StateKey(string(e.ServerKey)), snap); err != nil {
		return fmt.Errorf("engine: persist run state: %w", err)
	}
	e.q.MarkClean()
	return nil
}

func (e *Engine) resetHourlyRateLimit() {
	e.mu.Lock()
	e.st.actionsThisHour = 0
	e.st.hourResetAt = time.Now().UTC()
	e.mu.Unlock()
}

// BindTab records which tab this engine is currently driving. The
// tab-binding policy is enforced by instances.Manager; Engine just records
// the assignment it's told about.
func (e *Engine) BindTab(tabID int) {
	e.mu.Lock()
	e.st.activeTabID = tabID
	e.mu.Unlock()
}

func (e *Engine) activeTab() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.activeTabID
}

// EmergencyReason returns the latched emergency reason and when it was
// recorded. Both are zero if the engine has not emergency-stopped since
// the last Start cleared the latch.
func (e *Engine) EmergencyReason() (string, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.emergencyWhy, e.st.emergencyAt
}

// Stats returns a copy of the lifetime counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.stats
}

// Queue exposes the task queue for the supervisor's ADD_TASK/GET_QUEUE/
// REMOVE_TASK/CLEAR_QUEUE command handlers.
func (e *Engine) Queue() *taskqueue.Queue { return e.q }

// Config returns a copy of the engine's current loaded configuration, used
// by the supervisor's FARM_LIST_API_CALL handler to read the opaque
// X-Version pass-through header.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// quietHoursUntil reports whether now falls inside the configured
// quiet-hours window, and when that window closes. Implemented by walking
// forward from a bounded lookback since robfig/cron/v3's Schedule only
// exposes Next, not Prev.
func (e *Engine) quietHoursUntil(now time.Time) (time.Time, bool) {
	e.mu.Lock()
	sched := e.quietHours
	dur := time.Duration(e.cfg.QuietHoursDurationMs) * time.Millisecond
	e.mu.Unlock()
	if sched == nil || dur <= 0 {
		return time.Time{}, false
	}

	var last time.Time
	cursor := now.Add(-25 * time.Hour)
	for i := 0; i < 2000; i++ {
		next := sched.Next(cursor)
		if next.IsZero() || next.After(now) {
			break
		}
		last = next
		cursor = next
	}
	if last.IsZero() || now.Sub(last) >= dur {
		return time.Time{}, false
	}
	return last.Add(dur), true
}

// pauseForQuietHours transitions into Paused for the rest of the quiet
// window and arms a one-shot resume at its end. Deliberately separate from
// the circuit breaker's Paused: resuming here never touches the breaker's
// trip bookkeeping.
func (e *Engine) pauseForQuietHours(until time.Time) {
	e.mu.Lock()
	alreadyPaused := e.st.fsm == domain.StatePaused
	if !alreadyPaused {
		e.transitionLocked(domain.StatePaused)
	}
	e.mu.Unlock()
	if alreadyPaused {
		return
	}

	e.logs.Info(e.ServerKey, "quiet hours active, pausing", map[string]any{"until": until})
	if err := e.cyc.ScheduleOnce(cycleQuietResume, func(context.Context) error {
		e.mu.Lock()
		// Only resume if still Paused; an operator Stop or emergency in
		// the meantime must not be overridden.
		if e.st.fsm == domain.StatePaused {
			e.transitionLocked(domain.StateIdle)
		}
		e.mu.Unlock()
		e.logs.Info(e.ServerKey, "quiet hours elapsed, resuming", nil)
		return nil
	}, time.Until(until).Milliseconds()); err != nil {
		e.logger.Warn("failed to arm quiet hours resume", zap.Error(err))
	}
}
