package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/domain"
)

// runCycle drives one tick of the main loop. It is invoked both by the
// jittered cycles.Scheduler and, off-cycle, by Heartbeat.
func (e *Engine) runCycle(ctx context.Context) {
	if !e.acquireCycleLock("scanning") {
		return // step 1: reject reentry while a prior cycle is in flight.
	}
	defer e.finallyCycle(ctx)

	if until, in := e.quietHoursUntil(time.Now().UTC()); in {
		e.pauseForQuietHours(until)
		return
	}

	switch e.FSMState() {
	case domain.StatePaused, domain.StateEmergency, domain.StateStopped:
		return // step 1: gate on running ∧ ¬paused ∧ ¬emergency.
	}

	e.mu.Lock()
	e.st.cycleCounter++
	e.st.currentCycle = fmt.Sprintf("%s-%d", e.ServerKey, e.st.cycleCounter)
	e.st.stats.CyclesRun++
	e.mu.Unlock()

	e.mu.Lock()
	ok := e.transitionLocked(domain.StateScanning)
	e.mu.Unlock()
	if !ok {
		return
	}

	if e.rateLimitExhausted() {
		return
	}

	tabID := e.activeTab()
	conn, err := e.hub.RequireConn(tabID)
	if err != nil {
		e.logger.Warn("no bridge connection bound for active tab", zap.Error(err))
		return
	}

	gs, ok := e.doScan(ctx, conn)
	if !ok {
		return
	}

	e.maybeRefreshCachedBuildings(ctx, conn)
	e.detectVersionChange(gs.GameVersion)

	e.mu.Lock()
	ok = e.transitionLocked(domain.StateDeciding)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.setCyclePhase("deciding")

	gs.LastFarmAt = e.lastFarmAtTime()
	proposed, err := e.module.Decide(ctx, gs, e.configJSON(), e.q)
	if err != nil {
		e.logger.Warn("decision module failed", zap.Error(err))
		return
	}

	for _, pt := range proposed {
		if pt.Type != domain.TaskEmergencyStop {
			continue
		}
		var p struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(pt.Params, &p)
		if p.Reason == "" {
			p.Reason = "decision module requested emergency stop"
		}
		_ = e.EmergencyStop(ctx, p.Reason)
		return
	}
	for _, pt := range proposed {
		var scheduledFor time.Time
		if pt.ScheduledFor > 0 {
			scheduledFor = time.UnixMilli(pt.ScheduledFor)
		}
		e.q.Add(pt.Type, pt.Params, pt.Priority, pt.VillageID, scheduledFor)
	}

	if e.maybeProactiveHeroClaim(ctx, conn, gs) {
		return // step 11: proactive claim may short-circuit this cycle.
	}

	next := e.nextReadyTask()
	if next == nil {
		return // nothing ready.
	}

	e.executeTask(ctx, conn, next)
}

// nextReadyTask pops pending tasks from the queue, deferring any whose
// slot-level or type-level cooldown window is still open to its reopen
// time, until a dispatchable task (or nothing) remains. Each deferral
// pushes the task's ScheduledFor past now, so the loop is bounded by the
// number of ready tasks.
func (e *Engine) nextReadyTask() *domain.Task {
	for {
		next := e.q.GetNext()
		if next == nil {
			return nil
		}
		until, blocked := e.taskCooldownUntil(next)
		if !blocked {
			return next
		}
		e.q.Update(next.ID, func(t *domain.Task) {
			t.Status = domain.TaskPending
			t.StartedAt = time.Time{}
			t.ScheduledFor = until
		})
		e.logs.Debug(e.ServerKey, "task deferred, cooldown window open", map[string]any{
			"task_id": next.ID, "type": next.Type, "until": until,
		})
	}
}

// doScan performs SCAN, falling back to a lightweight captcha-only probe
// on failure. Returns ok=false if the cycle should stop here.
func (e *Engine) doScan(ctx context.Context, conn *bridge.Conn) (domain.GameState, bool) {
	resp, err := conn.Scan(ctx)
	if err != nil || !resp.Success {
		var captcha struct {
			Captcha bool `json:"captcha"`
		}
		if probe, perr := conn.GetState(ctx, "captcha"); perr == nil && probe.Success {
			_ = json.Unmarshal(probe.Data, &captcha)
		}
		if captcha.Captcha {
			_ = e.EmergencyStop(ctx, "captcha detected")
			return domain.GameState{}, false
		}
		e.onTaskOrScanFailure(ctx)
		return domain.GameState{}, false
	}

	var gs domain.GameState
	gs.Raw = resp.Data
	if err := json.Unmarshal(resp.Data, &gs); err != nil {
		e.logger.Warn("malformed scan payload", zap.Error(err))
		e.onTaskOrScanFailure(ctx)
		return domain.GameState{}, false
	}

	// Scan success does not reset consecutiveFailures; only a task
	// success does.
	e.onScanLoginResult(ctx, gs.LoggedIn)

	e.mu.Lock()
	e.st.gameState = &gs
	e.mu.Unlock()
	return gs, true
}

// finallyCycle is the main loop's unconditional cleanup: return to Idle if
// still mid-cycle, release the cycle lock, eager-flush logs, and save
// state if the queue is dirty.
func (e *Engine) finallyCycle(ctx context.Context) {
	e.mu.Lock()
	switch e.st.fsm {
	case domain.StateScanning, domain.StateDeciding, domain.StateCooldown:
		e.transitionLocked(domain.StateIdle)
	}
	e.mu.Unlock()

	e.releaseCycleLock()

	if err := e.logs.Flush(ctx); err != nil {
		e.logger.Warn("eager log flush failed", zap.Error(err))
	}
	if !e.q.DirtyAt().IsZero() {
		if err := e.persist(ctx, true); err != nil {
			e.logger.Warn("eager state persist failed", zap.Error(err))
		}
	}
}
