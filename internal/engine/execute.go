package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/domain"
)

// executeTask runs one task to completion against conn, handling the
// liveness probe, village reconciliation, dispatch, result handling, and
// the returnHome finally clause.
func (e *Engine) executeTask(ctx context.Context, conn *bridge.Conn, task *domain.Task) {
	e.setCyclePhase("executing")
	e.mu.Lock()
	e.transitionLocked(domain.StateExecuting)
	e.mu.Unlock()
	defer e.returnHome(ctx, conn, task)

	liveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	liveResp, err := conn.GetState(liveCtx, "page")
	cancel()
	if err != nil || !liveResp.Success {
		e.q.MarkFailed(task.ID, "liveness probe failed")
		e.onTaskOrScanFailure(ctx)
		return
	}

	e.reconcileActiveVillage(ctx, conn)

	if task.VillageID != "" && task.VillageID != e.activeVillageID() {
		if !e.assertVillage(ctx, conn, task.VillageID) {
			e.q.MarkFailed(task.ID, bridge.ReasonPageMismatch)
			e.onTaskOrScanFailure(ctx)
			return
		}
	}

	resp, err := dispatchTask(ctx, conn, task)
	if err != nil {
		e.q.MarkFailed(task.ID, err.Error())
		e.onTaskOrScanFailure(ctx)
		return
	}

	if resp.Success {
		e.q.MarkCompleted(task.ID)
		e.mu.Lock()
		e.st.stats.TasksCompleted++
		e.mu.Unlock()
		e.recordActionSuccess()
		e.onTaskOrScanSuccess()
		e.setCooldown(task.CooldownKey(), successCooldown(task.Type))
		return
	}

	e.handleTaskFailure(ctx, conn, task, resp.Reason)
}

// handleTaskFailure applies the hopeless-reason policy, including the
// reactive hero-resource fallback on insufficient_resources against a
// build-like task.
func (e *Engine) handleTaskFailure(ctx context.Context, conn *bridge.Conn, task *domain.Task, reason string) {
	if !bridge.HopelessReasons[reason] {
		e.q.MarkFailed(task.ID, reason)
		e.mu.Lock()
		e.st.stats.TasksFailed++
		e.mu.Unlock()
		e.onTaskOrScanFailure(ctx)
		return
	}

	e.q.ForceMaxRetries(task.ID, reason)
	e.mu.Lock()
	e.st.stats.TasksFailed++
	e.mu.Unlock()

	if isTypeLevelFailReason(reason) {
		e.setCooldown(string(task.Type), failCooldown(reason))
	} else {
		e.setCooldown(task.CooldownKey(), failCooldown(reason))
	}

	if reason == bridge.ReasonInsufficientResources && domain.IsBuildLike(task.Type) {
		gs := e.currentGameState()
		deficit := deficitAgainstCost(gs.Resources, parseTaskParams(task.Params))
		if e.heroResourceClaim(ctx, conn, deficit) {
			e.q.Add(task.Type, task.Params, task.Priority, task.VillageID, time.Time{})
			e.setCooldown(task.CooldownKey(), 15*time.Second)
		}
	}

	e.onTaskOrScanFailure(ctx)
}

// returnHome is executeTask's finally clause: transition to
// Cooldown, then navigate back to the resource overview unless the task
// already ends there, detouring through the village view first for
// building-type tasks so the cached snapshot stays fresh. Any error here
// is logged and swallowed.
func (e *Engine) returnHome(ctx context.Context, conn *bridge.Conn, task *domain.Task) {
	e.mu.Lock()
	e.transitionLocked(domain.StateCooldown)
	e.mu.Unlock()
	e.setCyclePhase("returning")

	if endsOnOverview(task.Type) {
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Warn("returnHome panicked, swallowed", zap.Any("recovered", r))
			}
		}()
		if domain.IsBuildLike(task.Type) {
			if _, err := navigateVerified(ctx, conn, "dorf2"); err != nil {
				e.logger.Warn("returnHome village detour failed", zap.Error(err))
			}
		}
		if _, err := navigateVerified(ctx, conn, "dorf1"); err != nil {
			e.logger.Warn("returnHome overview navigation failed", zap.Error(err))
		}
	}()
}

func (e *Engine) currentGameState() domain.GameState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.gameState == nil {
		return domain.GameState{}
	}
	return *e.st.gameState
}

func (e *Engine) activeVillageID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.gameState == nil {
		return ""
	}
	return e.st.gameState.ActiveVill
}

// reconcileActiveVillage re-reads the active village from the executor in
// case the operator switched villages externally.
func (e *Engine) reconcileActiveVillage(ctx context.Context, conn *bridge.Conn) {
	resp, err := conn.GetState(ctx, "villages")
	if err != nil || !resp.Success {
		return
	}
	var v struct {
		ActiveVillageID string `json:"activeVillageId"`
	}
	if err := json.Unmarshal(resp.Data, &v); err != nil || v.ActiveVillageID == "" {
		return
	}
	e.mu.Lock()
	if e.st.gameState != nil {
		e.st.gameState.ActiveVill = v.ActiveVillageID
	}
	e.mu.Unlock()
}

// assertVillage switches the active tab to villageID and waits for the
// executor to reattach.
func (e *Engine) assertVillage(ctx context.Context, conn *bridge.Conn, villageID string) bool {
	payload, _ := json.Marshal(map[string]string{"targetVillageId": villageID})
	resp, err := conn.Execute(ctx, bridge.ActionSwitchVillage, payload)
	if err != nil || !resp.Success {
		return false
	}
	if !conn.WaitForContentScript(ctx, 15_000) {
		return false
	}
	e.mu.Lock()
	if e.st.gameState != nil {
		e.st.gameState.ActiveVill = villageID
	}
	e.mu.Unlock()
	return true
}
