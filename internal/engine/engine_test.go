package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/decision"
	"github.com/harlowdev/questkeeper/internal/domain"
	"github.com/harlowdev/questkeeper/internal/logkeep"
	"github.com/harlowdev/questkeeper/internal/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	zl := zap.NewNop()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := storage.Open(storage.Config{Driver: "sqlite", DSN: dsn, Logger: zl})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logs := logkeep.New(ctx, zl, store)
	hub := bridge.NewHub(zl)

	e, err := New(domain.ServerKey("test.example.com"), store, logs, zl, hub, decision.Noop)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return e
}

func TestNewEngineStartsStopped(t *testing.T) {
	e := newTestEngine(t)
	if e.FSMState() != domain.StateStopped {
		t.Fatalf("expected a fresh engine to start in Stopped, got %s", e.FSMState())
	}
	if e.IsRunning() {
		t.Fatalf("a Stopped engine should not report IsRunning")
	}
}

func TestStartTransitionsToIdle(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	if e.FSMState() != domain.StateIdle {
		t.Fatalf("expected Start to transition to Idle, got %s", e.FSMState())
	}
	if !e.IsRunning() {
		t.Fatalf("an Idle engine should report IsRunning")
	}
}

func TestPauseResume(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	if err := e.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !e.IsPaused() {
		t.Fatalf("expected IsPaused true after Pause")
	}

	if err := e.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if e.IsPaused() {
		t.Fatalf("expected IsPaused false after Resume")
	}
	if e.FSMState() != domain.StateIdle {
		t.Fatalf("Resume should land in Idle, got %s", e.FSMState())
	}
}

func TestDeprecatedSetPausedRoutesThroughFSM(t *testing.T) {
	e := newTestEngine(t)
	// Stopped -> Paused is not an allowed edge; the deprecated setter must
	// leave state unchanged rather than force it.
	e.SetPaused(true)
	if e.FSMState() != domain.StateStopped {
		t.Fatalf("SetPaused on a Stopped engine should be rejected by the FSM, got %s", e.FSMState())
	}
}

func TestEmergencyStopLatchesAndPersists(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := e.EmergencyStop(context.Background(), "captcha detected"); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	if e.FSMState() != domain.StateStopped {
		t.Fatalf("EmergencyStop should settle in Stopped, got %s", e.FSMState())
	}

	var marker map[string]any
	found, err := e.store.Get(context.Background(), storage.KeyEmergencyStop, &marker)
	if err != nil || !found {
		t.Fatalf("expected an emergency marker persisted: found=%v err=%v", found, err)
	}
	if marker["reason"] != "captcha detected" {
		t.Fatalf("expected persisted reason, got %+v", marker)
	}
}

func TestCycleLockPreventsReentry(t *testing.T) {
	e := newTestEngine(t)
	if !e.acquireCycleLock("scanning") {
		t.Fatalf("first acquire should succeed")
	}
	if e.acquireCycleLock("deciding") {
		t.Fatalf("a second acquire while the lock is held must fail")
	}
	e.releaseCycleLock()
	if !e.acquireCycleLock("scanning") {
		t.Fatalf("acquire should succeed again after release")
	}
}

func TestCircuitBreakerTripsAndResets(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })

	ctx := context.Background()
	for i := 0; i < consecutiveFailureThreshold; i++ {
		e.onTaskOrScanFailure(ctx)
	}
	if e.FSMState() != domain.StatePaused {
		t.Fatalf("expected the circuit breaker to pause the engine on first trip, got %s", e.FSMState())
	}

	e.onTaskOrScanSuccess()
	e.mu.Lock()
	failures, trips := e.st.consecutiveFailures, e.st.circuitBreakerTrips
	e.mu.Unlock()
	if failures != 0 || trips != 0 {
		t.Fatalf("a success should reset both counters, got failures=%d trips=%d", failures, trips)
	}
}

func TestCircuitBreakerEscalatesToEmergency(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	ctx := context.Background()

	for trip := 0; trip < maxCircuitTrips; trip++ {
		for i := 0; i < consecutiveFailureThreshold; i++ {
			e.onTaskOrScanFailure(ctx)
		}
		if trip < maxCircuitTrips-1 {
			// Resume from Paused so the next batch of failures can trip again.
			e.mu.Lock()
			e.transitionLocked(domain.StateIdle)
			e.mu.Unlock()
		}
	}

	if e.FSMState() != domain.StateStopped {
		t.Fatalf("expected emergency-stop after reaching max circuit trips, got %s", e.FSMState())
	}
	e.mu.Lock()
	why := e.st.emergencyWhy
	e.mu.Unlock()
	if why != "persistent failures" {
		t.Fatalf("expected emergency reason %q, got %q", "persistent failures", why)
	}
}

func TestNotLoggedInStreakEscalatesToEmergency(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < notLoggedInStreakThreshold-1; i++ {
		e.onScanLoginResult(ctx, false)
		if e.FSMState() == domain.StateStopped {
			t.Fatalf("should not emergency-stop before reaching the streak threshold (iteration %d)", i)
		}
	}
	e.onScanLoginResult(ctx, false)
	if e.FSMState() != domain.StateStopped {
		t.Fatalf("expected emergency-stop at the not-logged-in streak threshold, got %s", e.FSMState())
	}
	e.mu.Lock()
	why := e.st.emergencyWhy
	e.mu.Unlock()
	if why != "session expired" {
		t.Fatalf("expected emergency reason %q, got %q", "session expired", why)
	}
}

func TestNotLoggedInStreakResetsOnSuccess(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	e.onScanLoginResult(ctx, false)
	e.onScanLoginResult(ctx, false)
	e.onScanLoginResult(ctx, true)

	e.mu.Lock()
	streak := e.st.notLoggedInStreak
	e.mu.Unlock()
	if streak != 0 {
		t.Fatalf("a logged-in scan should reset the streak, got %d", streak)
	}
}

func TestRateLimitExhaustion(t *testing.T) {
	e := newTestEngine(t)
	e.mu.Lock()
	e.cfg.MaxActionsPerHour = 2
	e.mu.Unlock()

	if e.rateLimitExhausted() {
		t.Fatalf("should not be exhausted at zero actions")
	}
	e.recordActionSuccess()
	if e.rateLimitExhausted() {
		t.Fatalf("should not be exhausted at 1/2 actions")
	}
	e.recordActionSuccess()
	if !e.rateLimitExhausted() {
		t.Fatalf("should be exhausted once actionsThisHour reaches the configured max")
	}
}

func TestCooldownSetAndCheck(t *testing.T) {
	e := newTestEngine(t)
	if e.onCooldown("upgrade_resource:3") {
		t.Fatalf("a key with no cooldown set should report false")
	}
	e.setCooldown("upgrade_resource:3", successCooldown(domain.TaskUpgradeResource))
	if !e.onCooldown("upgrade_resource:3") {
		t.Fatalf("expected the key to be on cooldown immediately after setCooldown")
	}
}

func TestCooldownTables(t *testing.T) {
	if successCooldown(domain.TaskTrainTroops).Seconds() != 120 {
		t.Errorf("train_troops success cooldown should be 120s")
	}
	if successCooldown(domain.TaskSendFarm).Seconds() != 300 {
		t.Errorf("send_farm success cooldown should be 300s")
	}
	if failCooldown(bridge.ReasonNoAdventure).Seconds() != 600 {
		t.Errorf("no_adventure fail cooldown should be 600s")
	}
	if failCooldown(bridge.ReasonSlotOccupied).Seconds() != 600 {
		t.Errorf("slot_occupied fail cooldown should be 600s")
	}
	if failCooldown("some_unknown_reason").Seconds() != 60 {
		t.Errorf("unknown fail reason should use the 60s default")
	}
	if !isTypeLevelFailReason(bridge.ReasonQueueFull) || !isTypeLevelFailReason(bridge.ReasonInsufficientResources) {
		t.Errorf("queue_full and insufficient_resources should be type-level fail reasons")
	}
	if isTypeLevelFailReason(bridge.ReasonSlotOccupied) {
		t.Errorf("slot_occupied should be a per-slot, not type-level, fail reason")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.q.Add(domain.TaskSendAttack, nil, 5, "v1", time.Time{})
	e.recordActionSuccess()

	if err := e.persist(ctx, false); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !e.q.DirtyAt().IsZero() {
		t.Fatalf("a successful persist must markClean the queue")
	}

	var snap PersistedRunState
	found, err := e.store.Get(ctx, storage.StateKey(string(e.ServerKey)), &snap)
	if err != nil || !found {
		t.Fatalf("expected persisted run state: found=%v err=%v", found, err)
	}
	if snap.ActionsThisHour != 1 {
		t.Fatalf("expected actionsThisHour=1 in the persisted snapshot, got %d", snap.ActionsThisHour)
	}
	if len(snap.Queue.Tasks) != 1 {
		t.Fatalf("expected one task in the persisted queue snapshot, got %d", len(snap.Queue.Tasks))
	}
}

func TestPersistSkipsWhenNotDirtyAndOnlyIfDirty(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if err := e.persist(ctx, true); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if found, _ := e.store.Has(ctx, storage.StateKey(string(e.ServerKey))); found {
		t.Fatalf("persist(onlyIfDirty=true) on a clean queue should not write anything")
	}
}

func TestStartRestoresPersistedState(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	e.q.Add(domain.TaskSendAttack, nil, 5, "v1", time.Time{})
	e.recordActionSuccess()
	if err := e.persist(ctx, false); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	e2, err := New(e.ServerKey, e.store, e.logs, e.logger, e.hub, decision.Noop)
	if err != nil {
		t.Fatalf("New (restart): %v", err)
	}
	if err := e2.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	t.Cleanup(func() { _ = e2.Stop(ctx) })

	if e2.q.Size() != 1 {
		t.Fatalf("expected the restarted engine to restore the persisted task, got size %d", e2.q.Size())
	}
	stats := e2.Stats()
	if stats.TasksCompleted != 0 || stats.TasksFailed != 0 {
		t.Fatalf("unexpected restored stats: %+v", stats)
	}
}
