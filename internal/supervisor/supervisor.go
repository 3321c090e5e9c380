// Package supervisor is the single front door for the process: it
// resolves UI, page, and alarm requests to an Instance, dispatches the
// operator command set, tracks tab lifecycle, and reconciles per-server
// heartbeat alarms against persisted run state.
package supervisor

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/domain"
	"github.com/harlowdev/questkeeper/internal/instances"
	"github.com/harlowdev/questkeeper/internal/logkeep"
	"github.com/harlowdev/questkeeper/internal/storage"
)

const alarmSweepCycle = "alarm_sweep"
const alarmSweepIntervalMs = 60_000

// legacyHeartbeatAlarm is the bare, non-namespaced alarm name carried over
// from the single-server layout. The multi-server redesign names
// every alarm "botHeartbeat__<serverKey>" (see wakeAlarmName); this constant
// only exists to recognize the legacy name if a caller ever fires it.
const legacyHeartbeatAlarm = "botHeartbeat"

// wakeAlarmName returns the namespaced alarm name for serverKey.
func wakeAlarmName(serverKey domain.ServerKey) string {
	return legacyHeartbeatAlarm + "__" + string(serverKey)
}

// Supervisor is the process-wide command dispatcher and lifecycle
// coordinator.
type Supervisor struct {
	mgr     *instances.Manager
	hub     *bridge.Hub
	store   *storage.Store
	logs    *logkeep.Logger
	logger  *zap.Logger
	auth    *OperatorAuth
	metrics *Metrics
}

// New constructs a Supervisor bound to mgr and hub. metrics may be nil, in
// which case dispatch timing and instance-count observations are skipped.
func New(mgr *instances.Manager, hub *bridge.Hub, store *storage.Store, logs *logkeep.Logger, logger *zap.Logger, auth *OperatorAuth, metrics *Metrics) *Supervisor {
	return &Supervisor{
		mgr:     mgr,
		hub:     hub,
		store:   store,
		logs:    logs,
		logger:  logger.Named("supervisor"),
		auth:    auth,
		metrics: metrics,
	}
}

// resolveByTab resolves a page-originated request: look up by tabId; if
// none, extract ServerKey from pageURL and getOrCreate bound to that tab.
func (s *Supervisor) resolveByTab(tabID int, pageURL string) (*instances.Instance, error) {
	if inst, ok := s.mgr.GetByTabID(tabID); ok {
		return inst, nil
	}
	serverKey, err := serverKeyFromURL(pageURL)
	if err != nil {
		return nil, err
	}
	return s.mgr.BindTab(serverKey, tabID)
}

// resolveByServerKey implements the operator-originated resolution rule:
// dispatch by the explicit serverKey, creating the Instance if needed.
func (s *Supervisor) resolveByServerKey(serverKey domain.ServerKey) (*instances.Instance, error) {
	return s.mgr.GetOrCreate(serverKey)
}

// HandleContentReady processes a CONTENT_READY ping from a newly injected
// page script.
func (s *Supervisor) HandleContentReady(ctx context.Context, tabID int, pageURL string) error {
	_, err := s.resolveByTab(tabID, pageURL)
	return err
}

// HandleTabUpdate applies the tab-binding policy when a page claims a
// server.
func (s *Supervisor) HandleTabUpdate(ctx context.Context, serverKey domain.ServerKey, tabID int) error {
	_, err := s.mgr.BindTab(serverKey, tabID)
	return err
}

// HandleTabRemoved marks the owning Instance tabless and stops it if it
// was running, notifying the operator. Notification here is
// best-effort: a log line, since there is no separate operator push
// channel wired into this supervisor.
func (s *Supervisor) HandleTabRemoved(ctx context.Context, tabID int) {
	inst, ok := s.mgr.GetByTabID(tabID)
	s.mgr.TabRemoved(ctx, tabID)
	if ok {
		s.logs.Warn(inst.ServerKey, "tab removed, instance now tabless", map[string]any{"tab_id": tabID})
	}
}

// HandleAlarm reconciles a per-server heartbeat alarm: if the
// engine should be running but is not, auto-restart it against its last
// known tab if still alive; otherwise report that the alarm should be
// cleared.
func (s *Supervisor) HandleAlarm(ctx context.Context, serverKey domain.ServerKey) (shouldClearAlarm bool, err error) {
	return s.mgr.ReconcileAlarm(ctx, serverKey)
}

// HandleNamedAlarm dispatches an alarm by its fired name, which is either
// the namespaced "botHeartbeat__<serverKey>" form this redesign schedules,
// or, if a stale wake-up from before the multi-server registry existed
// ever fires, the bare legacy name with no serverKey attached at all.
//
// For the legacy bare name there is no serverKey to recover it from, so the
// alarm is reconciled against the first running instance in lexicographic
// ServerKey order. This is a deliberate, documented choice
// rather than a guess: it picks a single, deterministic instance
// instead of silently dropping the wake-up or reconciling every instance
// under one legacy alarm's identity.
func (s *Supervisor) HandleNamedAlarm(ctx context.Context, alarmName string) (shouldClearAlarm bool, err error) {
	if alarmName != legacyHeartbeatAlarm {
		serverKey := domain.ServerKey(alarmName[len(legacyHeartbeatAlarm+"__"):])
		return s.HandleAlarm(ctx, serverKey)
	}

	active := s.mgr.ListActive()
	if len(active) == 0 {
		return true, nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ServerKey < active[j].ServerKey })

	var firstRunning *domain.ServerKey
	for _, inst := range active {
		if inst.Engine.IsRunning() {
			key := inst.ServerKey
			firstRunning = &key
			break
		}
	}
	if firstRunning == nil {
		// Nobody is running: fall back to the lexicographically first
		// registered instance so a legitimate host-restart restart can
		// still be reconciled.
		key := active[0].ServerKey
		firstRunning = &key
	}

	s.logger.Info("routed legacy unnamespaced heartbeat alarm",
		zap.String("resolved_server_key", string(*firstRunning)),
		zap.Int("candidate_count", len(active)),
	)
	return s.HandleAlarm(ctx, *firstRunning)
}

// StartAlarmSweep polls every known server's persisted run state on an
// interval and reconciles it, standing in for the browser extension's
// chrome.alarms wake-ups in this single-process reinterpretation.
func (s *Supervisor) StartAlarmSweep(ctx context.Context, sched interface {
	ScheduleCycle(name string, fn func(context.Context) error, baseMs, jitterMs int64) error
}) error {
	return sched.ScheduleCycle(alarmSweepCycle, func(ctx context.Context) error {
		reg, err := s.store.LoadRegistry(ctx)
		if err != nil {
			return fmt.Errorf("supervisor: alarm sweep: load registry: %w", err)
		}
		for key := range reg {
			serverKey := domain.ServerKey(key)
			if _, err := s.HandleAlarm(ctx, serverKey); err != nil {
				s.logger.Warn("alarm reconcile failed", zap.String("server_key", key), zap.Error(err))
			}
		}
		if s.metrics != nil {
			s.metrics.alarmSweeps.Inc()
			s.metrics.activeInstances.Set(float64(len(s.mgr.ListActive())))
		}
		return nil
	}, alarmSweepIntervalMs, 0)
}
