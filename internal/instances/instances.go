// Package instances is the registry of one running Engine per server,
// with an inverse tabId index and the tab-binding policy the Supervisor
// enforces on tab-update events.
package instances

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/decision"
	"github.com/harlowdev/questkeeper/internal/domain"
	"github.com/harlowdev/questkeeper/internal/engine"
	"github.com/harlowdev/questkeeper/internal/logkeep"
	"github.com/harlowdev/questkeeper/internal/storage"
)

// Instance is one bot's bookkeeping: its Engine plus the tab it is
// currently bound to, if any.
type Instance struct {
	ServerKey domain.ServerKey
	Engine    *engine.Engine

	mu      sync.RWMutex
	tabID   int // 0 = unbound
	tabless bool
}

func (i *Instance) TabID() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.tabID
}

func (i *Instance) setTab(tabID int) {
	i.mu.Lock()
	i.tabID = tabID
	i.tabless = tabID == 0
	i.mu.Unlock()
	i.Engine.BindTab(tabID)
}

func (i *Instance) markTabless() {
	i.mu.Lock()
	i.tabless = true
	i.mu.Unlock()
}

func (i *Instance) IsTabless() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.tabless
}

// Manager is the process-wide registry of Instances, keyed by ServerKey
// with an inverse tabId index.
type Manager struct {
	store  *storage.Store
	logs   *logkeep.Logger
	logger *zap.Logger
	hub    *bridge.Hub
	module decision.Module

	mu       sync.RWMutex
	byServer map[domain.ServerKey]*Instance
	byTab    map[int]*Instance
}

// New creates an empty Manager. module may be nil to use decision.Noop for
// every instance it creates.
func New(store *storage.Store, logs *logkeep.Logger, logger *zap.Logger, hub *bridge.Hub, module decision.Module) *Manager {
	return &Manager{
		store:    store,
		logs:     logs,
		logger:   logger.Named("instances"),
		hub:      hub,
		module:   module,
		byServer: make(map[domain.ServerKey]*Instance),
		byTab:    make(map[int]*Instance),
	}
}

// Get returns the Instance for serverKey, if one exists.
func (m *Manager) Get(serverKey domain.ServerKey) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byServer[serverKey]
	return inst, ok
}

// GetByTabID returns the Instance currently bound to tabID, if any.
func (m *Manager) GetByTabID(tabID int) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byTab[tabID]
	return inst, ok
}

// GetOrCreate returns the existing Instance for serverKey, or wires a
// fresh Engine and registers a new one.
func (m *Manager) GetOrCreate(serverKey domain.ServerKey) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst, ok := m.byServer[serverKey]; ok {
		return inst, nil
	}

	eng, err := engine.New(serverKey, m.store, m.logs, m.logger, m.hub, m.module)
	if err != nil {
		return nil, fmt.Errorf("instances: create engine for %s: %w", serverKey, err)
	}
	inst := &Instance{ServerKey: serverKey, Engine: eng, tabless: true}
	m.byServer[serverKey] = inst

	if err := m.store.TouchServer(context.Background(), string(serverKey), ""); err != nil {
		m.logger.Warn("failed to touch server registry", zap.Error(err))
	}
	return inst, nil
}

// ListActive returns every registered Instance, ordered by server key for
// deterministic GET_SERVERS responses.
func (m *Manager) ListActive() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.byServer))
	for _, inst := range m.byServer {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerKey < out[j].ServerKey })
	return out
}

// StopAll stops every running Engine, best-effort, used on process
// shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.byServer))
	for _, inst := range m.byServer {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	for _, inst := range instances {
		if err := inst.Engine.Stop(ctx); err != nil {
			m.logger.Warn("stop failed during shutdown", zap.String("server_key", string(inst.ServerKey)), zap.Error(err))
		}
	}
}

// BindTab applies the tab-binding policy when a page at
// tabID claims serverKey:
//
//  1. If the engine is running and a different tab already claims the
//     same serverKey, the reassignment is rejected (old tab wins).
//  2. If the engine is stopped, the reassignment is accepted only if the
//     old tab is verified gone (no longer alive on the Hub); otherwise
//     it's skipped.
//  3. tabID == 0 is never a valid claim (callers must supply a real tab).
func (m *Manager) BindTab(serverKey domain.ServerKey, tabID int) (*Instance, error) {
	if tabID == 0 {
		return nil, fmt.Errorf("instances: tabId is required to bind")
	}

	inst, err := m.GetOrCreate(serverKey)
	if err != nil {
		return nil, err
	}

	current := inst.TabID()
	if current != 0 && current != tabID {
		if inst.Engine.IsRunning() {
			return inst, fmt.Errorf("instances: %s is running and bound to tab %d, rejecting claim from tab %d", serverKey, current, tabID)
		}
		if m.hub.Alive(current) {
			return inst, fmt.Errorf("instances: old tab %d for %s is still alive, skipping reassignment", current, serverKey)
		}
	}

	m.mu.Lock()
	if current != 0 {
		delete(m.byTab, current)
	}
	m.byTab[tabID] = inst
	m.mu.Unlock()

	inst.setTab(tabID)
	return inst, nil
}

// TabRemoved handles a tab-removed event: marks the owning Instance
// tabless and, if it was running, stops it.
func (m *Manager) TabRemoved(ctx context.Context, tabID int) {
	m.mu.Lock()
	inst, ok := m.byTab[tabID]
	if ok {
		delete(m.byTab, tabID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	inst.markTabless()
	if inst.Engine.IsRunning() {
		if err := inst.Engine.Stop(ctx); err != nil {
			m.logger.Warn("stop on tab removal failed", zap.String("server_key", string(inst.ServerKey)), zap.Error(err))
		}
	}
}

// ReconcileAlarm handles a per-server heartbeat alarm:
// if persisted state says the engine should be running but it
// is in fact stopped (host restart), auto-restart against the last known
// tab if that tab still exists; otherwise report that the alarm should be
// cleared to avoid a zombie wake-up loop.
func (m *Manager) ReconcileAlarm(ctx context.Context, serverKey domain.ServerKey) (shouldClearAlarm bool, err error) {
	var persisted engine.PersistedRunState
	found, err := m.store.Get(ctx, storage.StateKey(string(serverKey)), &persisted)
	if err != nil {
		return false, fmt.Errorf("instances: reconcile alarm: %w", err)
	}
	if !found || !persisted.WasRunning {
		return true, nil
	}

	inst, ok := m.Get(serverKey)
	if !ok || inst.Engine.IsRunning() {
		return false, nil
	}

	tabID := inst.TabID()
	if tabID == 0 || !m.hub.Alive(tabID) {
		return true, nil
	}

	if err := inst.Engine.Start(ctx); err != nil {
		return false, fmt.Errorf("instances: auto-restart %s: %w", serverKey, err)
	}
	m.logger.Info("auto-restarted engine after alarm reconcile", zap.String("server_key", string(serverKey)))
	return false, nil
}
