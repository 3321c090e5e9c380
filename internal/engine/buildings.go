package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
)

// maybeRefreshCachedBuildings refreshes the cached building/construction
// queue snapshot when config demands building-level work and the snapshot
// is older than cachedBuildingsRefreshCycles. The refresh detours through
// the village view and back so the dispatcher can rely on a recent
// snapshot without navigating on every single cycle.
func (e *Engine) maybeRefreshCachedBuildings(ctx context.Context, conn *bridge.Conn) {
	e.mu.Lock()
	wantsBuildings := e.cfg.AutoUpgradeResources
	cycle := e.st.cycleCounter
	stale := cycle-e.st.cachedBuildingsCycle >= e.cfg.CachedBuildingsRefreshCycles
	e.mu.Unlock()
	if !wantsBuildings || !stale {
		return
	}

	if r, err := navigateVerified(ctx, conn, "dorf2"); err != nil || !r.Success {
		return
	}
	resp, err := conn.GetState(ctx, "buildings")
	if err != nil || !resp.Success {
		return
	}
	if _, err := navigateVerified(ctx, conn, "dorf1"); err != nil {
		e.logger.Warn("failed to navigate back after buildings refresh", zap.Error(err))
	}

	e.mu.Lock()
	e.st.cachedBuildings = resp.Data
	e.st.cachedBuildingsCycle = cycle
	e.mu.Unlock()
}

// detectVersionChange logs a warning (never fails the cycle) when the
// scanned game version string differs from the last observed one.
func (e *Engine) detectVersionChange(version string) {
	if version == "" {
		return
	}
	e.mu.Lock()
	prev := e.st.lastGameVersion
	e.st.lastGameVersion = version
	e.mu.Unlock()

	if prev != "" && prev != version {
		e.logs.Warn(e.ServerKey, "game version changed", map[string]any{"from": prev, "to": version})
	}
}

func (e *Engine) lastFarmAtTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.lastFarmAt
}

func (e *Engine) configJSON() json.RawMessage {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	b, _ := json.Marshal(cfg)
	return b
}
