package engine

import (
	"time"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/domain"
)

// successCooldown returns the post-success cooldown duration for a task
// type.
func successCooldown(t domain.TaskType) time.Duration {
	switch t {
	case domain.TaskUpgradeResource, domain.TaskUpgradeBuilding, domain.TaskBuildNew:
		return 60 * time.Second
	case domain.TaskTrainTroops:
		return 120 * time.Second
	case domain.TaskTrainTraps:
		return 120 * time.Second
	case domain.TaskSendFarm, domain.TaskSendAttack:
		return 300 * time.Second
	case domain.TaskHeroAdventure:
		return 180 * time.Second
	default:
		return 30 * time.Second
	}
}

// failCooldown returns the cooldown duration for a failure reason code.
func failCooldown(reason string) time.Duration {
	switch reason {
	case bridge.ReasonNoAdventure:
		return 600 * time.Second
	case bridge.ReasonHeroUnavailable:
		return 300 * time.Second
	case bridge.ReasonInsufficientResources:
		return 180 * time.Second
	case bridge.ReasonQueueFull:
		return 120 * time.Second
	case bridge.ReasonBuildingNotAvailable:
		return 300 * time.Second
	case bridge.ReasonPageMismatch:
		return 30 * time.Second
	case bridge.ReasonButtonNotFound:
		return 300 * time.Second
	case bridge.ReasonSlotOccupied:
		return 600 * time.Second
	case bridge.ReasonPrerequisitesNotMet:
		return 300 * time.Second
	case bridge.ReasonInputNotFound, bridge.ReasonInputDisabled:
		return 300 * time.Second
	default:
		return 60 * time.Second
	}
}

// isTypeLevelFailReason reports whether reason warrants a type-level
// cooldown (shared across every slot of that task type) rather than a
// per-slot one. Resource-wide reasons block the whole type.
func isTypeLevelFailReason(reason string) bool {
	return reason == bridge.ReasonQueueFull || reason == bridge.ReasonInsufficientResources
}

func (e *Engine) setCooldown(key string, d time.Duration) {
	e.mu.Lock()
	e.st.cooldowns[key] = time.Now().Add(d)
	e.mu.Unlock()
}

// onCooldown reports whether key is still within its cooldown window.
func (e *Engine) onCooldown(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.st.cooldowns[key]
	if !ok {
		return false
	}
	return time.Now().Before(until)
}

// taskCooldownUntil returns when task becomes dispatchable again, checking
// both its slot-level CooldownKey and the type-level key set by
// resource-wide failure reasons. ok is false when no window is open.
func (e *Engine) taskCooldownUntil(task *domain.Task) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	var latest time.Time
	for _, key := range []string{task.CooldownKey(), string(task.Type)} {
		if until, ok := e.st.cooldowns[key]; ok && now.Before(until) && until.After(latest) {
			latest = until
		}
	}
	return latest, !latest.IsZero()
}
