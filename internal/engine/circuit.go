package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/domain"
)

// Fallback thresholds when SafetyConfig leaves a limit unset.
const (
	consecutiveFailureThreshold = 5
	maxCircuitTrips             = 3
	notLoggedInStreakThreshold  = 5
)

// safetyLimitsLocked returns the operator-configured safety thresholds,
// falling back to the package defaults for any non-positive value. Callers
// must hold e.mu.
func (e *Engine) safetyLimitsLocked() (failures, trips, streak int) {
	failures = e.cfg.Safety.MaxConsecutiveFailures
	if failures <= 0 {
		failures = consecutiveFailureThreshold
	}
	trips = e.cfg.Safety.MaxCircuitTrips
	if trips <= 0 {
		trips = maxCircuitTrips
	}
	streak = e.cfg.Safety.MaxNotLoggedInStreak
	if streak <= 0 {
		streak = notLoggedInStreakThreshold
	}
	return failures, trips, streak
}

// onTaskOrScanFailure bumps consecutiveFailures and, at threshold, trips
// the circuit breaker.
func (e *Engine) onTaskOrScanFailure(ctx context.Context) {
	e.mu.Lock()
	maxFailures, tripCap, _ := e.safetyLimitsLocked()
	e.st.consecutiveFailures++
	trip := e.st.consecutiveFailures >= maxFailures
	if trip {
		e.st.consecutiveFailures = 0
		e.st.circuitBreakerTrips++
	}
	trips := e.st.circuitBreakerTrips
	e.mu.Unlock()

	if !trip {
		return
	}

	if trips >= tripCap {
		_ = e.EmergencyStop(ctx, "persistent failures")
		return
	}

	cooldown := time.Duration(5*(1<<uint(trips-1))) * time.Minute
	e.mu.Lock()
	e.transitionLocked(domain.StatePaused)
	e.mu.Unlock()
	e.logs.Warn(e.ServerKey, "circuit breaker tripped, pausing", map[string]any{
		"trip": trips, "cooldown": cooldown.String(),
	})

	name := fmt.Sprintf("circuit_resume_%d", trips)
	if err := e.cyc.ScheduleOnce(name, func(context.Context) error {
		e.mu.Lock()
		if e.st.fsm == domain.StatePaused {
			e.transitionLocked(domain.StateIdle)
		}
		e.mu.Unlock()
		e.logs.Info(e.ServerKey, "circuit breaker cooldown elapsed, resuming", nil)
		return nil
	}, cooldown.Milliseconds()); err != nil {
		e.logger.Warn("failed to arm circuit breaker resume", zap.Error(err))
	}
}

// onTaskOrScanSuccess resets both the failure streak and the trip counter.
func (e *Engine) onTaskOrScanSuccess() {
	e.mu.Lock()
	e.st.consecutiveFailures = 0
	e.st.circuitBreakerTrips = 0
	e.mu.Unlock()
}

// onScanLoginResult updates notLoggedInStreak and emergency-stops at
// threshold.
func (e *Engine) onScanLoginResult(ctx context.Context, loggedIn bool) {
	if loggedIn {
		e.mu.Lock()
		e.st.notLoggedInStreak = 0
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	_, _, streakCap := e.safetyLimitsLocked()
	e.st.notLoggedInStreak++
	streak := e.st.notLoggedInStreak
	e.mu.Unlock()

	if streak >= streakCap {
		_ = e.EmergencyStop(ctx, "session expired")
	}
}

// rateLimitExhausted reports whether actionsThisHour has hit the
// configured ceiling, rolling the hourly window forward if it has elapsed.
func (e *Engine) rateLimitExhausted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now().UTC()
	if now.Sub(e.st.hourResetAt) >= time.Hour {
		e.st.actionsThisHour = 0
		e.st.hourResetAt = now
	}
	max := e.cfg.MaxActionsPerHour
	if max <= 0 {
		max = 60
	}
	return e.st.actionsThisHour >= max
}

// recordActionSuccess increments the hourly action counter. Only task
// success counts; scans and failed executes do not.
func (e *Engine) recordActionSuccess() {
	e.mu.Lock()
	e.st.actionsThisHour++
	e.mu.Unlock()
}
