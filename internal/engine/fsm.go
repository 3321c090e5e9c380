package engine

import (
	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/domain"
)

// transitionLocked moves the FSM from its current state to to, rejecting
// and logging a warning if the edge is not in domain's allow-list.
// Callers must hold e.mu.
func (e *Engine) transitionLocked(to domain.EngineFSMState) bool {
	from := e.st.fsm
	if from == to {
		return true
	}
	if !domain.CanTransition(from, to) {
		e.logger.Warn("rejected invalid fsm transition",
			zap.String("server_key", string(e.ServerKey)),
			zap.String("from", string(from)), zap.String("to", string(to)))
		return false
	}
	e.st.fsm = to
	e.logs.Info(e.ServerKey, "fsm transition", map[string]any{"from": from, "to": to})
	return true
}

// FSMState returns the engine's current FSM state.
func (e *Engine) FSMState() domain.EngineFSMState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.fsm
}

// acquireCycleLock claims the named sub-phase of runCycle, refusing entry
// if any phase is already held. The cycle lock serializes the async
// scan/decide/execute/return pipeline against a concurrent timer tick.
// Returns false if busy.
func (e *Engine) acquireCycleLock(phase string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.cycleLock != "" {
		return false
	}
	e.st.cycleLock = phase
	return true
}

// setCyclePhase advances the lock to a later phase of the same cycle
// without releasing it (scanning -> deciding -> executing -> returning).
func (e *Engine) setCyclePhase(phase string) {
	e.mu.Lock()
	e.st.cycleLock = phase
	e.mu.Unlock()
}

// releaseCycleLock clears the lock at the end of runCycle. Only the final
// cleanup path may call this; intermediate phases use setCyclePhase.
func (e *Engine) releaseCycleLock() {
	e.mu.Lock()
	e.st.cycleLock = ""
	e.mu.Unlock()
}

// IsRunning reports whether the engine is in any state other than Stopped
// or Emergency. The legacy boolean surface is derived from FSM state
// rather than kept as a separate flag.
func (e *Engine) IsRunning() bool {
	s := e.FSMState()
	return s != domain.StateStopped && s != domain.StateEmergency
}

// IsPaused reports the deprecated "paused" boolean by reading FSM state.
func (e *Engine) IsPaused() bool {
	return e.FSMState() == domain.StatePaused
}

// SetPaused is the deprecated setter: true pauses, false resumes into Idle
// and re-arms the scheduled cycles.
//
// Deprecated: callers should prefer Pause/Resume, which return an error
// instead of silently no-oping on a rejected transition.
func (e *Engine) SetPaused(paused bool) {
	if paused {
		_ = e.Pause()
	} else {
		_ = e.Resume()
	}
}

// Pause transitions into Paused and clears the main loop cycle. Stopped and
// Emergency have no edge to Paused; from those states Pause returns an
// error and changes nothing.
func (e *Engine) Pause() error {
	e.mu.Lock()
	ok := e.transitionLocked(domain.StatePaused)
	e.mu.Unlock()
	if !ok {
		return errInvalidTransition(domain.StatePaused)
	}
	e.cyc.Clear(cycleMainLoop)
	return nil
}

// Resume leaves Paused and re-arms the main loop cycle.
func (e *Engine) Resume() error {
	e.mu.Lock()
	ok := e.transitionLocked(domain.StateIdle)
	e.mu.Unlock()
	if !ok {
		return errInvalidTransition(domain.StateIdle)
	}
	return e.armCycles()
}
