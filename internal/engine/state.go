package engine

import (
	"time"

	"github.com/harlowdev/questkeeper/internal/domain"
	"github.com/harlowdev/questkeeper/internal/taskqueue"
)

// Stats are the lifetime counters surfaced in status responses.
type Stats struct {
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`
	CyclesRun      int64 `json:"cyclesRun"`
}

// state is the engine's mutable, mutex-guarded run state.
// Unexported: every field is reached through Engine's own
// locked accessors so the FSM and cycle-lock invariants can't be bypassed
// from outside the package.
type state struct {
	fsm domain.EngineFSMState

	activeTabID int
	gameState   *domain.GameState

	stats Stats

	actionsThisHour int
	hourResetAt     time.Time

	lastFarmAt time.Time

	consecutiveFailures int
	circuitBreakerTrips int
	circuitCooldownUnt  time.Time
	notLoggedInStreak   int

	// cycleLock is "" | scanning | deciding | executing | returning.
	// A non-empty value rejects concurrent re-entry of runCycle.
	cycleLock string

	cycleCounter int64
	currentCycle string
	emergencyWhy string
	emergencyAt  time.Time

	// cooldowns maps a Task.CooldownKey() to the time before which a new
	// task of that key must not be proposed/dispatched.
	cooldowns map[string]time.Time

	cachedBuildings      []byte
	cachedBuildingsCycle int64

	lastGameVersion string
}

// PersistedRunState is the serializable form written to the per-server
// state key on every persistence tick.
type PersistedRunState struct {
	Stats           Stats              `json:"stats"`
	Queue           taskqueue.Snapshot `json:"taskQueueSnapshot"`
	ActionsThisHour int                `json:"actionsThisHour"`
	HourResetAt     time.Time          `json:"hourResetAt"`
	LastFarmAt      time.Time          `json:"lastFarmAt,omitempty"`
	WasRunning      bool               `json:"wasRunning"`
	SavedAt         time.Time          `json:"savedAt"`
}

func newState() *state {
	return &state{
		fsm:         domain.StateStopped,
		hourResetAt: time.Now().UTC(),
		cooldowns:   make(map[string]time.Time),
	}
}
