// Package domain defines the shared vocabulary of the automation supervisor:
// server keys, tasks, game-state envelopes, and the small set of enums that
// every other package (storage, queue, engine, bridge) agrees on.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ServerKey is the partition key for all per-instance state: the lowercase
// hostname of the game origin a bot instance is attached to.
type ServerKey string

// NormalizeServerKey lowercases and trims a raw hostname into a ServerKey.
func NormalizeServerKey(host string) ServerKey {
	return ServerKey(strings.ToLower(strings.TrimSpace(host)))
}

func (k ServerKey) String() string { return string(k) }

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskType enumerates the task kinds the decision module may emit. The
// build-like set (UpgradeResource, UpgradeBuilding, BuildNew) shares dedup
// semantics; see Task.DedupKey.
type TaskType string

const (
	TaskUpgradeResource TaskType = "upgrade_resource"
	TaskUpgradeBuilding TaskType = "upgrade_building"
	TaskBuildNew        TaskType = "build_new"
	TaskTrainTroops     TaskType = "train_troops"
	TaskTrainTraps      TaskType = "train_traps"
	TaskSendFarm        TaskType = "send_farm"
	TaskSendAttack      TaskType = "send_attack"
	TaskHeroAdventure   TaskType = "hero_adventure"
	TaskUseHeroItem     TaskType = "use_hero_item"
	TaskNavigate        TaskType = "navigate"
	TaskSwitchVillage   TaskType = "switch_village"

	// TaskEmergencyStop is a meta-task emitted by the decision module and
	// intercepted by the engine before it ever reaches the queue.
	TaskEmergencyStop TaskType = "emergency_stop"
)

// buildLike is the set of task types sharing the (type, villageId, dedup
// target) deduplication rule.
var buildLike = map[TaskType]bool{
	TaskUpgradeResource: true,
	TaskUpgradeBuilding: true,
	TaskBuildNew:        true,
}

// IsBuildLike reports whether t participates in the build-like dedup class.
func IsBuildLike(t TaskType) bool { return buildLike[t] }

// Task is one unit of work in a per-engine TaskQueue.
type Task struct {
	ID           int64           `json:"id"`
	Type         TaskType        `json:"type"`
	Params       json.RawMessage `json:"params,omitempty"`
	Priority     int             `json:"priority"` // 1 = highest, 10 = lowest
	VillageID    string          `json:"villageId,omitempty"`
	Status       TaskStatus      `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	ScheduledFor time.Time       `json:"scheduledFor,omitempty"`
	Retries      int             `json:"retries"`
	MaxRetries   int             `json:"maxRetries"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"startedAt,omitempty"`
}

// taskParams is the subset of Params fields used for deduplication targets.
// Unknown and extra fields are ignored; params come from the page and are
// validated at this boundary rather than trusted.
type taskParams struct {
	FieldID string `json:"fieldId,omitempty"`
	Slot    string `json:"slot,omitempty"`
	Gid     string `json:"gid,omitempty"`
	BuildTy string `json:"buildingType,omitempty"`
}

func (t *Task) parsedParams() taskParams {
	var p taskParams
	if len(t.Params) > 0 {
		_ = json.Unmarshal(t.Params, &p) // best-effort: malformed params never panic
	}
	return p
}

// dedupTarget returns the field/slot/gid that distinguishes two build-like
// tasks against the same village.
func (t *Task) dedupTarget() string {
	p := t.parsedParams()
	switch {
	case p.FieldID != "":
		return p.FieldID
	case p.Slot != "":
		return p.Slot
	case p.Gid != "":
		return p.Gid
	default:
		return ""
	}
}

// DedupKey returns the key under which non-terminal tasks of this type are
// deduplicated:
//
//   - build-like types: (type, villageId, dedup target)
//   - train_troops: (type, villageId, buildingType)
//   - send_farm: (type, villageId); any non-terminal send_farm collides
//   - everything else: not deduplicated by this mechanism (callers may still
//     call HasAnyTaskOfType for type-wide checks)
func (t *Task) DedupKey() string {
	switch {
	case IsBuildLike(t.Type):
		return string(t.Type) + "|" + t.VillageID + "|" + t.dedupTarget()
	case t.Type == TaskTrainTroops:
		return string(t.Type) + "|" + t.VillageID + "|" + t.parsedParams().BuildTy
	case t.Type == TaskSendFarm:
		return string(t.Type) + "|" + t.VillageID
	default:
		return ""
	}
}

// CooldownKey returns the key used for post-task cooldowns: "type:slot"
// for build-like tasks, else just "type".
func (t *Task) CooldownKey() string {
	if IsBuildLike(t.Type) {
		return string(t.Type) + ":" + t.dedupTarget()
	}
	return string(t.Type)
}

func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// GameState is the loosely-typed snapshot returned by a SCAN. Known fields
// are promoted to first-class struct fields; everything else the decision
// module may need but the engine does not interpret is kept in Raw.
type GameState struct {
	LoggedIn    bool              `json:"loggedIn"`
	Captcha     bool              `json:"captcha"`
	GameVersion string            `json:"gameVersion,omitempty"`
	Resources   *ResourceSnapshot `json:"resources,omitempty"`
	Hero        *HeroSnapshot     `json:"hero,omitempty"`
	Villages    []VillageSummary  `json:"villages,omitempty"`
	ActiveVill  string            `json:"activeVillageId,omitempty"`
	LastFarmAt  time.Time         `json:"lastFarmAt,omitempty"`
	Raw         json.RawMessage   `json:"-"`
}

// ResourceSnapshot carries the four Travian-style resources and their
// storage caps, used by the hero-resource heuristics.
type ResourceSnapshot struct {
	Wood, Clay, Iron, Crop             int
	WoodCap, ClayCap, IronCap, CropCap int
}

// PercentFull returns the fill ratio (0..1) for the lowest-stocked resource.
func (r *ResourceSnapshot) PercentFull() float64 {
	if r == nil {
		return 1
	}
	min := 1.0
	for _, pair := range [][2]int{{r.Wood, r.WoodCap}, {r.Clay, r.ClayCap}, {r.Iron, r.IronCap}, {r.Crop, r.CropCap}} {
		if pair[1] <= 0 {
			continue
		}
		pct := float64(pair[0]) / float64(pair[1])
		if pct < min {
			min = pct
		}
	}
	return min
}

// AnyBelow reports whether any of the four resources is below pct of its
// storage capacity. Used by the hero-resource proactive claim trigger.
func (r *ResourceSnapshot) AnyBelow(pct float64) bool {
	if r == nil {
		return false
	}
	for _, pair := range [][2]int{{r.Wood, r.WoodCap}, {r.Clay, r.ClayCap}, {r.Iron, r.IronCap}, {r.Crop, r.CropCap}} {
		if pair[1] <= 0 {
			continue
		}
		if float64(pair[0])/float64(pair[1]) < pct {
			return true
		}
	}
	return false
}

// HeroSnapshot describes hero location and cooldown state used by the
// hero-resource claim heuristics.
type HeroSnapshot struct {
	AtHome          bool
	CooldownElapsed bool
	InventoryVer    int // 1 or 2, drives bulk-vs-per-type hero item transfer
}

// VillageSummary is a minimal village record used for the village-refresh
// reconciliation step of executeTask.
type VillageSummary struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// EngineFSMState enumerates the bot engine's finite-state-machine states.
type EngineFSMState string

const (
	StateStopped   EngineFSMState = "Stopped"
	StateIdle      EngineFSMState = "Idle"
	StateScanning  EngineFSMState = "Scanning"
	StateDeciding  EngineFSMState = "Deciding"
	StateExecuting EngineFSMState = "Executing"
	StateCooldown  EngineFSMState = "Cooldown"
	StatePaused    EngineFSMState = "Paused"
	StateEmergency EngineFSMState = "Emergency"
)

// transitions is the FSM edge allow-list. Anything not listed here is
// rejected with a logged warning.
var transitions = map[EngineFSMState]map[EngineFSMState]bool{
	StateStopped:   set(StateScanning, StateIdle),
	StateScanning:  set(StateDeciding, StateIdle, StatePaused, StateEmergency, StateStopped),
	StateDeciding:  set(StateExecuting, StateIdle, StatePaused, StateEmergency, StateStopped),
	StateExecuting: set(StateCooldown, StateIdle, StateScanning, StatePaused, StateEmergency, StateStopped),
	StateCooldown:  set(StateScanning, StateIdle, StatePaused, StateEmergency, StateStopped),
	StateIdle:      set(StateScanning, StatePaused, StateEmergency, StateStopped),
	StatePaused:    set(StateIdle, StateScanning, StateEmergency, StateStopped),
	StateEmergency: set(StateStopped),
}

func set(states ...EngineFSMState) map[EngineFSMState]bool {
	m := make(map[EngineFSMState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// CanTransition reports whether from->to is an allowed FSM edge.
func CanTransition(from, to EngineFSMState) bool {
	return transitions[from][to]
}
