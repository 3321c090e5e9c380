package engine

// Config is the per-server engine configuration, loaded via
// storage.LoadServerConfig against DefaultConfig() as the template so
// records written by older versions pick up newly introduced fields.
type Config struct {
	AutoUpgradeResources bool `json:"autoUpgradeResources"`
	AutoTrainTroops      bool `json:"autoTrainTroops"`
	AutoFarm             bool `json:"autoFarm"`

	MaxActionsPerHour            int    `json:"maxActionsPerHour"`
	CachedBuildingsRefreshCycles int64  `json:"cachedBuildingsRefreshCycles"`
	FarmAPIVersionHeader         string `json:"farmApiVersionHeader"`

	// QuietHoursCron is an operator-configured cron expression (parsed by
	// robfig/cron/v3) at which the engine auto-pauses; empty disables the
	// feature.
	QuietHoursCron       string `json:"quietHoursCron,omitempty"`
	QuietHoursDurationMs int64  `json:"quietHoursDurationMs,omitempty"`

	Troop    TroopConfig    `json:"troop"`
	Farm     FarmConfig     `json:"farm"`
	Delays   DelaysConfig   `json:"delays"`
	Safety   SafetyConfig   `json:"safety"`
	Villages VillagesConfig `json:"villages"`
}

type TroopConfig struct {
	Enabled    bool           `json:"enabled"`
	Priorities map[string]int `json:"priorities,omitempty"`
}

type FarmConfig struct {
	Enabled    bool  `json:"enabled"`
	IntervalMs int64 `json:"intervalMs"`
}

type DelaysConfig struct {
	ActionDelayMs   int64 `json:"actionDelayMs"`
	NavigateDelayMs int64 `json:"navigateDelayMs"`
}

type SafetyConfig struct {
	MaxConsecutiveFailures int `json:"maxConsecutiveFailures"`
	MaxCircuitTrips        int `json:"maxCircuitTrips"`
	MaxNotLoggedInStreak   int `json:"maxNotLoggedInStreak"`
}

type VillagesConfig struct {
	Managed []string `json:"managed,omitempty"`
}

// ConfigSubtrees lists the subtree keys that get the second, one-level-
// deeper merge pass after the shallow template merge.
var ConfigSubtrees = []string{"troop", "farm", "delays", "safety", "villages"}

// DefaultConfig is the template merged with every stored per-server config.
func DefaultConfig() Config {
	return Config{
		AutoUpgradeResources:         true,
		AutoTrainTroops:              false,
		AutoFarm:                     true,
		MaxActionsPerHour:            60,
		CachedBuildingsRefreshCycles: 3,
		FarmAPIVersionHeader:         "",
		Troop:                        TroopConfig{Enabled: false},
		Farm:                         FarmConfig{Enabled: true, IntervalMs: 300_000},
		Delays:                       DelaysConfig{ActionDelayMs: 1500, NavigateDelayMs: 2000},
		Safety: SafetyConfig{
			MaxConsecutiveFailures: consecutiveFailureThreshold,
			MaxCircuitTrips:        maxCircuitTrips,
			MaxNotLoggedInStreak:   notLoggedInStreakThreshold,
		},
		Villages: VillagesConfig{},
	}
}

// coerce fills zero-valued numeric fields left empty by a pre-upgrade
// record with the default template's values.
func (c *Config) coerce(def Config) {
	if c.MaxActionsPerHour == 0 {
		c.MaxActionsPerHour = def.MaxActionsPerHour
	}
	if c.CachedBuildingsRefreshCycles == 0 {
		c.CachedBuildingsRefreshCycles = def.CachedBuildingsRefreshCycles
	}
	if c.Delays.ActionDelayMs == 0 {
		c.Delays.ActionDelayMs = def.Delays.ActionDelayMs
	}
	if c.Delays.NavigateDelayMs == 0 {
		c.Delays.NavigateDelayMs = def.Delays.NavigateDelayMs
	}
	if c.Safety.MaxConsecutiveFailures == 0 {
		c.Safety.MaxConsecutiveFailures = def.Safety.MaxConsecutiveFailures
	}
	if c.Safety.MaxCircuitTrips == 0 {
		c.Safety.MaxCircuitTrips = def.Safety.MaxCircuitTrips
	}
	if c.Safety.MaxNotLoggedInStreak == 0 {
		c.Safety.MaxNotLoggedInStreak = def.Safety.MaxNotLoggedInStreak
	}
}
