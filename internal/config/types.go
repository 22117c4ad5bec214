package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Region is the rectangle the fleet is responsible for.
	Region RegionConfig `json:"region"`

	Fleet     FleetConfig     `json:"fleet"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Catalog   CatalogConfig   `json:"catalog"`
	Recovery  RecoveryConfig  `json:"recovery"`

	Accounts []AccountConfig `json:"accounts"`

	Storage     *StorageConfig    `json:"storage,omitempty"`
	Metrics     MetricsConfig     `json:"metrics,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RegionConfig bounds the scanned area. South/West must be strictly below
// North/East.
type RegionConfig struct {
	SouthLat float64 `json:"south_lat"`
	WestLon  float64 `json:"west_lon"`
	NorthLat float64 `json:"north_lat"`
	EastLon  float64 `json:"east_lon"`
}

// FleetConfig controls the worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type FleetConfig struct {
	Size int `json:"size"`

	// SpeedLimit is the maximum simulated travel speed per worker, in m/s.
	SpeedLimit float64 `json:"speed_limit"`

	// ScanDelay is the minimum interval between two scans on the same worker.
	ScanDelay string `json:"scan_delay,omitempty"`

	// VisitTimeout bounds a single visit (travel wait + scan call).
	VisitTimeout string `json:"visit_timeout,omitempty"`

	// EmptyVisitLimit swaps a worker's account after this many consecutive
	// successful scans that returned nothing. 0 keeps the default.
	EmptyVisitLimit int `json:"empty_visit_limit,omitempty"`
}

// SchedulerConfig controls the dispatch loop.
type SchedulerConfig struct {
	// TickInterval is the periodic dispatch cadence. Idle workers also wake
	// the loop between ticks.
	TickInterval string `json:"tick_interval,omitempty"`

	// ScanHorizon is how far ahead of a deadline a target becomes dispatchable.
	ScanHorizon string `json:"scan_horizon,omitempty"`

	// SuppressionRadius (meters) and SuppressionWindow drop a due target when
	// another visit is already pending nearby.
	SuppressionRadius float64 `json:"suppression_radius,omitempty"`
	SuppressionWindow string  `json:"suppression_window,omitempty"`

	// ExplorationStep is the grid spacing (meters) for exploration targets.
	ExplorationStep float64 `json:"exploration_step,omitempty"`

	// Bootstrap forces a full-region grid sweep at startup even when the
	// catalog is non-empty.
	Bootstrap bool `json:"bootstrap,omitempty"`

	// GlobalScanRate caps process-wide scans per second across all workers.
	// 0 disables the cap.
	GlobalScanRate float64 `json:"global_scan_rate,omitempty"`

	// JitterMeters randomizes each dispatched position by up to this distance.
	JitterMeters float64 `json:"jitter_meters,omitempty"`
}

// CatalogConfig controls spawn-point bookkeeping.
type CatalogConfig struct {
	// CycleLength is the recurrence period of spawn activity.
	CycleLength string `json:"cycle_length,omitempty"`

	// StaleAfterCycles marks a spawn stale after this many silent cycles.
	StaleAfterCycles int `json:"stale_after_cycles,omitempty"`

	// DurationAlpha is the EWMA smoothing factor for duration estimates,
	// in (0,1]. Higher trusts recent observations more.
	DurationAlpha float64 `json:"duration_alpha,omitempty"`
}

// RecoveryConfig controls failure handling.
type RecoveryConfig struct {
	// TransientRetryMax restarts the worker after this many consecutive
	// transient failures.
	TransientRetryMax int `json:"transient_retry_max,omitempty"`

	// ProtocolRetryMax is the reduced ceiling applied to protocol errors.
	ProtocolRetryMax int `json:"protocol_retry_max,omitempty"`

	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffMax  string `json:"backoff_max,omitempty"`

	// CooldownDefault benches an account for this long when no better signal
	// (e.g. a server-provided retry hint) is available.
	CooldownDefault string `json:"cooldown_default,omitempty"`

	// ThrottleWindow is the fallback process-wide pause after a rate-limit
	// response when the hashing-quota collaborator cannot size one.
	ThrottleWindow string `json:"throttle_window,omitempty"`
}

type AccountConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Provider string `json:"provider,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./scout.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9547"
}

// MaintenanceConfig holds cron specs (robfig/cron format) for periodic jobs.
// Empty fields keep the defaults.
type MaintenanceConfig struct {
	StaleSweep      string `json:"stale_sweep,omitempty"`      // default: "@every 5m"
	CooldownRelease string `json:"cooldown_release,omitempty"` // default: "@every 1m"
	FleetReview     string `json:"fleet_review,omitempty"`     // default: "@every 10m"
	StatusReport    string `json:"status_report,omitempty"`    // default: "@every 1m"
}
