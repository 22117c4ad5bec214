package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"spawnscout/internal/geo"
)

// Settings is the resolved, validated view of Config: durations parsed,
// defaults applied. Components consume Settings, never raw Config.
type Settings struct {
	SouthLat float64
	WestLon  float64
	NorthLat float64
	EastLon  float64

	FleetSize       int
	SpeedLimit      float64 // m/s
	ScanDelay       time.Duration
	VisitTimeout    time.Duration
	EmptyVisitLimit int

	TickInterval      time.Duration
	ScanHorizon       time.Duration
	SuppressionRadius float64 // meters
	SuppressionWindow time.Duration
	ExplorationStep   float64 // meters
	Bootstrap         bool
	GlobalScanRate    float64 // scans/sec, 0 = uncapped
	JitterMeters      float64

	CycleLength      time.Duration
	StaleAfterCycles int
	DurationAlpha    float64

	TransientRetryMax int
	ProtocolRetryMax  int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	CooldownDefault   time.Duration
	ThrottleWindow    time.Duration

	Accounts []AccountConfig
}

// Bounds returns the configured region as geo bounds.
func (s *Settings) Bounds() geo.Bounds {
	return geo.Bounds{
		SouthLat: s.SouthLat,
		WestLon:  s.WestLon,
		NorthLat: s.NorthLat,
		EastLon:  s.EastLon,
	}
}

var (
	ErrNoAccounts    = errors.New("config: at least one account is required")
	ErrBadRegion     = errors.New("config: region bounds are inverted or empty")
	ErrBadFleetSize  = errors.New("config: fleet.size must be >= 1")
	ErrBadSpeedLimit = errors.New("config: fleet.speed_limit must be > 0")
)

// Resolve validates cfg and produces Settings. Errors here are fatal at
// startup; during hot reload they reject the new config instead.
func (c *Config) Resolve() (*Settings, error) {
	if c == nil {
		return nil, errors.New("config: nil config")
	}

	s := &Settings{
		SouthLat: c.Region.SouthLat,
		WestLon:  c.Region.WestLon,
		NorthLat: c.Region.NorthLat,
		EastLon:  c.Region.EastLon,

		FleetSize:       c.Fleet.Size,
		SpeedLimit:      c.Fleet.SpeedLimit,
		EmptyVisitLimit: c.Fleet.EmptyVisitLimit,

		SuppressionRadius: c.Scheduler.SuppressionRadius,
		ExplorationStep:   c.Scheduler.ExplorationStep,
		Bootstrap:         c.Scheduler.Bootstrap,
		GlobalScanRate:    c.Scheduler.GlobalScanRate,
		JitterMeters:      c.Scheduler.JitterMeters,

		StaleAfterCycles: c.Catalog.StaleAfterCycles,
		DurationAlpha:    c.Catalog.DurationAlpha,

		TransientRetryMax: c.Recovery.TransientRetryMax,
		ProtocolRetryMax:  c.Recovery.ProtocolRetryMax,

		Accounts: append([]AccountConfig(nil), c.Accounts...),
	}

	if len(s.Accounts) == 0 {
		return nil, ErrNoAccounts
	}
	for i, a := range s.Accounts {
		if strings.TrimSpace(a.Username) == "" {
			return nil, fmt.Errorf("config: accounts[%d]: username is required", i)
		}
	}
	if s.FleetSize < 1 {
		return nil, ErrBadFleetSize
	}
	if s.FleetSize > len(s.Accounts) {
		return nil, fmt.Errorf("config: fleet.size %d exceeds account count %d", s.FleetSize, len(s.Accounts))
	}
	if s.SpeedLimit <= 0 {
		return nil, ErrBadSpeedLimit
	}
	if s.NorthLat <= s.SouthLat || s.EastLon <= s.WestLon {
		return nil, ErrBadRegion
	}
	if s.SouthLat < -90 || s.NorthLat > 90 || s.WestLon < -180 || s.EastLon > 180 {
		return nil, ErrBadRegion
	}

	var err error
	if s.ScanDelay, err = ParseDurationOrDefault("fleet.scan_delay", c.Fleet.ScanDelay, 10*time.Second); err != nil {
		return nil, err
	}
	if s.VisitTimeout, err = ParseDurationOrDefault("fleet.visit_timeout", c.Fleet.VisitTimeout, 30*time.Second); err != nil {
		return nil, err
	}
	if s.TickInterval, err = ParseDurationOrDefault("scheduler.tick_interval", c.Scheduler.TickInterval, 2*time.Second); err != nil {
		return nil, err
	}
	if s.ScanHorizon, err = ParseDurationOrDefault("scheduler.scan_horizon", c.Scheduler.ScanHorizon, 90*time.Second); err != nil {
		return nil, err
	}
	if s.SuppressionWindow, err = ParseDurationOrDefault("scheduler.suppression_window", c.Scheduler.SuppressionWindow, 45*time.Second); err != nil {
		return nil, err
	}
	if s.CycleLength, err = ParseDurationOrDefault("catalog.cycle_length", c.Catalog.CycleLength, time.Hour); err != nil {
		return nil, err
	}
	if s.BackoffBase, err = ParseDurationOrDefault("recovery.backoff_base", c.Recovery.BackoffBase, 500*time.Millisecond); err != nil {
		return nil, err
	}
	if s.BackoffMax, err = ParseDurationOrDefault("recovery.backoff_max", c.Recovery.BackoffMax, 30*time.Second); err != nil {
		return nil, err
	}
	if s.CooldownDefault, err = ParseDurationOrDefault("recovery.cooldown_default", c.Recovery.CooldownDefault, 15*time.Minute); err != nil {
		return nil, err
	}
	if s.ThrottleWindow, err = ParseDurationOrDefault("recovery.throttle_window", c.Recovery.ThrottleWindow, 2*time.Minute); err != nil {
		return nil, err
	}

	if s.EmptyVisitLimit <= 0 {
		s.EmptyVisitLimit = 3
	}
	if s.SuppressionRadius <= 0 {
		s.SuppressionRadius = 70
	}
	if s.ExplorationStep <= 0 {
		s.ExplorationStep = 200
	}
	if s.JitterMeters < 0 {
		return nil, errors.New("config: scheduler.jitter_meters must be >= 0")
	}
	if s.JitterMeters == 0 {
		s.JitterMeters = 3
	}
	if s.GlobalScanRate < 0 {
		return nil, errors.New("config: scheduler.global_scan_rate must be >= 0")
	}
	if s.StaleAfterCycles <= 0 {
		s.StaleAfterCycles = 4
	}
	if s.DurationAlpha < 0 || s.DurationAlpha > 1 {
		return nil, errors.New("config: catalog.duration_alpha must be in (0,1]")
	}
	if s.DurationAlpha == 0 {
		s.DurationAlpha = 0.2
	}
	if s.TransientRetryMax <= 0 {
		s.TransientRetryMax = 3
	}
	if s.ProtocolRetryMax <= 0 {
		s.ProtocolRetryMax = 1
	}

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "sqlite", "sqlite3":
		default:
			return nil, fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
		}
	}

	return s, nil
}
