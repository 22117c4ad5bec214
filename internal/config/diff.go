package config

import (
	"reflect"
	"sort"
	"strings"

	logx "spawnscout/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes credentials).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Region
	if oldCfg.Region != newCfg.Region {
		changed = append(changed, "region")
		attrs = append(attrs,
			logx.Float64("region.south_lat", newCfg.Region.SouthLat),
			logx.Float64("region.west_lon", newCfg.Region.WestLon),
			logx.Float64("region.north_lat", newCfg.Region.NorthLat),
			logx.Float64("region.east_lon", newCfg.Region.EastLon),
		)
	}

	// Fleet
	if oldCfg.Fleet != newCfg.Fleet {
		changed = append(changed, "fleet")
		attrs = append(attrs,
			logx.Int("fleet.size", newCfg.Fleet.Size),
			logx.Float64("fleet.speed_limit", newCfg.Fleet.SpeedLimit),
			logx.String("fleet.scan_delay", strings.TrimSpace(newCfg.Fleet.ScanDelay)),
			logx.String("fleet.visit_timeout", strings.TrimSpace(newCfg.Fleet.VisitTimeout)),
		)
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.scan_horizon", strings.TrimSpace(newCfg.Scheduler.ScanHorizon)),
			logx.Float64("scheduler.suppression_radius", newCfg.Scheduler.SuppressionRadius),
			logx.String("scheduler.suppression_window", strings.TrimSpace(newCfg.Scheduler.SuppressionWindow)),
			logx.Float64("scheduler.global_scan_rate", newCfg.Scheduler.GlobalScanRate),
		)
	}

	// Catalog
	if oldCfg.Catalog != newCfg.Catalog {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.String("catalog.cycle_length", strings.TrimSpace(newCfg.Catalog.CycleLength)),
			logx.Int("catalog.stale_after_cycles", newCfg.Catalog.StaleAfterCycles),
			logx.Float64("catalog.duration_alpha", newCfg.Catalog.DurationAlpha),
		)
	}

	// Recovery
	if oldCfg.Recovery != newCfg.Recovery {
		changed = append(changed, "recovery")
		attrs = append(attrs,
			logx.Int("recovery.transient_retry_max", newCfg.Recovery.TransientRetryMax),
			logx.Int("recovery.protocol_retry_max", newCfg.Recovery.ProtocolRetryMax),
			logx.String("recovery.cooldown_default", strings.TrimSpace(newCfg.Recovery.CooldownDefault)),
		)
	}

	// Accounts (count only; never log credentials)
	if !accountsEqual(oldCfg.Accounts, newCfg.Accounts) {
		changed = append(changed, "accounts")
		attrs = append(attrs, logx.Int("accounts.count", len(newCfg.Accounts)))
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Metrics
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
		)
	}

	// Maintenance
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.stale_sweep", strings.TrimSpace(newCfg.Maintenance.StaleSweep)),
			logx.String("maintenance.fleet_review", strings.TrimSpace(newCfg.Maintenance.FleetReview)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func accountsEqual(a, b []AccountConfig) bool {
	return reflect.DeepEqual(a, b)
}
