// Package storage persists the spawn catalog and sighting history across
// restarts. Persistence is best effort: the engine warm-starts from whatever
// is here and logs (never fails on) missed writes.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"spawnscout/internal/catalog"
	"spawnscout/internal/geo"
	logx "spawnscout/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Sighting records one observed spawn activity. Immutable once created.
type Sighting struct {
	SpawnID   string
	Pos       geo.Point
	SeenAt    time.Time
	ExpiresAt time.Time // zero if the scan carried no timing
}

// Store is the persistence boundary used by the engine.
type Store interface {
	LoadSpawnPoints(ctx context.Context) ([]catalog.SpawnPoint, error)
	SaveSpawnPoint(ctx context.Context, sp catalog.SpawnPoint) error
	SaveSighting(ctx context.Context, s Sighting) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
