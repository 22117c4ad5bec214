package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"spawnscout/internal/catalog"
	logx "spawnscout/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSpawnPoints(ctx context.Context) ([]catalog.SpawnPoint, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lat, lon, cycle_anchored, expire_offset_ms, duration_ms, last_seen_ms, confidence, stale, observations
		 FROM spawn_points`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []catalog.SpawnPoint
	for rows.Next() {
		var (
			sp       catalog.SpawnPoint
			anchored int
			offMS    int64
			durMS    int64
			seenMS   int64
			conf     int
			stale    int
		)
		if err := rows.Scan(&sp.ID, &sp.Pos.Lat, &sp.Pos.Lon, &anchored, &offMS, &durMS, &seenMS, &conf, &stale, &sp.Observations); err != nil {
			return nil, err
		}
		sp.CycleAnchored = anchored != 0
		sp.ExpireOffset = time.Duration(offMS) * time.Millisecond
		sp.DurationEstimate = time.Duration(durMS) * time.Millisecond
		if seenMS > 0 {
			sp.LastSeen = time.UnixMilli(seenMS)
		}
		sp.Confidence = catalog.Confidence(conf)
		sp.Stale = stale != 0
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveSpawnPoint(ctx context.Context, sp catalog.SpawnPoint) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if sp.ID == "" {
		sp.ID = catalog.PointID(sp.Pos)
	}
	var seenMS int64
	if !sp.LastSeen.IsZero() {
		seenMS = sp.LastSeen.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spawn_points(id, lat, lon, cycle_anchored, expire_offset_ms, duration_ms, last_seen_ms, confidence, stale, observations)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   cycle_anchored=excluded.cycle_anchored,
		   expire_offset_ms=excluded.expire_offset_ms,
		   duration_ms=excluded.duration_ms,
		   last_seen_ms=excluded.last_seen_ms,
		   confidence=excluded.confidence,
		   stale=excluded.stale,
		   observations=excluded.observations`,
		sp.ID, sp.Pos.Lat, sp.Pos.Lon, boolInt(sp.CycleAnchored),
		sp.ExpireOffset.Milliseconds(), sp.DurationEstimate.Milliseconds(),
		seenMS, int(sp.Confidence), boolInt(sp.Stale), sp.Observations,
	)
	return err
}

func (s *sqliteStore) SaveSighting(ctx context.Context, sg Sighting) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if sg.SpawnID == "" {
		sg.SpawnID = catalog.PointID(sg.Pos)
	}
	if sg.SeenAt.IsZero() {
		sg.SeenAt = time.Now()
	}
	var expMS int64
	if !sg.ExpiresAt.IsZero() {
		expMS = sg.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sightings(spawn_id, lat, lon, seen_at_ms, expires_at_ms) VALUES(?,?,?,?,?)`,
		sg.SpawnID, sg.Pos.Lat, sg.Pos.Lon, sg.SeenAt.UnixMilli(), expMS,
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
