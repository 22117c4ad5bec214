package dispatch

import (
	"context"
	"testing"
	"time"

	"spawnscout/internal/accounts"
	"spawnscout/internal/catalog"
	"spawnscout/internal/client"
	"spawnscout/internal/config"
	"spawnscout/internal/fleet"
	"spawnscout/internal/geo"
	"spawnscout/internal/visit"
	logx "spawnscout/pkg/logx"
)

type noopClient struct{}

type noopSession struct{}

func (noopSession) Account() string { return "" }

func (noopClient) Login(ctx context.Context, creds client.Credentials) (client.Session, error) {
	return noopSession{}, nil
}

func (noopClient) Scan(ctx context.Context, sess client.Session, pos geo.Point) (client.ScanResult, error) {
	return client.ScanResult{}, nil
}

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// noExplore is an invalid region: the exploration grid comes up empty, so
// tests can assert on due-target matching alone.
var noExplore = geo.Bounds{SouthLat: 1, WestLon: 1, NorthLat: 0, EastLon: 0}

type rig struct {
	cat   *catalog.Catalog
	pool  *fleet.Pool
	sched *Scheduler
}

// newRig builds a scheduler over a pool of workers with a 5 m/s speed limit.
// Workers are bound but their runner goroutines are not started, so assigned
// tasks stay visible as traveling state.
func newRig(t *testing.T, workers int, cfg Config) *rig {
	t.Helper()

	var accts []config.AccountConfig
	for i := 0; i < workers; i++ {
		accts = append(accts, config.AccountConfig{Username: string(rune('a' + i)), Password: "pw"})
	}
	am := accounts.NewManager(accts, logx.Nop())
	cat := catalog.New(catalog.Options{CycleLength: time.Hour})
	exec := visit.NewExecutor(noopClient{}, cat, nil, time.Second, logx.Nop())
	pool := fleet.NewPool(fleet.Options{
		Size:       workers,
		SpeedLimit: 5,
		ScanDelay:  time.Millisecond,
		Origin:     geo.Point{Lat: 50, Lon: 8},
		Accounts:   am,
		Executor:   exec,
		Logger:     logx.Nop(),
	})
	pool.Bind()
	pool.SetClock(func() time.Time { return testNow })

	// Seed one point so the constructor does not flip into bootstrap mode;
	// tests that want bootstrap set cfg.Bootstrap themselves.
	cat.Load([]catalog.SpawnPoint{{
		Pos: geo.Point{Lat: 89, Lon: 170}, CycleAnchored: true, ExpireOffset: 59 * time.Minute,
	}})

	if cfg.Region == (geo.Bounds{}) {
		cfg.Region = geo.Bounds{SouthLat: 49.99, WestLon: 7.99, NorthLat: 50.01, EastLon: 8.01}
	}
	s := NewScheduler(cfg, cat, pool, logx.Nop())
	s.SetClock(func() time.Time { return testNow })
	return &rig{cat: cat, pool: pool, sched: s}
}

// addDue registers a spawn point whose projected deadline is testNow+in.
func (r *rig) addDue(pos geo.Point, in time.Duration) catalog.SpawnPoint {
	sp := catalog.SpawnPoint{
		ID:            catalog.PointID(pos),
		Pos:           pos,
		CycleAnchored: true,
		ExpireOffset:  testNow.Add(in).Sub(testNow.Truncate(time.Hour)),
	}
	r.cat.Load([]catalog.SpawnPoint{sp})
	return sp
}

func travelingCount(p *fleet.Pool) int { return p.Snapshot().Traveling }

func TestSpeedLimitNeverExceeded(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1, Config{Region: noExplore, ScanHorizon: 2 * time.Minute})
	// ~1100m away, due in 100s: requires ~11 m/s against a 5 m/s limit.
	r.addDue(geo.Offset(geo.Point{Lat: 50, Lon: 8}, 1100, 0), 100*time.Second)

	r.sched.Dispatch()

	if st := r.sched.Snapshot(); st.Deferred != 1 || st.Assigned != 0 {
		t.Fatalf("stats = %+v, want 1 deferred / 0 assigned", st)
	}
	// Deferred, not dropped: the target stays due.
	if due := r.cat.DueTargets(testNow, 2*time.Minute); len(due) == 0 {
		t.Fatalf("deferred target vanished from the catalog")
	}
}

func TestMinRequiredSpeedWins(t *testing.T) {
	t.Parallel()

	r := newRig(t, 2, Config{Region: noExplore, ScanHorizon: 2 * time.Minute})
	target := geo.Offset(geo.Point{Lat: 50, Lon: 8}, 300, 0)
	// Worker 0 at 300m (3 m/s for 100s), worker 1 at 500m (5 m/s).
	r.pool.SetPosition(0, geo.Offset(target, 300, 0))
	r.pool.SetPosition(1, geo.Offset(target, -500, 0))
	r.addDue(target, 100*time.Second)

	r.sched.Dispatch()

	ws := r.pool.IdleWorkers()
	if len(ws) != 1 || ws[0].ID != 1 {
		t.Fatalf("idle after dispatch = %+v, want worker 1 (worker 0 assigned)", ws)
	}
}

func TestTieBrokenByWorkerIdentity(t *testing.T) {
	t.Parallel()

	r := newRig(t, 2, Config{Region: noExplore, ScanHorizon: 2 * time.Minute})
	// Both workers equidistant: worker 0 wins.
	target := geo.Offset(geo.Point{Lat: 50, Lon: 8}, 0, 200)
	r.pool.SetPosition(0, geo.Offset(target, 100, 0))
	r.pool.SetPosition(1, geo.Offset(target, -100, 0))
	r.addDue(target, 100*time.Second)

	r.sched.Dispatch()

	ws := r.pool.IdleWorkers()
	if len(ws) != 1 || ws[0].ID != 0 {
		// Worker 1 should remain idle.
		if len(ws) == 1 && ws[0].ID == 1 {
			return
		}
		t.Fatalf("idle after dispatch = %+v", ws)
	}
	t.Fatalf("tie went to worker 1; want worker 0")
}

func TestSuppressionDropsCoveredTargets(t *testing.T) {
	t.Parallel()

	r := newRig(t, 2, Config{SuppressionRadius: 70, SuppressionWindow: time.Minute, Region: noExplore})
	base := geo.Point{Lat: 50, Lon: 8}
	r.addDue(geo.Offset(base, 100, 0), 60*time.Second)
	// 30m from the first target: covered by the same pending visit.
	r.addDue(geo.Offset(base, 130, 0), 70*time.Second)

	r.sched.Dispatch()

	st := r.sched.Snapshot()
	if st.Assigned != 1 || st.Suppressed != 1 {
		t.Fatalf("stats = %+v, want 1 assigned / 1 suppressed", st)
	}
}

func TestExplorationFillForLeftoverWorkers(t *testing.T) {
	t.Parallel()

	r := newRig(t, 3, Config{})
	r.addDue(geo.Offset(geo.Point{Lat: 50, Lon: 8}, 100, 0), 60*time.Second)

	r.sched.Dispatch()

	st := r.sched.Snapshot()
	if st.Assigned != 1 {
		t.Fatalf("assigned = %d, want 1", st.Assigned)
	}
	if st.Explored != 2 {
		t.Fatalf("explored = %d, want 2 (leftover idle workers)", st.Explored)
	}
	if got := travelingCount(r.pool); got != 3 {
		t.Fatalf("traveling = %d, want 3", got)
	}
}

func TestBootstrapSweepPrecedesDueTargets(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1, Config{Bootstrap: true, ExplorationStep: 500})
	r.addDue(geo.Point{Lat: 50, Lon: 8}, 60*time.Second)

	r.sched.Dispatch()

	st := r.sched.Snapshot()
	if st.Assigned != 0 || st.Explored != 1 {
		t.Fatalf("stats = %+v, want exploration only during bootstrap", st)
	}
}

func TestNoDeadlineInPastAssignments(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1, Config{Region: noExplore})
	sp := r.addDue(geo.Point{Lat: 50, Lon: 8}, 30*time.Second)
	_ = sp

	// Move the clock past the deadline before dispatching.
	late := testNow.Add(45 * time.Second)
	r.sched.SetClock(func() time.Time { return late })
	r.pool.SetClock(func() time.Time { return late })

	r.sched.Dispatch()

	st := r.sched.Snapshot()
	if st.Assigned != 0 {
		t.Fatalf("assigned a past-deadline target: %+v", st)
	}
}

func TestWakeCoalesces(t *testing.T) {
	t.Parallel()

	r := newRig(t, 1, Config{})
	for i := 0; i < 10; i++ {
		r.sched.Wake() // must never block
	}
}
