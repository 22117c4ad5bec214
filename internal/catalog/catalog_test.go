package catalog

import (
	"sync"
	"testing"
	"time"

	"spawnscout/internal/geo"
)

func newTestCatalog() *Catalog {
	return New(Options{CycleLength: time.Hour, DurationAlpha: 0.5, StaleAfter: 4 * time.Hour})
}

func TestUpsertConfidenceUpgrades(t *testing.T) {
	t.Parallel()

	c := newTestCatalog()
	pos := geo.Point{Lat: 40.0, Lon: -74.0}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	sp := c.Upsert(Observation{Pos: pos, SeenAt: base, ExpiresAt: base.Add(10 * time.Minute)})
	if sp.Confidence != ConfidenceEstimated {
		t.Fatalf("after first timed observation: confidence = %v, want estimated", sp.Confidence)
	}

	// A consistent observation one cycle later confirms.
	sp = c.Upsert(Observation{Pos: pos, SeenAt: base.Add(time.Hour), ExpiresAt: base.Add(time.Hour + 10*time.Minute)})
	if sp.Confidence != ConfidenceConfirmed {
		t.Fatalf("after consistent repeat: confidence = %v, want confirmed", sp.Confidence)
	}
	if sp.Observations != 2 {
		t.Fatalf("observations = %d, want 2", sp.Observations)
	}
}

func TestUpsertIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestCatalog()
	pos := geo.Point{Lat: 40.0, Lon: -74.0}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	obs := Observation{Pos: pos, SeenAt: base, ExpiresAt: base.Add(10 * time.Minute)}

	first := c.Upsert(obs)
	second := c.Upsert(obs)

	if second.Confidence != first.Confidence {
		t.Fatalf("identical observation changed confidence: %v -> %v", first.Confidence, second.Confidence)
	}
	if second.DurationEstimate != first.DurationEstimate {
		t.Fatalf("identical observation changed duration estimate: %v -> %v", first.DurationEstimate, second.DurationEstimate)
	}
	if second.Observations != first.Observations {
		t.Fatalf("identical observation changed observation count: %d -> %d", first.Observations, second.Observations)
	}
}

func TestUpsertPresenceOnly(t *testing.T) {
	t.Parallel()

	c := newTestCatalog()
	pos := geo.Point{Lat: 40.0, Lon: -74.0}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	sp := c.Upsert(Observation{Pos: pos, SeenAt: base})
	if sp.Confidence != ConfidenceNone {
		t.Fatalf("presence-only observation set confidence %v, want none", sp.Confidence)
	}
	if sp.CycleAnchored {
		t.Fatalf("presence-only observation must not anchor timing")
	}
	if !sp.LastSeen.Equal(base) {
		t.Fatalf("last_seen = %v, want %v", sp.LastSeen, base)
	}
}

func TestDurationEstimateSmoothing(t *testing.T) {
	t.Parallel()

	c := newTestCatalog() // alpha 0.5
	pos := geo.Point{Lat: 40.0, Lon: -74.0}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	c.Upsert(Observation{Pos: pos, SeenAt: base, ExpiresAt: base.Add(10 * time.Minute)})
	sp := c.Upsert(Observation{Pos: pos, SeenAt: base.Add(time.Hour), ExpiresAt: base.Add(time.Hour + 20*time.Minute)})

	// 0.5*20m + 0.5*10m = 15m. The second expiration sits 10 minutes after
	// the first within the cycle, which is outside the consistency
	// tolerance, but the duration EWMA applies either way.
	if sp.DurationEstimate != 15*time.Minute {
		t.Fatalf("duration estimate = %v, want 15m", sp.DurationEstimate)
	}
}

func TestDueTargetsEDFOrderAndHorizon(t *testing.T) {
	t.Parallel()

	c := newTestCatalog()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// Expires 20 minutes into the hour.
	c.Upsert(Observation{Pos: geo.Point{Lat: 1, Lon: 1}, SeenAt: now.Add(-time.Hour), ExpiresAt: now.Add(-40 * time.Minute)})
	// Expires 5 minutes into the hour.
	c.Upsert(Observation{Pos: geo.Point{Lat: 2, Lon: 2}, SeenAt: now.Add(-time.Hour), ExpiresAt: now.Add(-55 * time.Minute)})
	// Presence only; never due.
	c.Upsert(Observation{Pos: geo.Point{Lat: 3, Lon: 3}, SeenAt: now})

	due := c.DueTargets(now, 30*time.Minute)
	if len(due) != 2 {
		t.Fatalf("due targets = %d, want 2", len(due))
	}
	if !due[0].Deadline.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("first deadline = %v, want %v", due[0].Deadline, now.Add(5*time.Minute))
	}
	if !due[1].Deadline.Equal(now.Add(20 * time.Minute)) {
		t.Fatalf("second deadline = %v, want %v", due[1].Deadline, now.Add(20*time.Minute))
	}

	// A tighter horizon excludes the later target.
	due = c.DueTargets(now, 10*time.Minute)
	if len(due) != 1 {
		t.Fatalf("due targets within 10m = %d, want 1", len(due))
	}
}

func TestNextDeadlineWrapsIntoNextCycle(t *testing.T) {
	t.Parallel()

	c := newTestCatalog()
	now := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)

	// Offset 10 minutes into the hour; already past at 12:30, so the next
	// deadline is 13:10.
	sp := c.Upsert(Observation{
		Pos:       geo.Point{Lat: 5, Lon: 5},
		SeenAt:    now.Add(-30 * time.Minute),
		ExpiresAt: now.Add(-20 * time.Minute),
	})
	dl, ok := c.NextDeadline(sp, now)
	if !ok {
		t.Fatalf("deadline should be known")
	}
	want := time.Date(2026, 8, 1, 13, 10, 0, 0, time.UTC)
	if !dl.Equal(want) {
		t.Fatalf("deadline = %v, want %v", dl, want)
	}
}

func TestMarkStale(t *testing.T) {
	t.Parallel()

	c := newTestCatalog() // stale after 4h
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	c.Upsert(Observation{Pos: geo.Point{Lat: 1, Lon: 1}, SeenAt: base, ExpiresAt: base.Add(10 * time.Minute)})
	c.Upsert(Observation{Pos: geo.Point{Lat: 2, Lon: 2}, SeenAt: base.Add(6 * time.Hour), ExpiresAt: base.Add(6*time.Hour + 10*time.Minute)})

	n := c.MarkStale(base.Add(7 * time.Hour))
	if n != 1 {
		t.Fatalf("newly stale = %d, want 1", n)
	}
	if due := c.DueTargets(base.Add(7*time.Hour), time.Hour); len(due) != 1 {
		t.Fatalf("stale point still due: got %d targets, want 1", len(due))
	}

	// Seen again: staleness clears.
	sp := c.Upsert(Observation{Pos: geo.Point{Lat: 1, Lon: 1}, SeenAt: base.Add(8 * time.Hour), ExpiresAt: base.Add(8*time.Hour + 10*time.Minute)})
	if sp.Stale {
		t.Fatalf("observation must clear staleness")
	}
}

func TestLoadWarmStart(t *testing.T) {
	t.Parallel()

	c := newTestCatalog()
	c.Load([]SpawnPoint{
		{Pos: geo.Point{Lat: 9, Lon: 9}, CycleAnchored: true, ExpireOffset: 15 * time.Minute, Confidence: ConfidenceConfirmed},
	})
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
	sp, ok := c.Get(PointID(geo.Point{Lat: 9, Lon: 9}))
	if !ok || sp.Confidence != ConfidenceConfirmed {
		t.Fatalf("loaded point not retrievable: ok=%v sp=%+v", ok, sp)
	}
}

func TestConcurrentUpserts(t *testing.T) {
	t.Parallel()

	c := newTestCatalog()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				pos := geo.Point{Lat: float64(j % 10), Lon: float64(i % 4)}
				c.Upsert(Observation{Pos: pos, SeenAt: base.Add(time.Duration(j) * time.Second), ExpiresAt: base.Add(10 * time.Minute)})
				_ = c.DueTargets(base, time.Hour)
			}
		}(i)
	}
	wg.Wait()

	if got := c.Len(); got != 40 {
		t.Fatalf("distinct points = %d, want 40", got)
	}
}
