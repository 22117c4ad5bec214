// Package catalog owns the in-memory view of known spawn points and their
// expiration estimates. Updates are serialized per spawn point; list scans
// read a consistent snapshot and never block individual upserts.
package catalog

import (
	"sort"
	"sync"
	"time"

	logx "spawnscout/pkg/logx"
)

// offsetTolerance is how far two observed expirations may disagree (within
// the cycle) and still count as consistent.
const offsetTolerance = 30 * time.Second

type Options struct {
	// CycleLength is the recurrence period of spawn activity.
	CycleLength time.Duration

	// DurationAlpha is the EWMA smoothing factor for duration estimates.
	DurationAlpha float64

	// StaleAfter marks a point stale once it has been silent this long.
	StaleAfter time.Duration

	Logger logx.Logger
}

type Catalog struct {
	cycle      time.Duration
	alpha      float64
	staleAfter time.Duration
	log        logx.Logger

	// mu guards the map itself; each entry carries its own lock.
	mu     sync.RWMutex
	points map[string]*entry
}

type entry struct {
	mu sync.Mutex
	sp SpawnPoint

	lastSeenAt  time.Time
	lastExpires time.Time
}

func New(opts Options) *Catalog {
	if opts.CycleLength <= 0 {
		opts.CycleLength = time.Hour
	}
	if opts.DurationAlpha <= 0 || opts.DurationAlpha > 1 {
		opts.DurationAlpha = 0.2
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 4 * opts.CycleLength
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	return &Catalog{
		cycle:      opts.CycleLength,
		alpha:      opts.DurationAlpha,
		staleAfter: opts.StaleAfter,
		log:        opts.Logger,
		points:     make(map[string]*entry),
	}
}

func (c *Catalog) entryFor(id string) *entry {
	c.mu.RLock()
	e := c.points[id]
	c.mu.RUnlock()
	if e != nil {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e = c.points[id]; e != nil {
		return e
	}
	e = &entry{}
	c.points[id] = e
	return e
}

// Upsert records or refines a spawn point from one observation and returns
// the updated record. Applying the same observation twice is a no-op beyond
// the first application.
func (c *Catalog) Upsert(obs Observation) SpawnPoint {
	id := PointID(obs.Pos)
	e := c.entryFor(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	sp := &e.sp
	if sp.ID == "" {
		sp.ID = id
		sp.Pos = obs.Pos
	}

	// Idempotence: an identical observation must not move estimates again.
	if !e.lastSeenAt.IsZero() && e.lastSeenAt.Equal(obs.SeenAt) && e.lastExpires.Equal(obs.ExpiresAt) {
		return *sp
	}
	e.lastSeenAt = obs.SeenAt
	e.lastExpires = obs.ExpiresAt

	if obs.SeenAt.After(sp.LastSeen) {
		sp.LastSeen = obs.SeenAt
	}
	sp.Stale = false
	sp.Observations++

	if obs.ExpiresAt.IsZero() {
		// Seen active with no timing: presence only.
		return *sp
	}

	offset := obs.ExpiresAt.Sub(obs.ExpiresAt.Truncate(c.cycle))
	switch {
	case !sp.CycleAnchored:
		sp.CycleAnchored = true
		sp.ExpireOffset = offset
		if sp.Confidence < ConfidenceEstimated {
			sp.Confidence = ConfidenceEstimated
		}
	case c.offsetsAgree(sp.ExpireOffset, offset):
		// Consistent repeat: average toward the new offset and confirm.
		sp.ExpireOffset = blendOffset(sp.ExpireOffset, offset, c.cycle, c.alpha)
		if sp.Confidence < ConfidenceConfirmed {
			sp.Confidence = ConfidenceConfirmed
		}
	default:
		// Timing moved. Track the new offset but never regress confidence
		// below estimated; staleness is the only sanctioned downgrade path.
		c.log.Debug("spawn timing shifted",
			logx.String("spawn", id),
			logx.Duration("old_offset", sp.ExpireOffset),
			logx.Duration("new_offset", offset),
		)
		sp.ExpireOffset = offset
		if sp.Confidence < ConfidenceEstimated {
			sp.Confidence = ConfidenceEstimated
		}
	}

	if d := obs.ExpiresAt.Sub(obs.SeenAt); d > 0 {
		if sp.DurationEstimate <= 0 {
			sp.DurationEstimate = d
		} else {
			sp.DurationEstimate = time.Duration(c.alpha*float64(d) + (1-c.alpha)*float64(sp.DurationEstimate))
		}
	}

	return *sp
}

func (c *Catalog) offsetsAgree(a, b time.Duration) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > c.cycle/2 {
		d = c.cycle - d
	}
	return d <= offsetTolerance
}

// blendOffset averages two cycle offsets on the circle, weighting the new
// one by alpha, and normalizes into [0, cycle).
func blendOffset(old, new time.Duration, cycle time.Duration, alpha float64) time.Duration {
	d := new - old
	if d > cycle/2 {
		d -= cycle
	} else if d < -cycle/2 {
		d += cycle
	}
	out := old + time.Duration(alpha*float64(d))
	out %= cycle
	if out < 0 {
		out += cycle
	}
	return out
}

// NextDeadline projects the next expiration of sp after now. ok is false
// when timing is unknown.
func (c *Catalog) NextDeadline(sp SpawnPoint, now time.Time) (time.Time, bool) {
	if !sp.CycleAnchored {
		return time.Time{}, false
	}
	dl := now.Truncate(c.cycle).Add(sp.ExpireOffset)
	if !dl.After(now) {
		dl = dl.Add(c.cycle)
	}
	return dl, true
}

// DueTargets returns spawn points whose projected deadline falls within
// [now, now+horizon], earliest deadline first. Stale points and points with
// unknown timing are excluded. The result is a snapshot; callers may walk it
// while upserts continue.
func (c *Catalog) DueTargets(now time.Time, horizon time.Duration) []Target {
	snap := c.snapshotPoints()

	limit := now.Add(horizon)
	out := make([]Target, 0, len(snap))
	for _, sp := range snap {
		if sp.Stale {
			continue
		}
		dl, ok := c.NextDeadline(sp, now)
		if !ok || dl.After(limit) {
			continue
		}
		out = append(out, Target{ID: sp.ID, Pos: sp.Pos, Deadline: dl, LastSeen: sp.LastSeen, Duration: sp.DurationEstimate})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MarkStale flags points silent for longer than the staleness threshold and
// returns how many were newly flagged.
func (c *Catalog) MarkStale(now time.Time) int {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.points))
	for _, e := range c.points {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		sp := &e.sp
		if !sp.Stale && !sp.LastSeen.IsZero() && now.Sub(sp.LastSeen) > c.staleAfter {
			sp.Stale = true
			n++
		}
		e.mu.Unlock()
	}
	if n > 0 {
		c.log.Info("stale sweep flagged spawn points", logx.Int("count", n))
	}
	return n
}

// Load seeds the catalog, typically from the persistent store at startup.
// Existing entries with the same identity are overwritten.
func (c *Catalog) Load(points []SpawnPoint) {
	for _, sp := range points {
		if sp.ID == "" {
			sp.ID = PointID(sp.Pos)
		}
		e := c.entryFor(sp.ID)
		e.mu.Lock()
		e.sp = sp
		e.mu.Unlock()
	}
}

// Get returns a copy of one spawn point.
func (c *Catalog) Get(id string) (SpawnPoint, bool) {
	c.mu.RLock()
	e := c.points[id]
	c.mu.RUnlock()
	if e == nil {
		return SpawnPoint{}, false
	}
	e.mu.Lock()
	sp := e.sp
	e.mu.Unlock()
	if sp.ID == "" {
		return SpawnPoint{}, false
	}
	return sp, true
}

// All returns a snapshot of every spawn point, for persistence flushes and
// diagnostics.
func (c *Catalog) All() []SpawnPoint {
	return c.snapshotPoints()
}

func (c *Catalog) snapshotPoints() []SpawnPoint {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.points))
	for _, e := range c.points {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	out := make([]SpawnPoint, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		sp := e.sp
		e.mu.Unlock()
		if sp.ID == "" {
			continue
		}
		out = append(out, sp)
	}
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.points)
}

// Stats summarizes the catalog for the status snapshot.
type Stats struct {
	Total     int `json:"total"`
	Confirmed int `json:"confirmed"`
	Estimated int `json:"estimated"`
	Unknown   int `json:"unknown"`
	Stale     int `json:"stale"`
}

func (c *Catalog) Snapshot() Stats {
	var st Stats
	for _, sp := range c.snapshotPoints() {
		st.Total++
		if sp.Stale {
			st.Stale++
		}
		switch sp.Confidence {
		case ConfidenceConfirmed:
			st.Confirmed++
		case ConfidenceEstimated:
			st.Estimated++
		default:
			st.Unknown++
		}
	}
	return st
}
