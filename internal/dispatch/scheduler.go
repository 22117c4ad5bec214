// Package dispatch matches idle workers to due spawn points under the speed
// constraint: a greedy, deadline-ordered, minimum-effort matching. Exact
// optimal assignment is unnecessary; repeated passes self-correct.
package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"spawnscout/internal/catalog"
	"spawnscout/internal/fleet"
	"spawnscout/internal/geo"
	logx "spawnscout/pkg/logx"
)

// requiredSpeedEpsilon floors the time-to-deadline so division stays sane
// for targets expiring right now.
const requiredSpeedEpsilon = 1.0 // seconds

type Config struct {
	TickInterval time.Duration
	ScanHorizon  time.Duration

	// SuppressionRadius/Window drop a due target when another worker is
	// already en route nearby. Tunable heuristic, not a contract.
	SuppressionRadius float64 // meters
	SuppressionWindow time.Duration

	Region          geo.Bounds
	ExplorationStep float64 // meters
	JitterMeters    float64

	// Bootstrap sweeps the whole region grid before normal scheduling.
	// Forced on when the catalog starts empty.
	Bootstrap bool
}

type Scheduler struct {
	cfg  Config
	cat  *catalog.Catalog
	pool *fleet.Pool
	log  logx.Logger

	wake chan struct{}
	now  func() time.Time

	mu            sync.Mutex
	rng           *rand.Rand
	pending       []pendingVisit
	explore       []geo.Point
	exploreIdx    int
	bootstrapLeft int

	stats Stats
}

// pendingVisit is a suppression record: a worker is already headed there.
type pendingVisit struct {
	pos   geo.Point
	until time.Time
}

// Stats counts dispatch decisions for the status snapshot.
type Stats struct {
	Assigned   uint64 `json:"assigned"`
	Explored   uint64 `json:"explored"`
	Deferred   uint64 `json:"deferred"`
	Suppressed uint64 `json:"suppressed"`
	Redundant  uint64 `json:"redundant"`
	PastDue    uint64 `json:"past_due"`
}

func NewScheduler(cfg Config, cat *catalog.Catalog, pool *fleet.Pool, log logx.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.ScanHorizon <= 0 {
		cfg.ScanHorizon = 90 * time.Second
	}
	if cfg.SuppressionRadius <= 0 {
		cfg.SuppressionRadius = 70
	}
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = 45 * time.Second
	}
	if cfg.ExplorationStep <= 0 {
		cfg.ExplorationStep = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Scheduler{
		cfg:     cfg,
		cat:     cat,
		pool:    pool,
		log:     log,
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		explore: geo.CoverGrid(cfg.Region, cfg.ExplorationStep),
	}
	if cfg.Bootstrap || cat.Len() == 0 {
		s.bootstrapLeft = len(s.explore)
		s.log.Info("bootstrap sweep scheduled", logx.Int("cells", s.bootstrapLeft))
	}
	return s
}

// SetClock overrides the time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Wake requests an opportunistic dispatch pass between ticks. Installed as
// the pool's idle callback; never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatch loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
		s.Dispatch()
	}
}

// Dispatch runs one scheduling pass: due targets earliest-deadline-first to
// the cheapest eligible worker, then exploration for anyone left idle.
func (s *Scheduler) Dispatch() {
	now := s.now()
	idle := s.pool.IdleWorkers()
	if len(idle) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunePendingLocked(now)

	taken := make(map[int]bool, len(idle))

	if s.bootstrapLeft == 0 {
		for _, t := range s.cat.DueTargets(now, s.cfg.ScanHorizon) {
			if len(taken) == len(idle) {
				break
			}
			if now.After(t.Deadline) {
				s.stats.PastDue++
				continue
			}
			if s.redundant(t) {
				s.stats.Redundant++
				continue
			}
			if s.coveredLocked(t.Pos, now) {
				s.stats.Suppressed++
				continue
			}

			best, ok := pickWorker(idle, taken, t, now)
			if !ok {
				// No worker can make it in time: leave the target in the
				// catalog for a later pass.
				s.stats.Deferred++
				continue
			}

			task := fleet.NewTask(t.ID, geo.Jitter(t.Pos, s.cfg.JitterMeters, s.rng), t.Deadline, false, now)
			if err := s.pool.Assign(best.ID, task); err != nil {
				continue
			}
			taken[best.ID] = true
			s.pending = append(s.pending, pendingVisit{pos: t.Pos, until: now.Add(s.cfg.SuppressionWindow)})
			s.stats.Assigned++
		}
	}

	// Exploration fill (and the bootstrap sweep, which is just exploration
	// with priority).
	for _, w := range idle {
		if taken[w.ID] {
			continue
		}
		p, ok := s.nextExploreLocked()
		if !ok {
			break
		}
		task := fleet.NewTask("", geo.Jitter(p, s.cfg.JitterMeters, s.rng), time.Time{}, true, now)
		if err := s.pool.Assign(w.ID, task); err != nil {
			continue
		}
		taken[w.ID] = true
		s.stats.Explored++
		if s.bootstrapLeft > 0 {
			s.bootstrapLeft--
			if s.bootstrapLeft == 0 {
				s.log.Info("bootstrap sweep complete")
			}
		}
	}
}

// pickWorker returns the idle worker with the minimum required speed within
// its limit. idle is ordered by worker identity, and the strict < keeps the
// lowest-ID worker on ties.
func pickWorker(idle []fleet.WorkerInfo, taken map[int]bool, t catalog.Target, now time.Time) (fleet.WorkerInfo, bool) {
	seconds := t.Deadline.Sub(now).Seconds()
	if seconds < requiredSpeedEpsilon {
		seconds = requiredSpeedEpsilon
	}

	var best fleet.WorkerInfo
	bestSpeed := -1.0
	for _, w := range idle {
		if taken[w.ID] {
			continue
		}
		required := geo.Distance(w.Pos, t.Pos) / seconds
		if required > w.SpeedLimit {
			continue
		}
		if bestSpeed < 0 || required < bestSpeed {
			best = w
			bestSpeed = required
		}
	}
	return best, bestSpeed >= 0
}

// redundant reports whether the target's current activity window was already
// observed, making another visit pointless.
func (s *Scheduler) redundant(t catalog.Target) bool {
	if t.Duration <= 0 || t.LastSeen.IsZero() {
		return false
	}
	windowStart := t.Deadline.Add(-t.Duration)
	return t.LastSeen.After(windowStart) && t.LastSeen.Before(t.Deadline)
}

func (s *Scheduler) coveredLocked(pos geo.Point, now time.Time) bool {
	for _, p := range s.pending {
		if p.until.After(now) && geo.Distance(p.pos, pos) <= s.cfg.SuppressionRadius {
			return true
		}
	}
	return false
}

func (s *Scheduler) prunePendingLocked(now time.Time) {
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.until.After(now) {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

func (s *Scheduler) nextExploreLocked() (geo.Point, bool) {
	if len(s.explore) == 0 {
		return geo.Point{}, false
	}
	p := s.explore[s.exploreIdx%len(s.explore)]
	s.exploreIdx++
	return p, true
}

func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
