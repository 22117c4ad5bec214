// Package fleet owns the worker state machines: idle/busy bookkeeping, task
// hand-off to the visit executor, and lifecycle control (start, restart,
// retire). Policy about failures lives in the recovery controller; the pool
// only exposes the transitions it needs.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"spawnscout/internal/accounts"
	"spawnscout/internal/client"
	"spawnscout/internal/geo"
	"spawnscout/internal/visit"
	logx "spawnscout/pkg/logx"
)

var (
	ErrUnknownWorker = errors.New("fleet: unknown worker")
	ErrWorkerBusy    = errors.New("fleet: worker not idle")
	ErrPastDeadline  = errors.New("fleet: task deadline already passed")
)

type Status uint8

const (
	StatusIdle Status = iota
	StatusTraveling
	StatusVisiting
	StatusRecovering
	StatusRetired
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusTraveling:
		return "traveling"
	case StatusVisiting:
		return "visiting"
	case StatusRecovering:
		return "recovering"
	case StatusRetired:
		return "retired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Task is one assignment: visit Pos before Deadline. Exploration tasks have
// no deadline. A task belongs to exactly one worker from Assign to the
// result callback.
type Task struct {
	ID          string
	TargetID    string // spawn identity; empty for exploration
	Pos         geo.Point
	Deadline    time.Time // zero for exploration
	Exploration bool
	CreatedAt   time.Time
}

func NewTask(targetID string, pos geo.Point, deadline time.Time, exploration bool, now time.Time) Task {
	return Task{
		ID:          uuid.NewString(),
		TargetID:    targetID,
		Pos:         pos,
		Deadline:    deadline,
		Exploration: exploration,
		CreatedAt:   now,
	}
}

// WorkerInfo is a read-only snapshot of one worker for the scheduler.
type WorkerInfo struct {
	ID         int
	Account    string
	Pos        geo.Point
	Status     Status
	SpeedLimit float64 // m/s
	BusyUntil  time.Time
}

type worker struct {
	id      int
	account accounts.Account
	sess    client.Session

	pos       geo.Point
	status    Status
	busyUntil time.Time
	lastScan  time.Time

	emptyStreak int
	sightings   int
	boundAt     time.Time

	tasks chan Task
}

// ResultHandler receives every visit result. It owns the follow-up
// transition: it must eventually call Complete, Recovering, Restart, or
// Retire for the worker.
type ResultHandler func(ctx context.Context, workerID int, task Task, res visit.Result)

// Gate pauses visit execution process-wide. Implemented by the recovery
// controller's throttle.
type Gate interface {
	Wait(ctx context.Context) error
}

type Options struct {
	Size       int
	SpeedLimit float64 // m/s, applied to every worker
	ScanDelay  time.Duration
	Origin     geo.Point // initial worker position (region center)

	Accounts *accounts.Manager
	Executor *visit.Executor
	Logger   logx.Logger
}

type Pool struct {
	speedLimit float64
	scanDelay  time.Duration

	accounts *accounts.Manager
	exec     *visit.Executor
	log      logx.Logger

	handler ResultHandler
	gate    Gate
	onIdle  func()
	now     func() time.Time

	mu      sync.Mutex
	workers []*worker

	skips      uint64
	redundant  uint64
	visits     uint64
	emptySwaps uint64
}

func NewPool(opts Options) *Pool {
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}
	if opts.ScanDelay <= 0 {
		opts.ScanDelay = 10 * time.Second
	}
	p := &Pool{
		speedLimit: opts.SpeedLimit,
		scanDelay:  opts.ScanDelay,
		accounts:   opts.Accounts,
		exec:       opts.Executor,
		log:        opts.Logger,
		now:        time.Now,
	}
	for i := 0; i < opts.Size; i++ {
		p.workers = append(p.workers, &worker{
			id:     i,
			pos:    opts.Origin,
			status: StatusRetired, // becomes idle once an account binds
			tasks:  make(chan Task, 1),
		})
	}
	return p
}

// OnResult installs the result handler. Must be set before Start.
func (p *Pool) OnResult(h ResultHandler) { p.handler = h }

// OnIdle installs a callback fired whenever a worker returns to idle. The
// scheduler uses it for opportunistic dispatch between ticks.
func (p *Pool) OnIdle(fn func()) { p.onIdle = fn }

// SetGate installs the process-wide visit gate.
func (p *Pool) SetGate(g Gate) { p.gate = g }

// SetClock overrides the time source. Test hook.
func (p *Pool) SetClock(now func() time.Time) { p.now = now }

// Bind acquires an account for every unbound worker. Called at startup and
// again whenever accounts may have become available.
func (p *Pool) Bind() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	bound := 0
	for _, w := range p.workers {
		if w.status != StatusRetired {
			continue
		}
		acc, err := p.accounts.Acquire()
		if err != nil {
			if errors.Is(err, accounts.ErrNoAccountAvailable) {
				break
			}
			p.log.Warn("account acquire failed", logx.Int("worker", w.id), logx.Err(err))
			break
		}
		p.bindLocked(w, acc)
		bound++
	}
	return bound
}

func (p *Pool) bindLocked(w *worker, acc accounts.Account) {
	w.account = acc
	w.sess = nil // force re-login on next visit
	w.status = StatusIdle
	w.emptyStreak = 0
	w.sightings = 0
	w.boundAt = p.now()
	p.log.Info("worker bound",
		logx.Int("worker", w.id),
		logx.String("account", acc.Username),
	)
}

// IdleWorkers returns a snapshot of workers ready for assignment, ordered by
// identity for deterministic tie-breaks.
func (p *Pool) IdleWorkers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		if w.status != StatusIdle {
			continue
		}
		out = append(out, p.infoLocked(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pool) infoLocked(w *worker) WorkerInfo {
	return WorkerInfo{
		ID:         w.id,
		Account:    w.account.Username,
		Pos:        w.pos,
		Status:     w.status,
		SpeedLimit: p.speedLimit,
		BusyUntil:  w.busyUntil,
	}
}

// Assign hands a task to an idle worker and transitions it to traveling.
// Tasks with a deadline in the past are rejected outright.
func (p *Pool) Assign(workerID int, t Task) error {
	p.mu.Lock()
	w := p.byIDLocked(workerID)
	if w == nil {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	if !t.Deadline.IsZero() && !t.Deadline.After(p.now()) {
		p.mu.Unlock()
		return ErrPastDeadline
	}
	if w.status != StatusIdle {
		p.mu.Unlock()
		return ErrWorkerBusy
	}
	w.status = StatusTraveling
	w.busyUntil = t.Deadline
	p.mu.Unlock()

	select {
	case w.tasks <- t:
		return nil
	default:
		// The task buffer holds one entry and the worker was idle, so this
		// only happens on a lost race with shutdown.
		p.mu.Lock()
		w.status = StatusIdle
		w.busyUntil = time.Time{}
		p.mu.Unlock()
		return ErrWorkerBusy
	}
}

// Complete returns a worker to idle.
func (p *Pool) Complete(workerID int) {
	p.mu.Lock()
	w := p.byIDLocked(workerID)
	if w == nil || w.status == StatusRetired {
		p.mu.Unlock()
		return
	}
	w.status = StatusIdle
	w.busyUntil = time.Time{}
	p.mu.Unlock()

	if p.onIdle != nil {
		p.onIdle()
	}
}

// Recovering parks a worker until an explicit Restart.
func (p *Pool) Recovering(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.byIDLocked(workerID); w != nil && w.status != StatusRetired {
		w.status = StatusRecovering
		w.busyUntil = time.Time{}
	}
}

// Restart rebinds the worker to a fresh account, preserving its position
// (teleporting is a detection signal). The replacement is acquired before the
// old binding is released, so the worker can never bounce straight back onto
// the account it is leaving. Without a fresh account the worker parks in
// retired and its old account rests until the next Bind.
func (p *Pool) Restart(workerID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.byIDLocked(workerID)
	if w == nil {
		return ErrUnknownWorker
	}
	old := w.account
	w.account = accounts.Account{}
	w.sess = nil

	acc, err := p.accounts.Acquire()
	if old.Username != "" {
		// Token-checked: a no-op if the manager already benched the account
		// and someone else holds it now.
		_ = p.accounts.Release(old.Username, old.Binding)
	}
	if err != nil {
		w.status = StatusRetired
		p.log.Warn("worker retired: no account available", logx.Int("worker", w.id))
		return err
	}
	p.bindLocked(w, acc)
	return nil
}

// Retire parks the worker without an account.
func (p *Pool) Retire(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.byIDLocked(workerID)
	if w == nil {
		return
	}
	if w.account.Username != "" {
		_ = p.accounts.Release(w.account.Username, w.account.Binding)
		w.account = accounts.Account{}
	}
	w.sess = nil
	w.status = StatusRetired
}

// DropAccount clears a worker's binding without releasing it. Used when the
// account manager has already taken the binding back (challenge, ban), so a
// later Restart or Retire of this worker has nothing stale to release.
func (p *Pool) DropAccount(workerID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.byIDLocked(workerID); w != nil {
		w.account = accounts.Account{}
		w.sess = nil
	}
}

// SetPosition places a worker. Used for initial placement before the first
// assignment.
func (p *Pool) SetPosition(workerID int, pos geo.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.byIDLocked(workerID); w != nil {
		w.pos = pos
	}
}

// AccountOf reports the account currently bound to the worker.
func (p *Pool) AccountOf(workerID int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.byIDLocked(workerID)
	if w == nil || w.account.Username == "" {
		return "", false
	}
	return w.account.Username, true
}

// EmptyStreak reports the consecutive empty-visit count for a worker.
func (p *Pool) EmptyStreak(workerID int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w := p.byIDLocked(workerID); w != nil {
		return w.emptyStreak
	}
	return 0
}

// SwapForEmptyVisits rotates a worker's account after a run of successful
// but empty scans, which usually means the account is shadow-limited.
func (p *Pool) SwapForEmptyVisits(workerID int) error {
	p.mu.Lock()
	w := p.byIDLocked(workerID)
	if w == nil {
		p.mu.Unlock()
		return ErrUnknownWorker
	}
	streak := w.emptyStreak
	p.mu.Unlock()

	// Without a spare account the swap would only retire the worker. Reset
	// the streak and let it keep scanning on the account it has.
	if p.accounts.Available() == 0 {
		p.mu.Lock()
		w.emptyStreak = 0
		p.mu.Unlock()
		return nil
	}

	p.mu.Lock()
	p.emptySwaps++
	p.mu.Unlock()
	p.log.Info("swapping account after empty visits",
		logx.Int("worker", workerID),
		logx.Int("empty_streak", streak),
	)
	return p.Restart(workerID)
}

// ReviewLeastProductive rotates the account of the worker with the lowest
// sightings-per-minute rate. At most one swap per call, and only for workers
// bound long enough to have a meaningful rate.
func (p *Pool) ReviewLeastProductive(minRuntime time.Duration) (int, bool) {
	// A rotation needs something to rotate onto.
	if p.accounts.Available() == 0 {
		return 0, false
	}
	p.mu.Lock()

	now := p.now()
	var worst *worker
	var worstRate float64
	for _, w := range p.workers {
		if w.status == StatusRetired || w.status == StatusRecovering {
			continue
		}
		runtime := now.Sub(w.boundAt)
		if runtime < minRuntime {
			continue
		}
		rate := float64(w.sightings) / runtime.Minutes()
		if worst == nil || rate < worstRate {
			worst = w
			worstRate = rate
		}
	}
	if worst == nil {
		p.mu.Unlock()
		return 0, false
	}
	id := worst.id
	p.mu.Unlock()

	p.log.Info("rotating least productive worker",
		logx.Int("worker", id),
		logx.Float64("sightings_per_min", worstRate),
	)
	if err := p.Restart(id); err != nil {
		return id, false
	}
	return id, true
}

func (p *Pool) byIDLocked(id int) *worker {
	if id < 0 || id >= len(p.workers) {
		return nil
	}
	return p.workers[id]
}

// Stats summarizes the fleet for the status snapshot.
type Stats struct {
	Size       int    `json:"size"`
	Idle       int    `json:"idle"`
	Traveling  int    `json:"traveling"`
	Visiting   int    `json:"visiting"`
	Recovering int    `json:"recovering"`
	Retired    int    `json:"retired"`
	Visits     uint64 `json:"visits"`
	Skips      uint64 `json:"skips"`
	EmptySwaps uint64 `json:"empty_swaps"`
}

func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		Size:       len(p.workers),
		Visits:     p.visits,
		Skips:      p.skips,
		EmptySwaps: p.emptySwaps,
	}
	for _, w := range p.workers {
		switch w.status {
		case StatusIdle:
			st.Idle++
		case StatusTraveling:
			st.Traveling++
		case StatusVisiting:
			st.Visiting++
		case StatusRecovering:
			st.Recovering++
		case StatusRetired:
			st.Retired++
		}
	}
	return st
}
