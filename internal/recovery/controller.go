// Package recovery reacts to visit outcomes: retry backoff with escalation,
// account benching and rotation, and process-wide throttling. It owns every
// retry decision; executors and workers only classify and report.
package recovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"spawnscout/internal/accounts"
	"spawnscout/internal/client"
	"spawnscout/internal/eventbus"
	"spawnscout/internal/fleet"
	"spawnscout/internal/visit"
	logx "spawnscout/pkg/logx"
)

type Config struct {
	// TransientRetryMax escalates to a worker restart after this many
	// consecutive transient failures.
	TransientRetryMax int

	// ProtocolRetryMax is the reduced ceiling for protocol errors.
	ProtocolRetryMax int

	BackoffBase time.Duration
	BackoffMax  time.Duration

	// EmptyVisitLimit rotates the account after this many consecutive
	// successful but empty scans.
	EmptyVisitLimit int

	// CooldownDefault benches the outgoing account when a failure ceiling
	// forces a restart, so the next Acquire prefers rested credentials.
	CooldownDefault time.Duration

	// ThrottleWindow is the fallback pause after a rate limit when neither
	// the server nor the quota collaborator provides a better size.
	ThrottleWindow time.Duration
}

type Controller struct {
	cfg      Config
	accounts *accounts.Manager
	pool     *fleet.Pool
	quota    client.QuotaSource // optional
	throttle *Throttle
	bus      eventbus.Bus // optional
	log      logx.Logger

	mu       sync.Mutex
	failures map[int]int    // consecutive retryable failures per worker
	parked   map[string]int // challenged account -> worker waiting on Resolve
	rng      *rand.Rand
	now      func() time.Time
}

func NewController(cfg Config, am *accounts.Manager, pool *fleet.Pool, quota client.QuotaSource, throttle *Throttle, log logx.Logger) *Controller {
	if cfg.TransientRetryMax <= 0 {
		cfg.TransientRetryMax = 3
	}
	if cfg.ProtocolRetryMax <= 0 {
		cfg.ProtocolRetryMax = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.EmptyVisitLimit <= 0 {
		cfg.EmptyVisitLimit = 3
	}
	if cfg.CooldownDefault <= 0 {
		cfg.CooldownDefault = 15 * time.Minute
	}
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		cfg:      cfg,
		accounts: am,
		pool:     pool,
		quota:    quota,
		throttle: throttle,
		log:      log,
		failures: make(map[int]int),
		parked:   make(map[string]int),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// SetBus attaches an event bus for lifecycle notifications.
func (c *Controller) SetBus(bus eventbus.Bus) { c.bus = bus }

func (c *Controller) publish(typ string, data any) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// HandleResult is installed as the pool's result handler. It consumes the
// outcome taxonomy exhaustively; an unhandled outcome is a bug.
func (c *Controller) HandleResult(ctx context.Context, workerID int, task fleet.Task, res visit.Result) {
	c.publish(eventbus.TypeVisit, eventbus.VisitEvent{
		WorkerID:  workerID,
		Outcome:   res.Outcome.String(),
		Sightings: res.Sightings,
		Empty:     res.Empty,
		Elapsed:   res.Elapsed,
	})

	switch res.Outcome {
	case visit.OutcomeVisited:
		c.onVisited(workerID)
	case visit.OutcomeTransient:
		c.onRetryable(ctx, workerID, task, res, c.cfg.TransientRetryMax)
	case visit.OutcomeProtocolError:
		// Possible upstream protocol drift: keep it visible and retry with
		// the reduced ceiling.
		c.log.Warn("protocol error from client",
			logx.Int("worker", workerID),
			logx.Err(res.Err),
		)
		c.onRetryable(ctx, workerID, task, res, c.cfg.ProtocolRetryMax)
	case visit.OutcomeChallenged:
		c.onChallenged(workerID)
	case visit.OutcomeBanned:
		c.onBanned(workerID)
	case visit.OutcomeRateLimited:
		c.onRateLimited(workerID, res.RetryAfter)
	default:
		c.log.Error("unhandled visit outcome",
			logx.Int("worker", workerID),
			logx.String("outcome", res.Outcome.String()),
		)
		c.pool.Complete(workerID)
	}
}

func (c *Controller) onVisited(workerID int) {
	c.mu.Lock()
	delete(c.failures, workerID)
	c.mu.Unlock()

	if c.pool.EmptyStreak(workerID) >= c.cfg.EmptyVisitLimit {
		if err := c.pool.SwapForEmptyVisits(workerID); err != nil {
			return // retired; nothing to wake
		}
	}
	c.pool.Complete(workerID)
}

func (c *Controller) onRetryable(ctx context.Context, workerID int, task fleet.Task, res visit.Result, ceiling int) {
	c.mu.Lock()
	c.failures[workerID]++
	n := c.failures[workerID]
	if n >= ceiling {
		delete(c.failures, workerID)
	}
	c.mu.Unlock()

	if n >= ceiling {
		c.log.Warn("failure ceiling reached; restarting worker",
			logx.Int("worker", workerID),
			logx.Int("failures", n),
		)
		// Bench the outgoing account; a string of failures often means the
		// account needs rest, not just the session.
		if acc, ok := c.pool.AccountOf(workerID); ok {
			_ = c.accounts.MarkCooldown(acc, c.now().Add(c.cfg.CooldownDefault))
		}
		if err := c.pool.Restart(workerID); err == nil {
			c.publish(eventbus.TypeWorkerRestarted, eventbus.WorkerEvent{WorkerID: workerID, Reason: "failure ceiling"})
			c.pool.Complete(workerID)
		}
		return
	}

	delay := c.backoffDelay(n, res.RetryAfter)
	c.pool.Recovering(workerID)
	c.log.Debug("transient failure; backing off",
		logx.Int("worker", workerID),
		logx.Int("attempt", n),
		logx.Duration("delay", delay),
	)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		c.pool.Complete(workerID)
		// Retry the same target while its window is still open. Expired or
		// exploration targets fall back to normal scheduling.
		if !task.Deadline.IsZero() && task.Deadline.After(c.now()) {
			_ = c.pool.Assign(workerID, task)
		}
	}()
}

func (c *Controller) onChallenged(workerID int) {
	acc, ok := c.pool.AccountOf(workerID)
	if ok {
		_ = c.accounts.MarkChallenged(acc)
		c.mu.Lock()
		c.parked[acc] = workerID
		c.mu.Unlock()
		// The manager took the binding back; drop the worker's stale copy so
		// a later restart cannot release the account out from under whoever
		// holds it next.
		c.pool.DropAccount(workerID)
		c.publish(eventbus.TypeAccountChallenged, eventbus.AccountEvent{Username: acc, WorkerID: workerID})
	}
	c.pool.Recovering(workerID)
}

func (c *Controller) onBanned(workerID int) {
	if acc, ok := c.pool.AccountOf(workerID); ok {
		_ = c.accounts.MarkBanned(acc)
		c.pool.DropAccount(workerID)
		c.publish(eventbus.TypeAccountBanned, eventbus.AccountEvent{Username: acc, WorkerID: workerID})
	}
	// The worker slot survives; only the account is gone for good.
	if err := c.pool.Restart(workerID); err == nil {
		c.pool.Complete(workerID)
	}
}

func (c *Controller) onRateLimited(workerID int, hint time.Duration) {
	window := hint
	if window <= 0 && c.quota != nil && c.quota.RemainingQuota() <= 0 {
		window = c.quota.Window()
	}
	if window <= 0 {
		window = c.cfg.ThrottleWindow
	}
	c.log.Warn("rate limited; pausing all visits",
		logx.Int("worker", workerID),
		logx.Duration("window", window),
	)
	c.throttle.Pause(window)
	c.publish(eventbus.TypeThrottle, eventbus.ThrottleEvent{Window: window, Until: c.throttle.Until()})
	// No account penalty: the quota is shared.
	c.pool.Complete(workerID)
}

// Resolve is the inbound challenge-resolution signal. The account returns to
// the healthy pool, the worker parked on it restarts onto whatever account
// the manager hands out, and retired workers get another chance too, since
// the pool just grew.
func (c *Controller) Resolve(username string) error {
	if err := c.accounts.Resolve(username); err != nil {
		return err
	}
	c.publish(eventbus.TypeAccountResolved, eventbus.AccountEvent{Username: username})

	c.mu.Lock()
	workerID, parked := c.parked[username]
	if parked {
		delete(c.parked, username)
	}
	c.mu.Unlock()
	if parked {
		if err := c.pool.Restart(workerID); err == nil {
			c.pool.Complete(workerID)
		}
	}
	c.pool.Bind()
	return nil
}

// backoffDelay grows exponentially with jitter; a server hint overrides when
// it asks for longer.
func (c *Controller) backoffDelay(attempt int, hint time.Duration) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.BackoffMax {
			d = c.cfg.BackoffMax
			break
		}
	}
	c.mu.Lock()
	jitter := time.Duration(c.rng.Int63n(int64(d/4) + 1))
	c.mu.Unlock()
	d += jitter
	if hint > d {
		d = hint
	}
	return d
}
