// Package visit performs a single scan visit: call the client, classify the
// result, fold sightings into the catalog, queue persistence. Retry policy
// lives with the recovery controller, never here.
package visit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spawnscout/internal/catalog"
	"spawnscout/internal/client"
	"spawnscout/internal/geo"
	"spawnscout/internal/storage"
	logx "spawnscout/pkg/logx"
)

// Outcome is the closed classification of one visit. The recovery controller
// consumes it exhaustively.
type Outcome uint8

const (
	OutcomeVisited Outcome = iota
	OutcomeTransient
	OutcomeChallenged
	OutcomeBanned
	OutcomeRateLimited
	OutcomeProtocolError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeVisited:
		return "visited"
	case OutcomeTransient:
		return "transient"
	case OutcomeChallenged:
		return "challenged"
	case OutcomeBanned:
		return "banned"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeProtocolError:
		return "protocol_error"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Result reports one visit.
type Result struct {
	Outcome   Outcome
	Sightings int
	Empty     bool // visited successfully but saw nothing

	// Elapsed is the scan call duration, successful or not.
	Elapsed time.Duration

	// RetryAfter carries a server-provided rate-limit hint, when present.
	RetryAfter time.Duration

	Err error
}

// Classify maps a client error to an outcome plus an optional retry hint.
func Classify(err error) (Outcome, time.Duration) {
	switch {
	case err == nil:
		return OutcomeVisited, 0
	case errors.Is(err, client.ErrChallenged):
		return OutcomeChallenged, 0
	case errors.Is(err, client.ErrBanned):
		return OutcomeBanned, 0
	}
	var rl *client.RateLimitedError
	if errors.As(err, &rl) {
		return OutcomeRateLimited, rl.RetryAfter
	}
	var pe *client.ProtocolError
	if errors.As(err, &pe) {
		return OutcomeProtocolError, 0
	}
	// Auth failures, timeouts, network errors: all retryable.
	return OutcomeTransient, 0
}

type Executor struct {
	client  client.Client
	cat     *catalog.Catalog
	rec     *storage.Recorder
	timeout time.Duration
	log     logx.Logger
	now     func() time.Time
}

func NewExecutor(c client.Client, cat *catalog.Catalog, rec *storage.Recorder, timeout time.Duration, log logx.Logger) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		client:  c,
		cat:     cat,
		rec:     rec,
		timeout: timeout,
		log:     log,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// SetRecorder attaches the persistence recorder. Allowed before any visit
// runs; the app wires storage after the executor exists.
func (e *Executor) SetRecorder(rec *storage.Recorder) { e.rec = rec }

// Login authenticates the credentials, bounded by the configured timeout.
// Errors classify the same way scan errors do.
func (e *Executor) Login(ctx context.Context, creds client.Credentials) (client.Session, error) {
	lctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.client.Login(lctx, creds)
}

// Visit scans pos with the given session, bounded by the configured timeout.
// One call, one classification, no internal retries.
func (e *Executor) Visit(ctx context.Context, sess client.Session, pos geo.Point) Result {
	vctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res, err := e.client.Scan(vctx, sess, pos)
	elapsed := time.Since(start)
	if err != nil {
		outcome, hint := Classify(err)
		return Result{Outcome: outcome, Elapsed: elapsed, RetryAfter: hint, Err: err}
	}

	now := e.now()
	for _, obs := range res.Spawns {
		sp := e.cat.Upsert(catalog.Observation{
			Pos:       obs.Pos,
			SeenAt:    now,
			ExpiresAt: obs.ExpiresAt,
		})
		e.rec.SaveSighting(storage.Sighting{
			SpawnID:   sp.ID,
			Pos:       obs.Pos,
			SeenAt:    now,
			ExpiresAt: obs.ExpiresAt,
		})
		e.rec.SaveSpawnPoint(sp)
	}

	return Result{
		Outcome:   OutcomeVisited,
		Sightings: len(res.Spawns),
		Empty:     len(res.Spawns) == 0,
		Elapsed:   elapsed,
	}
}
