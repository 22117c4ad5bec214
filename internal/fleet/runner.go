package fleet

import (
	"context"
	"time"

	"spawnscout/internal/client"
	"spawnscout/internal/geo"
	"spawnscout/internal/visit"
	logx "spawnscout/pkg/logx"
)

// RunWorker drives one worker until ctx is cancelled. One goroutine per
// worker, run under the supervisor; a worker waiting on travel or a scan
// never blocks its peers.
func (p *Pool) RunWorker(ctx context.Context, workerID int) error {
	p.mu.Lock()
	w := p.byIDLocked(workerID)
	p.mu.Unlock()
	if w == nil {
		return ErrUnknownWorker
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-w.tasks:
			p.execute(ctx, w, t)
		}
	}
}

func (p *Pool) execute(ctx context.Context, w *worker, t Task) {
	p.mu.Lock()
	from := w.pos
	lastScan := w.lastScan
	p.mu.Unlock()

	// Simulated travel at the speed limit, plus the per-worker scan delay.
	wait := time.Duration(geo.Distance(from, t.Pos) / p.speedLimit * float64(time.Second))
	if since := p.now().Sub(lastScan); !lastScan.IsZero() && since < p.scanDelay {
		if d := p.scanDelay - since; d > wait {
			wait = d
		}
	}
	if wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	// Process-wide throttle gate (rate-limit recovery, global scan rate).
	if p.gate != nil {
		if err := p.gate.Wait(ctx); err != nil {
			return
		}
	}

	// Deadline passed while traveling or throttled: discard, never retry.
	if !t.Deadline.IsZero() && p.now().After(t.Deadline) {
		p.mu.Lock()
		w.pos = t.Pos
		p.skips++
		p.mu.Unlock()
		p.log.Debug("task expired before visit",
			logx.Int("worker", w.id),
			logx.String("target", t.TargetID),
		)
		p.Complete(w.id)
		return
	}

	sess, res, ok := p.sessionFor(ctx, w)
	if !ok {
		// Login failed, but the travel already happened: keep the position so
		// the next dispatch prices this worker from where it stands. The
		// recovery controller decides what happens to the worker.
		p.mu.Lock()
		w.pos = t.Pos
		p.mu.Unlock()
		p.report(ctx, w.id, t, res)
		return
	}

	p.mu.Lock()
	w.status = StatusVisiting
	p.mu.Unlock()

	res = p.exec.Visit(ctx, sess, t.Pos)

	p.mu.Lock()
	w.pos = t.Pos
	w.lastScan = p.now()
	switch res.Outcome {
	case visit.OutcomeVisited:
		p.visits++
		if res.Empty {
			w.emptyStreak++
		} else {
			w.emptyStreak = 0
			w.sightings += res.Sightings
		}
	case visit.OutcomeChallenged, visit.OutcomeBanned:
		w.sess = nil
	}
	p.mu.Unlock()

	p.report(ctx, w.id, t, res)
}

// sessionFor returns the worker's session, logging in first when needed.
// On login failure it returns the classified result with ok=false.
func (p *Pool) sessionFor(ctx context.Context, w *worker) (client.Session, visit.Result, bool) {
	p.mu.Lock()
	if w.sess != nil {
		s := w.sess
		p.mu.Unlock()
		return s, visit.Result{}, true
	}
	acc := w.account
	p.mu.Unlock()

	sess, err := p.exec.Login(ctx, client.Credentials{
		Username: acc.Username,
		Password: acc.Password,
		Provider: acc.Provider,
	})
	if err != nil {
		outcome, hint := visit.Classify(err)
		p.log.Warn("login failed",
			logx.Int("worker", w.id),
			logx.String("account", acc.Username),
			logx.String("outcome", outcome.String()),
			logx.Err(err),
		)
		return nil, visit.Result{Outcome: outcome, RetryAfter: hint, Err: err}, false
	}

	p.mu.Lock()
	w.sess = sess
	p.mu.Unlock()
	return sess, visit.Result{}, true
}

func (p *Pool) report(ctx context.Context, workerID int, t Task, res visit.Result) {
	if p.handler != nil {
		p.handler(ctx, workerID, t, res)
		return
	}
	p.Complete(workerID)
}
