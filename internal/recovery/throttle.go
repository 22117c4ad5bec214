package recovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle is the process-wide visit gate: a steady-state rate cap plus a
// pause window applied after rate-limit responses. Workers call Wait before
// every scan.
type Throttle struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time

	limiter *rate.Limiter // nil when uncapped
}

// NewThrottle builds the gate. scansPerSec of 0 disables the steady-state
// cap; pauses still apply.
func NewThrottle(scansPerSec float64) *Throttle {
	t := &Throttle{now: time.Now}
	if scansPerSec > 0 {
		burst := int(scansPerSec)
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(scansPerSec), burst)
	}
	return t
}

// SetClock overrides the time source. Test hook; affects only the pause
// window, not the limiter.
func (t *Throttle) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Pause blocks all new visits for d from now. Overlapping pauses extend,
// never shorten.
func (t *Throttle) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	until := t.now().Add(d)
	if until.After(t.until) {
		t.until = until
	}
}

// Until reports when the current pause window ends (zero when none).
func (t *Throttle) Until() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.until
}

// Wait blocks until the pause window has passed and a rate token is
// available, or ctx is done.
func (t *Throttle) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		d := t.until.Sub(t.now())
		t.mu.Unlock()
		if d <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	if t.limiter != nil {
		return t.limiter.Wait(ctx)
	}
	return nil
}
