package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spawnscout/internal/accounts"
	"spawnscout/internal/catalog"
	"spawnscout/internal/client"
	"spawnscout/internal/config"
	"spawnscout/internal/geo"
	"spawnscout/internal/visit"
	logx "spawnscout/pkg/logx"
)

type fakeSession struct{ name string }

func (s fakeSession) Account() string { return s.name }

type fakeClient struct {
	mu    sync.Mutex
	scans int
	err   error
	obs   []client.SpawnObservation
}

func (f *fakeClient) Login(ctx context.Context, creds client.Credentials) (client.Session, error) {
	return fakeSession{name: creds.Username}, nil
}

func (f *fakeClient) Scan(ctx context.Context, sess client.Session, pos geo.Point) (client.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	if f.err != nil {
		return client.ScanResult{}, f.err
	}
	return client.ScanResult{Spawns: f.obs}, nil
}

func (f *fakeClient) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func accountPool(names ...string) *accounts.Manager {
	cfgs := make([]config.AccountConfig, 0, len(names))
	for _, n := range names {
		cfgs = append(cfgs, config.AccountConfig{Username: n, Password: "pw"})
	}
	return accounts.NewManager(cfgs, logx.Nop())
}

func newTestPool(t *testing.T, size int, cl client.Client, names ...string) *Pool {
	t.Helper()
	cat := catalog.New(catalog.Options{CycleLength: time.Hour})
	exec := visit.NewExecutor(cl, cat, nil, time.Second, logx.Nop())
	return NewPool(Options{
		Size:       size,
		SpeedLimit: 10,
		ScanDelay:  time.Millisecond,
		Origin:     geo.Point{Lat: 1, Lon: 1},
		Accounts:   accountPool(names...),
		Executor:   exec,
		Logger:     logx.Nop(),
	})
}

func TestBindAndExclusiveAccounts(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 3, &fakeClient{}, "a", "b")
	if got := p.Bind(); got != 2 {
		t.Fatalf("bound = %d, want 2 (only two accounts)", got)
	}
	st := p.Snapshot()
	if st.Idle != 2 || st.Retired != 1 {
		t.Fatalf("snapshot = %+v, want 2 idle / 1 retired", st)
	}

	seen := map[string]int{}
	for _, w := range p.IdleWorkers() {
		seen[w.Account]++
	}
	for acc, n := range seen {
		if n != 1 {
			t.Fatalf("account %q bound to %d workers", acc, n)
		}
	}
}

func TestAssignTransitions(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1, &fakeClient{}, "a")
	p.Bind()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	task := NewTask("sp1", geo.Point{Lat: 1, Lon: 1}, now.Add(time.Minute), false, now)
	if err := p.Assign(0, task); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := p.Assign(0, task); !errors.Is(err, ErrWorkerBusy) {
		t.Fatalf("double assign err = %v, want ErrWorkerBusy", err)
	}
	if len(p.IdleWorkers()) != 0 {
		t.Fatalf("assigned worker still idle")
	}

	p.Complete(0)
	if len(p.IdleWorkers()) != 1 {
		t.Fatalf("completed worker not idle")
	}
}

func TestAssignRejectsPastDeadline(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1, &fakeClient{}, "a")
	p.Bind()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })

	task := NewTask("sp1", geo.Point{}, now.Add(-time.Second), false, now)
	if err := p.Assign(0, task); !errors.Is(err, ErrPastDeadline) {
		t.Fatalf("err = %v, want ErrPastDeadline", err)
	}
}

func TestRestartPreservesPosition(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1, &fakeClient{}, "a", "b")
	p.Bind()

	p.mu.Lock()
	p.workers[0].pos = geo.Point{Lat: 5, Lon: 6}
	p.mu.Unlock()

	if err := p.Restart(0); err != nil {
		t.Fatalf("restart: %v", err)
	}
	ws := p.IdleWorkers()
	if len(ws) != 1 {
		t.Fatalf("worker not idle after restart")
	}
	if ws[0].Account != "b" {
		t.Fatalf("account after restart = %q, want b", ws[0].Account)
	}
	if ws[0].Pos != (geo.Point{Lat: 5, Lon: 6}) {
		t.Fatalf("restart moved the worker: %v", ws[0].Pos)
	}
}

func TestRestartWithoutAccountsRetires(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1, &fakeClient{}, "a")
	p.Bind()

	err := p.Restart(0)
	if !errors.Is(err, accounts.ErrNoAccountAvailable) {
		t.Fatalf("err = %v, want ErrNoAccountAvailable", err)
	}
	if st := p.Snapshot(); st.Retired != 1 {
		t.Fatalf("worker not retired: %+v", st)
	}

	// The released account is reacquirable on the next Bind.
	if got := p.Bind(); got != 1 {
		t.Fatalf("rebind = %d, want 1", got)
	}
}

func TestRunWorkerExecutesTask(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{obs: []client.SpawnObservation{{Pos: geo.Point{Lat: 1, Lon: 1}}}}
	p := newTestPool(t, 1, fc, "a")
	p.Bind()

	results := make(chan visit.Result, 1)
	p.OnResult(func(ctx context.Context, workerID int, task Task, res visit.Result) {
		p.Complete(workerID)
		results <- res
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.RunWorker(ctx, 0)
	}()

	now := time.Now()
	task := NewTask("sp1", geo.Point{Lat: 1, Lon: 1}, now.Add(time.Minute), false, now)
	if err := p.Assign(0, task); err != nil {
		t.Fatalf("assign: %v", err)
	}

	select {
	case res := <-results:
		if res.Outcome != visit.OutcomeVisited || res.Sightings != 1 {
			t.Fatalf("result = %+v, want visited with 1 sighting", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no result before timeout")
	}
	if fc.scanCount() != 1 {
		t.Fatalf("scan count = %d, want 1", fc.scanCount())
	}
	if len(p.IdleWorkers()) != 1 {
		t.Fatalf("worker not idle after completed visit")
	}

	cancel()
	<-done
}

type failingLoginClient struct{ fakeClient }

func (f *failingLoginClient) Login(ctx context.Context, creds client.Credentials) (client.Session, error) {
	return nil, errors.New("login refused")
}

func TestLoginFailureAdvancesPosition(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, 1, &failingLoginClient{}, "a")
	p.Bind()

	results := make(chan visit.Result, 1)
	p.OnResult(func(ctx context.Context, workerID int, task Task, res visit.Result) {
		p.Complete(workerID)
		results <- res
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.RunWorker(ctx, 0) }()

	now := time.Now()
	target := geo.Offset(geo.Point{Lat: 1, Lon: 1}, 5, 0)
	task := NewTask("sp1", target, now.Add(time.Minute), false, now)
	if err := p.Assign(0, task); err != nil {
		t.Fatalf("assign: %v", err)
	}

	select {
	case res := <-results:
		if res.Outcome != visit.OutcomeTransient {
			t.Fatalf("outcome = %v, want transient", res.Outcome)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no result before timeout")
	}

	// The simulated travel happened even though the login failed, so the
	// next dispatch must price this worker from the target, not the origin.
	ws := p.IdleWorkers()
	if len(ws) != 1 {
		t.Fatalf("worker not idle after login failure")
	}
	if ws[0].Pos != target {
		t.Fatalf("pos after failed login = %v, want %v", ws[0].Pos, target)
	}
}

func TestRunWorkerSkipsExpiredTask(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	p := newTestPool(t, 1, fc, "a")
	p.Bind()

	idle := make(chan struct{}, 1)
	p.OnIdle(func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.RunWorker(ctx, 0) }()

	// Deadline valid at assignment, expired by arrival: the 3m hop takes
	// ~300ms of simulated travel at 10 m/s, past the 50ms deadline.
	now := time.Now()
	target := geo.Offset(geo.Point{Lat: 1, Lon: 1}, 3, 0)
	task := NewTask("sp1", target, now.Add(50*time.Millisecond), false, now)
	if err := p.Assign(0, task); err != nil {
		t.Fatalf("assign: %v", err)
	}

	select {
	case <-idle:
	case <-time.After(3 * time.Second):
		t.Fatalf("worker never returned to idle")
	}
	if fc.scanCount() != 0 {
		t.Fatalf("expired task was scanned")
	}
	if st := p.Snapshot(); st.Skips != 1 {
		t.Fatalf("skips = %d, want 1", st.Skips)
	}
}
