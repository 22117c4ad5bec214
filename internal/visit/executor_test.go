package visit

import (
	"context"
	"errors"
	"testing"
	"time"

	"spawnscout/internal/catalog"
	"spawnscout/internal/client"
	"spawnscout/internal/geo"
	logx "spawnscout/pkg/logx"
)

type fakeSession struct{ name string }

func (s fakeSession) Account() string { return s.name }

type fakeClient struct {
	scan func(ctx context.Context, pos geo.Point) (client.ScanResult, error)
}

func (f *fakeClient) Login(ctx context.Context, creds client.Credentials) (client.Session, error) {
	return fakeSession{name: creds.Username}, nil
}

func (f *fakeClient) Scan(ctx context.Context, sess client.Session, pos geo.Point) (client.ScanResult, error) {
	return f.scan(ctx, pos)
}

func newTestExecutor(fc *fakeClient) (*Executor, *catalog.Catalog) {
	cat := catalog.New(catalog.Options{CycleLength: time.Hour})
	ex := NewExecutor(fc, cat, nil, 5*time.Second, logx.Nop())
	return ex, cat
}

func TestVisitSuccessUpdatesCatalog(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	spawnPos := geo.Point{Lat: 40.0, Lon: -74.0}
	fc := &fakeClient{scan: func(ctx context.Context, pos geo.Point) (client.ScanResult, error) {
		return client.ScanResult{Spawns: []client.SpawnObservation{
			{Pos: spawnPos, ExpiresAt: now.Add(10 * time.Minute)},
		}}, nil
	}}
	ex, cat := newTestExecutor(fc)
	ex.SetClock(func() time.Time { return now })

	res := ex.Visit(context.Background(), fakeSession{name: "a"}, spawnPos)
	if res.Outcome != OutcomeVisited {
		t.Fatalf("outcome = %v, want visited", res.Outcome)
	}
	if res.Sightings != 1 || res.Empty {
		t.Fatalf("sightings = %d, empty = %v; want 1, false", res.Sightings, res.Empty)
	}

	sp, ok := cat.Get(catalog.PointID(spawnPos))
	if !ok {
		t.Fatalf("spawn point not recorded")
	}
	if sp.Confidence != catalog.ConfidenceEstimated {
		t.Fatalf("confidence = %v, want estimated", sp.Confidence)
	}
}

func TestVisitEmpty(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{scan: func(ctx context.Context, pos geo.Point) (client.ScanResult, error) {
		return client.ScanResult{}, nil
	}}
	ex, _ := newTestExecutor(fc)

	res := ex.Visit(context.Background(), fakeSession{}, geo.Point{})
	if res.Outcome != OutcomeVisited || !res.Empty {
		t.Fatalf("got outcome=%v empty=%v, want visited/empty", res.Outcome, res.Empty)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Outcome
		hint time.Duration
	}{
		{name: "nil", err: nil, want: OutcomeVisited},
		{name: "challenged", err: client.ErrChallenged, want: OutcomeChallenged},
		{name: "wrapped challenged", err: errors.Join(errors.New("scan"), client.ErrChallenged), want: OutcomeChallenged},
		{name: "banned", err: client.ErrBanned, want: OutcomeBanned},
		{name: "rate limited", err: &client.RateLimitedError{RetryAfter: time.Minute}, want: OutcomeRateLimited, hint: time.Minute},
		{name: "protocol", err: &client.ProtocolError{Reason: "bad shape"}, want: OutcomeProtocolError},
		{name: "auth failed", err: client.ErrAuthFailed, want: OutcomeTransient},
		{name: "timeout", err: context.DeadlineExceeded, want: OutcomeTransient},
		{name: "plain", err: errors.New("conn reset"), want: OutcomeTransient},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, hint := Classify(tc.err)
			if got != tc.want || hint != tc.hint {
				t.Fatalf("Classify(%v) = (%v, %v), want (%v, %v)", tc.err, got, hint, tc.want, tc.hint)
			}
		})
	}
}

func TestVisitTimeoutDegradesToTransient(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{scan: func(ctx context.Context, pos geo.Point) (client.ScanResult, error) {
		<-ctx.Done()
		return client.ScanResult{}, ctx.Err()
	}}
	cat := catalog.New(catalog.Options{CycleLength: time.Hour})
	ex := NewExecutor(fc, cat, nil, 20*time.Millisecond, logx.Nop())

	res := ex.Visit(context.Background(), fakeSession{}, geo.Point{})
	if res.Outcome != OutcomeTransient {
		t.Fatalf("outcome = %v, want transient", res.Outcome)
	}
	if res.Err == nil {
		t.Fatalf("timeout result must carry the error")
	}
}
