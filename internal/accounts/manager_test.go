package accounts

import (
	"errors"
	"testing"
	"time"

	"spawnscout/internal/config"
	logx "spawnscout/pkg/logx"
)

func pool(names ...string) []config.AccountConfig {
	out := make([]config.AccountConfig, 0, len(names))
	for _, n := range names {
		out = append(out, config.AccountConfig{Username: n, Password: "pw"})
	}
	return out
}

func TestAcquireLRU(t *testing.T) {
	t.Parallel()

	m := NewManager(pool("a", "b", "c"), logx.Nop())
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	// Fresh pool: insertion order breaks the all-zero LastUsed tie.
	a1, err := m.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a1.Username != "a" {
		t.Fatalf("first acquire = %q, want a", a1.Username)
	}

	// Release "a", advance the clock, acquire twice: b and c go out before
	// the recently used a comes back.
	if err := m.Release("a", a1.Binding); err != nil {
		t.Fatalf("release: %v", err)
	}
	now = base.Add(time.Minute)
	a2, _ := m.Acquire()
	a3, _ := m.Acquire()
	if a2.Username != "b" || a3.Username != "c" {
		t.Fatalf("acquired %q, %q; want b, c", a2.Username, a3.Username)
	}

	a4, err := m.Acquire()
	if err != nil {
		t.Fatalf("acquire after releases: %v", err)
	}
	if a4.Username != "a" {
		t.Fatalf("LRU pick = %q, want a", a4.Username)
	}
}

func TestAcquireExhaustion(t *testing.T) {
	t.Parallel()

	m := NewManager(pool("a"), logx.Nop())
	if _, err := m.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire(); !errors.Is(err, ErrNoAccountAvailable) {
		t.Fatalf("second acquire err = %v, want ErrNoAccountAvailable", err)
	}
}

func TestBannedNeverReissued(t *testing.T) {
	t.Parallel()

	m := NewManager(pool("a", "b"), logx.Nop())
	if err := m.MarkBanned("a"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	for i := 0; i < 3; i++ {
		acc, err := m.Acquire()
		if err == nil && acc.Username == "a" {
			t.Fatalf("banned account reissued on attempt %d", i)
		}
		if err == nil {
			_ = m.Release(acc.Username, acc.Binding)
		}
	}
	// Resolve and cooldown expiry must not resurrect a ban.
	_ = m.Resolve("a")
	_ = m.MarkCooldown("a", time.Time{})
	m.ReleaseCooldowns()
	st := m.Snapshot()
	if st.Banned != 1 {
		t.Fatalf("banned count = %d, want 1", st.Banned)
	}
}

func TestChallengedUntilResolved(t *testing.T) {
	t.Parallel()

	m := NewManager(pool("a"), logx.Nop())
	if _, err := m.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.MarkChallenged("a"); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if _, err := m.Acquire(); !errors.Is(err, ErrNoAccountAvailable) {
		t.Fatalf("challenged account still issuable: err = %v", err)
	}
	if err := m.Resolve("a"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	acc, err := m.Acquire()
	if err != nil || acc.Username != "a" {
		t.Fatalf("post-resolve acquire = (%q, %v), want a", acc.Username, err)
	}
}

func TestStaleReleaseIgnored(t *testing.T) {
	t.Parallel()

	m := NewManager(pool("a"), logx.Nop())
	first, err := m.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Bench and resolve: the manager takes the binding back while the old
	// holder still has its copy of the grant.
	if err := m.MarkChallenged("a"); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if err := m.Resolve("a"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := m.Acquire()
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}

	// A release carrying the superseded token must not free the new grant.
	if err := m.Release(first.Username, first.Binding); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, err := m.Acquire(); !errors.Is(err, ErrNoAccountAvailable) {
		t.Fatalf("stale release freed the account: err = %v", err)
	}

	// The current holder's release still works.
	if err := m.Release(second.Username, second.Binding); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestCooldownRelease(t *testing.T) {
	t.Parallel()

	m := NewManager(pool("a"), logx.Nop())
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.SetClock(func() time.Time { return now })

	if err := m.MarkCooldown("a", base.Add(10*time.Minute)); err != nil {
		t.Fatalf("cooldown: %v", err)
	}
	if _, err := m.Acquire(); !errors.Is(err, ErrNoAccountAvailable) {
		t.Fatalf("cooling account still issuable: err = %v", err)
	}

	now = base.Add(11 * time.Minute)
	acc, err := m.Acquire()
	if err != nil || acc.Username != "a" {
		t.Fatalf("post-cooldown acquire = (%q, %v), want a", acc.Username, err)
	}
}

func TestUnknownAccount(t *testing.T) {
	t.Parallel()

	m := NewManager(pool("a"), logx.Nop())
	if err := m.MarkBanned("ghost"); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("err = %v, want ErrUnknownAccount", err)
	}
}
