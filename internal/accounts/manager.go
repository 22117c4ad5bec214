// Package accounts tracks credential health and issues exclusive account
// bindings to workers.
package accounts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"spawnscout/internal/config"
	logx "spawnscout/pkg/logx"
)

// ErrNoAccountAvailable signals an empty healthy pool. Callers retire the
// requesting worker instead of crashing.
var ErrNoAccountAvailable = errors.New("accounts: no healthy account available")

var ErrUnknownAccount = errors.New("accounts: unknown account")

type State uint8

const (
	StateHealthy State = iota
	StateCooldown
	StateCaptchaPending
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateCooldown:
		return "cooldown"
	case StateCaptchaPending:
		return "captcha_pending"
	case StateBanned:
		return "banned"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Account is a credential plus its health bookkeeping. Accounts are created
// once from the configured pool and cycle through states; they are never
// destroyed.
type Account struct {
	Username string
	Password string
	Provider string

	State         State
	CooldownUntil time.Time
	LastUsed      time.Time

	// Binding identifies one Acquire grant. Release demands it back, so a
	// worker holding a stale copy of a rebound account cannot free the new
	// holder's binding.
	Binding uint64
}

type Manager struct {
	log logx.Logger

	mu    sync.Mutex
	accts map[string]*acct
	order []string // insertion order, for deterministic tie-breaks
	seq   uint64   // last issued binding token
	now   func() time.Time
}

type acct struct {
	Account
	binding uint64 // current binding token; 0 means unbound
}

func NewManager(pool []config.AccountConfig, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:   log,
		accts: make(map[string]*acct, len(pool)),
		now:   time.Now,
	}
	for _, c := range pool {
		if _, dup := m.accts[c.Username]; dup {
			continue
		}
		m.accts[c.Username] = &acct{Account: Account{
			Username: c.Username,
			Password: c.Password,
			Provider: c.Provider,
		}}
		m.order = append(m.order, c.Username)
	}
	return m
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Acquire returns the least-recently-used healthy unbound account, marking
// it bound and used. Expired cooldowns are promoted back to healthy first.
func (m *Manager) Acquire() (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.releaseCooldownsLocked(now)

	var best *acct
	for _, name := range m.order {
		a := m.accts[name]
		if a.binding != 0 || a.State != StateHealthy {
			continue
		}
		if best == nil || a.LastUsed.Before(best.LastUsed) {
			best = a
		}
	}
	if best == nil {
		return Account{}, ErrNoAccountAvailable
	}

	m.seq++
	best.binding = m.seq
	best.LastUsed = now
	m.log.Debug("account acquired", logx.String("account", best.Username))
	out := best.Account
	out.Binding = m.seq
	return out, nil
}

// Release returns a binding to the pool without changing health state. The
// token must match the current grant; a release carrying a superseded token
// is ignored so the account stays with whoever holds it now.
func (m *Manager) Release(username string, binding uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accts[username]
	if a == nil {
		return ErrUnknownAccount
	}
	if binding == 0 || a.binding != binding {
		return nil
	}
	a.binding = 0
	return nil
}

// MarkChallenged benches the account until Resolve is called.
func (m *Manager) MarkChallenged(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accts[username]
	if a == nil {
		return ErrUnknownAccount
	}
	if a.State == StateBanned {
		return nil
	}
	a.State = StateCaptchaPending
	a.binding = 0
	m.log.Warn("account challenged", logx.String("account", username))
	return nil
}

// Resolve is the inbound signal from the external challenge-resolution
// collaborator: the account passed its check and is healthy again.
func (m *Manager) Resolve(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accts[username]
	if a == nil {
		return ErrUnknownAccount
	}
	if a.State != StateCaptchaPending {
		return nil
	}
	a.State = StateHealthy
	m.log.Info("account challenge resolved", logx.String("account", username))
	return nil
}

// MarkBanned permanently retires the account. Terminal.
func (m *Manager) MarkBanned(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accts[username]
	if a == nil {
		return ErrUnknownAccount
	}
	a.State = StateBanned
	a.binding = 0
	m.log.Warn("account banned", logx.String("account", username))
	return nil
}

// MarkCooldown benches the account until the given time.
func (m *Manager) MarkCooldown(username string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accts[username]
	if a == nil {
		return ErrUnknownAccount
	}
	if a.State == StateBanned || a.State == StateCaptchaPending {
		return nil
	}
	a.State = StateCooldown
	a.CooldownUntil = until
	a.binding = 0
	m.log.Info("account cooling down",
		logx.String("account", username),
		logx.Time("until", until),
	)
	return nil
}

// Available reports how many healthy unbound accounts an Acquire could
// return right now.
func (m *Manager) Available() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCooldownsLocked(m.now())
	n := 0
	for _, name := range m.order {
		a := m.accts[name]
		if a.binding == 0 && a.State == StateHealthy {
			n++
		}
	}
	return n
}

// ReleaseCooldowns promotes accounts whose cooldown has expired. Driven by
// the maintenance cron; Acquire also applies it opportunistically.
func (m *Manager) ReleaseCooldowns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseCooldownsLocked(m.now())
}

func (m *Manager) releaseCooldownsLocked(now time.Time) int {
	n := 0
	for _, name := range m.order {
		a := m.accts[name]
		if a.State == StateCooldown && !a.CooldownUntil.After(now) {
			a.State = StateHealthy
			a.CooldownUntil = time.Time{}
			n++
		}
	}
	return n
}

// Stats summarizes pool health for the status snapshot.
type Stats struct {
	Total          int `json:"total"`
	Healthy        int `json:"healthy"`
	Bound          int `json:"bound"`
	Cooldown       int `json:"cooldown"`
	CaptchaPending int `json:"captcha_pending"`
	Banned         int `json:"banned"`
}

func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	for _, name := range m.order {
		a := m.accts[name]
		st.Total++
		if a.binding != 0 {
			st.Bound++
		}
		switch a.State {
		case StateHealthy:
			st.Healthy++
		case StateCooldown:
			st.Cooldown++
		case StateCaptchaPending:
			st.CaptchaPending++
		case StateBanned:
			st.Banned++
		}
	}
	return st
}
