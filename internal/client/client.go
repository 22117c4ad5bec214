// Package client declares the boundary to the external scan protocol. The
// engine depends only on these interfaces and the classified error shapes;
// wire details live outside this repo.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spawnscout/internal/geo"
)

// Credentials identifies one account to the remote service.
type Credentials struct {
	Username string
	Password string
	Provider string
}

// Session is an authenticated handle produced by Login. Opaque to the engine.
type Session interface {
	Account() string
}

// SpawnObservation is one spawn seen by a scan. ExpiresAt is zero when the
// service did not report timing for it.
type SpawnObservation struct {
	Pos       geo.Point
	ExpiresAt time.Time
}

// ScanResult is a successful scan at one position.
type ScanResult struct {
	Spawns []SpawnObservation
}

// Client is the protocol collaborator. Scan failures must be expressed via
// the sentinel errors and error types below so the engine can classify them.
type Client interface {
	Login(ctx context.Context, creds Credentials) (Session, error)
	Scan(ctx context.Context, sess Session, pos geo.Point) (ScanResult, error)
}

// QuotaSource is the hashing-quota collaborator. RemainingQuota of zero (or
// less) means the shared quota is exhausted for the current window.
type QuotaSource interface {
	RemainingQuota() int
	Window() time.Duration
}

// ResolutionSource is the challenge-resolution collaborator. Resolutions
// yields usernames whose challenges were solved externally; the channel
// closes when the source shuts down.
type ResolutionSource interface {
	Resolutions(ctx context.Context) <-chan string
}

var (
	// ErrChallenged means the service issued an anti-automation challenge
	// for the account.
	ErrChallenged = errors.New("client: account challenged")

	// ErrBanned means the account is permanently rejected.
	ErrBanned = errors.New("client: account banned")

	// ErrAuthFailed means login was rejected for non-ban reasons
	// (bad credentials, expired token).
	ErrAuthFailed = errors.New("client: authentication failed")
)

// RateLimitedError reports shared-quota exhaustion. RetryAfter may be zero
// when the service gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("client: rate limited (retry after %s)", e.RetryAfter)
	}
	return "client: rate limited"
}

// ProtocolError reports an unexpected response shape, usually upstream
// protocol drift.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "client: protocol error: " + e.Reason
}
