package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"spawnscout/internal/client"
	"spawnscout/internal/geo"
)

// simClient is a stand-in protocol client so the binary runs end to end
// without the real scan service. Deployments embed internal/app and pass
// their own client implementation instead.
type simClient struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSimClient() *simClient {
	return &simClient{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

type simSession struct {
	account string
}

func (s simSession) Account() string { return s.account }

func (c *simClient) Login(ctx context.Context, creds client.Credentials) (client.Session, error) {
	return simSession{account: creds.Username}, nil
}

// Scan fabricates zero to two spawns near the scanned position, expiring at
// a random point within the current hour cycle.
func (c *simClient) Scan(ctx context.Context, sess client.Session, pos geo.Point) (client.ScanResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res client.ScanResult
	n := c.rng.Intn(5) - 2 // ~40% of scans see something
	for i := 0; i < n; i++ {
		expires := time.Now().Add(time.Duration(1+c.rng.Intn(50)) * time.Minute)
		res.Spawns = append(res.Spawns, client.SpawnObservation{
			Pos:       geo.Jitter(pos, 60, c.rng),
			ExpiresAt: expires,
		})
	}
	return res, nil
}
