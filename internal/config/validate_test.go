package config

import (
	"errors"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Region: RegionConfig{SouthLat: 52.51, WestLon: 13.39, NorthLat: 52.525, EastLon: 13.415},
		Fleet:  FleetConfig{Size: 2, SpeedLimit: 8},
		Accounts: []AccountConfig{
			{Username: "a", Password: "pw"},
			{Username: "b", Password: "pw"},
		},
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()

	s, err := validConfig().Resolve()
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if s.ScanDelay != 10*time.Second {
		t.Fatalf("ScanDelay = %v, want 10s", s.ScanDelay)
	}
	if s.CycleLength != time.Hour {
		t.Fatalf("CycleLength = %v, want 1h", s.CycleLength)
	}
	if s.TransientRetryMax != 3 || s.ProtocolRetryMax != 1 {
		t.Fatalf("retry ceilings = %d/%d, want 3/1", s.TransientRetryMax, s.ProtocolRetryMax)
	}
	if s.SuppressionRadius != 70 || s.ExplorationStep != 200 {
		t.Fatalf("scheduler defaults = %v/%v", s.SuppressionRadius, s.ExplorationStep)
	}
	if !s.Bounds().Valid() {
		t.Fatalf("resolved bounds invalid: %+v", s.Bounds())
	}
}

func TestResolveRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"no accounts", func(c *Config) { c.Accounts = nil }, ErrNoAccounts},
		{"zero fleet", func(c *Config) { c.Fleet.Size = 0 }, ErrBadFleetSize},
		{"zero speed", func(c *Config) { c.Fleet.SpeedLimit = 0 }, ErrBadSpeedLimit},
		{"inverted region", func(c *Config) { c.Region.NorthLat = c.Region.SouthLat - 1 }, ErrBadRegion},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			if _, err := cfg.Resolve(); !errors.Is(err, tc.want) {
				t.Fatalf("Resolve err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestResolveFleetLargerThanAccounts(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Fleet.Size = 5
	if _, err := cfg.Resolve(); err == nil {
		t.Fatal("Resolve accepted fleet larger than account pool")
	}
}

func TestResolveBadDuration(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Fleet.ScanDelay = "soon"
	if _, err := cfg.Resolve(); err == nil {
		t.Fatal("Resolve accepted malformed duration")
	}
}

func TestResolveUnknownStorageDriver(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Storage = &StorageConfig{Driver: "postgres", Path: "x"}
	if _, err := cfg.Resolve(); err == nil {
		t.Fatal("Resolve accepted unknown storage driver")
	}
}
