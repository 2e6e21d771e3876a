package client

import (
	"fmt"
	"time"

	"github.com/roach88/lattice/internal/backoff"
)

// Config tunes a Client.
type Config struct {
	MaxPushBatch int `yaml:"max_push_batch"`
	// PingInterval is how often Run pings the server and renews its lease.
	PingInterval time.Duration `yaml:"ping_interval"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	// RefreshInterval is how often a client without the lease reloads
	// main to pick up the leader's changes.
	RefreshInterval time.Duration     `yaml:"refresh_interval"`
	Backoff         backoff.Policy    `yaml:"backoff"`
	Tables          map[string]string `yaml:"tables"`
	// Token is sent in Connect for the server to authenticate.
	Token string `yaml:"token"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxPushBatch:    100,
		PingInterval:    15 * time.Second,
		LeaseTTL:        45 * time.Second,
		RefreshInterval: 2 * time.Second,
		Backoff:         backoff.DefaultPolicy(),
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.MaxPushBatch < 1:
		return fmt.Errorf("max_push_batch must be at least 1, got %d", c.MaxPushBatch)
	case c.PingInterval <= 0:
		return fmt.Errorf("ping_interval must be positive")
	case c.LeaseTTL <= c.PingInterval:
		return fmt.Errorf("lease_ttl %s must exceed ping_interval %s", c.LeaseTTL, c.PingInterval)
	case c.RefreshInterval <= 0:
		return fmt.Errorf("refresh_interval must be positive")
	case c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial || c.Backoff.Multiplier < 1:
		return fmt.Errorf("backoff: need 0 < initial <= max and multiplier >= 1")
	}
	return nil
}
