package server

import (
	"fmt"
	"time"
)

// GapPolicy decides what happens to a pushed mutation whose id skips ahead
// of the client's last applied id.
type GapPolicy string

const (
	// GapDiscard drops the mutation; the client re-pushes it later.
	GapDiscard GapPolicy = "discard"
	// GapBuffer holds up to GapBuffer mutations per client in memory and
	// applies them once the gap closes.
	GapBuffer GapPolicy = "buffer"
)

// Config tunes a Server.
type Config struct {
	HistorySize int `yaml:"history_size"`
	// GCInterval runs a chunk collection every GCInterval commits, once
	// history trimming has let go of old versions. Zero disables it.
	GCInterval   int               `yaml:"gc_interval"`
	GapPolicy    GapPolicy         `yaml:"gap_policy"`
	GapBuffer    int               `yaml:"gap_buffer"`
	PingInterval time.Duration     `yaml:"ping_interval"`
	Tables       map[string]string `yaml:"tables"`
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		HistorySize:  64,
		GCInterval:   64,
		GapPolicy:    GapDiscard,
		GapBuffer:    64,
		PingInterval: 15 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.HistorySize < 1 {
		return fmt.Errorf("history_size must be at least 1, got %d", c.HistorySize)
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("gc_interval must not be negative, got %d", c.GCInterval)
	}
	switch c.GapPolicy {
	case GapDiscard:
	case GapBuffer:
		if c.GapBuffer < 1 {
			return fmt.Errorf("gap_buffer must be at least 1 with the buffer policy")
		}
	default:
		return fmt.Errorf("unknown gap_policy %q", c.GapPolicy)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive")
	}
	for table, pk := range c.Tables {
		if table == "" || pk == "" {
			return fmt.Errorf("tables: empty table or primary key")
		}
	}
	return nil
}

// PrimaryKey returns the primary key column of table. Tables not listed
// use "id".
func (c Config) PrimaryKey(table string) string {
	if pk, ok := c.Tables[table]; ok {
		return pk
	}
	return "id"
}
