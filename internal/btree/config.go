package btree

import "fmt"

// Config bounds the encoded size of a node.
type Config struct {
	MinSize int `yaml:"min_size"`
	MaxSize int `yaml:"max_size"`
}

// DefaultConfig returns 8 KiB / 16 KiB nodes.
func DefaultConfig() Config {
	return Config{MinSize: 8 * 1024, MaxSize: 16 * 1024}
}

// Validate checks that the bounds leave room for at least one entry.
func (c Config) Validate() error {
	if c.MinSize <= nodeHeaderSize {
		return fmt.Errorf("btree: min size %d must exceed node header size %d", c.MinSize, nodeHeaderSize)
	}
	if c.MaxSize <= c.MinSize {
		return fmt.Errorf("btree: max size %d must exceed min size %d", c.MaxSize, c.MinSize)
	}
	return nil
}
