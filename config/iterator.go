package config

import (
	"fmt"

	"github.com/buildwithgrove/shardline/iterator"
)

const defaultBatchSize = 50

// IteratorConfig contains the settings of iterators opened by the client.
type IteratorConfig struct {
	// DefaultBatchSize is the number of items requested per Next call when the caller sets none.
	DefaultBatchSize int `yaml:"default_batch_size"`

	// BlockCacheSize is the number of blocks kept in memory.
	// Blocks are immutable once produced: cached entries never expire.
	BlockCacheSize int `yaml:"block_cache_size"`
}

func (c *IteratorConfig) hydrateIteratorDefaults() {
	if c.DefaultBatchSize == 0 {
		c.DefaultBatchSize = defaultBatchSize
	}
	if c.BlockCacheSize == 0 {
		c.BlockCacheSize = iterator.DefaultCacheCapacity
	}
}

func (c IteratorConfig) Validate() error {
	if c.DefaultBatchSize < 1 {
		return fmt.Errorf("%w: default_batch_size must be positive, got %d", ErrInvalidIteratorConfig, c.DefaultBatchSize)
	}
	if c.BlockCacheSize < 1 {
		return fmt.Errorf("%w: block_cache_size must be positive, got %d", ErrInvalidIteratorConfig, c.BlockCacheSize)
	}
	return nil
}
