package scheduler

import (
	"time"
)

// Config controls sweep intervals and batch sizes.
type Config struct {
	// RunInterval is the tick between reconciliation passes.
	RunInterval time.Duration
	// StaleAfter is how old a mirror entry may get before it is re-checked.
	StaleAfter time.Duration
	// RecentWindow is the self-dedup window for sweep-origin ledger entries.
	RecentWindow time.Duration
	// BatchSize bounds stale products considered per tenant per pass.
	BatchSize int
	// JobTimeout bounds one tenant's pass.
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  time.Minute,
		StaleAfter:   15 * time.Minute,
		RecentWindow: 5 * time.Minute,
		BatchSize:    25,
		JobTimeout:   2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.StaleAfter
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = defaults.RecentWindow
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
