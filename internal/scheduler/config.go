package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int

	// FinalizeInvoices lets the scheduler auto-finalize drafts once
	// FinalizeGrace has elapsed after the period end. Off means drafts wait
	// for an explicit API finalization.
	FinalizeInvoices bool
	FinalizeGrace    time.Duration

	// RecoveryThreshold bounds how long an in-flight idempotency key may sit
	// before the sweep reclaims it.
	RecoveryThreshold time.Duration

	// EnabledJobs restricts which jobs run. Empty means all.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         50,
		FinalizeInvoices:  true,
		FinalizeGrace:     time.Hour,
		RecoveryThreshold: 15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.FinalizeGrace <= 0 {
		c.FinalizeGrace = defaults.FinalizeGrace
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	return c
}
