package repopool

import (
	"fmt"
	"time"
)

const (
	defaultSyncTimeout        = 10 * time.Minute
	defaultMaxConcurrentSyncs = 4

	minAllowedSyncTimeout = 10 * time.Second
)

// Config is the configuration to create RepoPool
type Config struct {
	// SyncTimeout caps a single sync job (reconcile and fanout)
	SyncTimeout time.Duration `yaml:"sync_timeout"`

	// MaxConcurrentSyncs is the max number of sync jobs running at the same
	// time. jobs above the limit wait for a free slot.
	MaxConcurrentSyncs int `yaml:"max_concurrent_syncs"`
}

// ValidateAndApplyDefaults will validate config and apply defaults to
// the fields which are not set
func (c *Config) ValidateAndApplyDefaults() error {
	var errs []error

	if c.SyncTimeout != 0 && c.SyncTimeout < minAllowedSyncTimeout {
		errs = append(errs, fmt.Errorf("provided sync timeout is too short (%s), must be > %s", c.SyncTimeout, minAllowedSyncTimeout))
	}
	if c.MaxConcurrentSyncs < 0 {
		errs = append(errs, fmt.Errorf("max concurrent syncs can't be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", errs)
	}

	if c.SyncTimeout == 0 {
		c.SyncTimeout = defaultSyncTimeout
	}
	if c.MaxConcurrentSyncs == 0 {
		c.MaxConcurrentSyncs = defaultMaxConcurrentSyncs
	}
	return nil
}
