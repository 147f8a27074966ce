package config

import (
	"errors"
	"time"
)

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// IdleWarnDuration parses Timeouts.IdleWarn, assuming Validate has already
// confirmed it parses cleanly.
func (c *Config) IdleWarnDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeouts.IdleWarn)
	return d
}

// IdleStaleDuration parses Timeouts.IdleStale, assuming Validate has
// already confirmed it parses cleanly.
func (c *Config) IdleStaleDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeouts.IdleStale)
	return d
}
