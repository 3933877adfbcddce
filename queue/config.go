package queue

import (
	"math"
	"time"
)

type Config struct {
	// MaxAttempts is the attempt ceiling; reaching it dead-letters the item.
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	LeaseDuration time.Duration
	// ReclaimBatch bounds how many expired leases one sweep page handles.
	ReclaimBatch int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseBackoff:   5 * time.Second,
		MaxBackoff:    10 * time.Minute,
		LeaseDuration: 60 * time.Second,
		ReclaimBatch:  500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.ReclaimBatch <= 0 {
		c.ReclaimBatch = d.ReclaimBatch
	}
	return c
}

// Backoff returns the delay before retry number attempt: base * 2^(attempt-1), capped.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.BaseBackoff
	}
	delay := time.Duration(float64(c.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > c.MaxBackoff || delay <= 0 {
		return c.MaxBackoff
	}
	return delay
}
