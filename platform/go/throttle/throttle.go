// Package throttle limits repeated attempts per key (for example step-up codes per account) with a token bucket.
package throttle

import (
	"context"
	"time"
)

// Config describes the bucket: Capacity attempts, one more every RefillEvery.
type Config struct {
	Capacity    int
	RefillEvery time.Duration
	// TTL bounds how long an idle bucket is remembered.
	TTL time.Duration
}

// DefaultConfig allows five attempts, then one every thirty seconds.
func DefaultConfig() Config {
	return Config{Capacity: 5, RefillEvery: 30 * time.Second, TTL: 15 * time.Minute}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.RefillEvery <= 0 {
		c.RefillEvery = def.RefillEvery
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	return c
}

// Decision is the outcome of one attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Throttler consumes one token for key.
type Throttler interface {
	Allow(ctx context.Context, key string) (Decision, error)
}
