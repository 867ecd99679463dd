// Package ratelimit bounds the rate of appends per caller. Keys are chosen by
// the caller, e.g. "user:<subject>" or "ip:<addr>".
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Result is the outcome of a single Allow call
type Result struct {
	Allowed bool
	// Remaining is the number of whole tokens left in the bucket
	Remaining int
	// RetryAfter is how long a denied caller should wait
	RetryAfter time.Duration
}

// Limiter defines the interface for rate limiting operations
type Limiter interface {
	// Allow consumes one token for key
	Allow(ctx context.Context, key string) (Result, error)

	// Reset clears the bucket for a key
	Reset(ctx context.Context, key string) error
}

// Config holds rate limiter configuration
type Config struct {
	Enabled bool `yaml:"enabled"`

	// RPS is the sustained refill rate in tokens per second
	RPS float64 `yaml:"rps"`

	// Burst is the bucket capacity
	Burst int `yaml:"burst"`

	// KeyPrefix is the Redis key prefix
	KeyPrefix string `yaml:"key_prefix"`

	// FailOpen allows requests when Redis is unavailable
	FailOpen bool `yaml:"fail_open"`
}

// DefaultConfig returns default rate limiter configuration
func DefaultConfig() Config {
	return Config{
		Enabled:   false,
		RPS:       100,
		Burst:     200,
		KeyPrefix: "auditchain:ratelimit",
		FailOpen:  true,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RPS <= 0 {
		return fmt.Errorf("rate limit rps must be positive")
	}
	if c.Burst < 1 {
		return fmt.Errorf("rate limit burst must be at least 1")
	}
	return nil
}
