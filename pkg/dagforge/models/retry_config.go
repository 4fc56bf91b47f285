package models

import "time"

// RetryConfig controls how often a failing node is re-attempted and how the
// delay between attempts grows.
type RetryConfig struct {
	MaxAttempts      int           `json:"maxAttempts"`
	RetryIntervalMin time.Duration `json:"retryIntervalMin"`
	RetryIntervalMax time.Duration `json:"retryIntervalMax"`
}

// DefaultRetryConfig applies to nodes that do not declare their own policy:
// a single attempt, no retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 1, RetryIntervalMin: time.Second, RetryIntervalMax: 30 * time.Second}
}

// SlidingInterval returns a delay between min and max scaled by how many
// attempts have already failed.
func (rc *RetryConfig) SlidingInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return rc.RetryIntervalMin
	}
	if rc.MaxAttempts <= 1 || attempt >= rc.MaxAttempts {
		return rc.RetryIntervalMax
	}
	scale := float64(attempt) / float64(rc.MaxAttempts)
	return rc.RetryIntervalMin + time.Duration(scale*float64(rc.RetryIntervalMax-rc.RetryIntervalMin))
}
