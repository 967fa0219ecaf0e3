package connection

import (
	"math"
	"time"
)

// BackoffConfig describes exponential reconnect delays.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// ExponentialBackoff returns InitialInterval * Multiplier^(attempt-1), capped
// at MaxInterval when one is set. Attempts start at 1.
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 1 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}
		return time.Duration(interval)
	}
}
