package client

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff controls how quickly a dropped connection is redialed.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// MaxAttempts stops reconnecting after that many failed dials; 0 keeps
	// trying until Close.
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the wait before the given reconnect attempt,
// counting from 1. With jitter the delay is scaled by a factor in [0.5, 1.5).
func NextBackoffDelay(cfg Backoff, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(cfg.InitialDelay)
	if attempt > 1 {
		if cfg.Multiplier < 1.0 {
			cfg.Multiplier = 1.0
		}
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		} else {
			f += rand.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}
