package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Retry is a bounded reconnect budget. A zero or negative MaxAttempts never exhausts.
type Retry struct {
	Backoff     BackoffConfig
	MaxAttempts int
	attempts    int
	rng         *rand.Rand
}

func NewRetry(cfg BackoffConfig, maxAttempts int, rng *rand.Rand) *Retry {
	return &Retry{Backoff: cfg, MaxAttempts: maxAttempts, rng: rng}
}

// Next consumes one attempt and returns its delay. ok is false once the budget is spent.
func (r *Retry) Next() (time.Duration, bool) {
	if r.MaxAttempts > 0 && r.attempts >= r.MaxAttempts {
		return 0, false
	}
	r.attempts++
	return NextBackoffDelay(r.Backoff, r.attempts, r.rng), true
}

func (r *Retry) Attempts() int { return r.attempts }

func (r *Retry) Reset() { r.attempts = 0 }
