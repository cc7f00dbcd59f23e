package readiness

import (
	"math/rand"
	"time"
)

// BackoffConfig shapes the spacing between probe attempts.
type BackoffConfig struct {
	Initial    time.Duration // delay after the first failed check
	Max        time.Duration // ceiling for any single delay
	Multiplier float64       // growth per attempt
	JitterPct  float64       // total spread as a fraction of the delay; 0.4 spreads ±20%
}

// DefaultBackoffConfig suits local daemons that come up in well under a second.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    50 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 1.7,
		JitterPct:  0.4,
	}
}

// Backoff hands out growing, jittered poll delays for one wait.
type Backoff struct {
	cfg      BackoffConfig
	next     time.Duration
	attempts int
	rng      *rand.Rand
}

// NewBackoff returns a fresh schedule. The seed fixes the jitter sequence.
func NewBackoff(seed int64, cfg BackoffConfig) *Backoff {
	return &Backoff{
		cfg:  cfg,
		next: cfg.Initial,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Next returns the delay before the following attempt.
func (b *Backoff) Next() time.Duration {
	d := min(b.next, b.cfg.Max)
	b.next = time.Duration(float64(d) * b.cfg.Multiplier)
	b.attempts++
	return b.spread(d)
}

func (b *Backoff) spread(d time.Duration) time.Duration {
	if b.cfg.JitterPct <= 0 || d <= 0 {
		return d
	}
	offset := float64(d) * b.cfg.JitterPct * (b.rng.Float64() - 0.5)
	return max(0, d+time.Duration(offset))
}

// Attempts is how many delays have been handed out.
func (b *Backoff) Attempts() int {
	return b.attempts
}
