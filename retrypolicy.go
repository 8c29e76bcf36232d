package devicelink

import (
	"math"
	"math/rand"
	"time"
)

// GiveUpReason explains a Decision that does not retry.
type GiveUpReason int

const (
	GiveUpNone GiveUpReason = iota
	// GiveUpClass means the failure class is never retried.
	GiveUpClass
	// GiveUpAttempts means a bounded class ran out of attempts.
	GiveUpAttempts
	// GiveUpBudget means the recovery time budget is exhausted.
	GiveUpBudget
)

// Decision is the outcome of a RetryPolicy.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason GiveUpReason
}

func retryAfter(d time.Duration) Decision {
	return Decision{Retry: true, Delay: d}
}

func giveUp(r GiveUpReason) Decision {
	return Decision{Reason: r}
}

// RetryPolicy decides whether a failed attempt is retried and after how
// long. attempt is the number of attempts made so far (1 after the first
// failure) and elapsed the time since the first attempt started.
// Implementations hold no per-operation state.
type RetryPolicy interface {
	Decide(attempt int, elapsed time.Duration, class Class) Decision
}

// Default ExponentialBackoff settings.
const (
	DefaultMinBackoff       = 100 * time.Millisecond
	DefaultMaxBackoff       = 10 * time.Second
	DefaultDeltaBackoff     = 100 * time.Millisecond
	DefaultRecoveryBudget   = 4 * time.Minute
	DefaultNotFoundAttempts = 3
	DefaultJitter           = 0.2
)

// ExponentialBackoff retries retryable failures with an exponentially
// growing, jittered delay until Budget is spent.
type ExponentialBackoff struct {
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	DeltaBackoff time.Duration
	// Budget is the recovery time budget. Zero disables retries.
	Budget time.Duration
	// NotFoundAttempts bounds retries of NotFound failures.
	NotFoundAttempts int
	// Jitter is the relative spread applied to the growing part of the
	// delay, in [0, 1). Zero makes the policy deterministic.
	Jitter float64
	// Rand returns values in [0, 1); math/rand is used when nil.
	Rand func() float64
}

// NewExponentialBackoff returns the default policy with the given budget.
func NewExponentialBackoff(budget time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		MinBackoff:       DefaultMinBackoff,
		MaxBackoff:       DefaultMaxBackoff,
		DeltaBackoff:     DefaultDeltaBackoff,
		Budget:           budget,
		NotFoundAttempts: DefaultNotFoundAttempts,
		Jitter:           DefaultJitter,
	}
}

func (p *ExponentialBackoff) Decide(attempt int, elapsed time.Duration, class Class) Decision {
	switch class {
	case ClassRetryable:
	case ClassNotFound:
		if attempt >= p.NotFoundAttempts {
			return giveUp(GiveUpAttempts)
		}
	default:
		return giveUp(GiveUpClass)
	}

	delay := p.Delay(attempt)
	if p.Budget <= 0 || elapsed+delay > p.Budget {
		return giveUp(GiveUpBudget)
	}
	return retryAfter(delay)
}

// Delay is the backoff before retry number attempt.
func (p *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// 2^31 deltas overflow long before any sane MaxBackoff is reached
	exp := math.Pow(2, float64(min(attempt-1, 30))) - 1
	grow := float64(p.DeltaBackoff) * exp
	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		grow *= 1 - p.Jitter + 2*p.Jitter*r()
	}
	d := p.MinBackoff + time.Duration(grow)
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d < 0) {
		d = p.MaxBackoff
	}
	return d
}

// NoRetry never retries.
type NoRetry struct{}

func (NoRetry) Decide(int, time.Duration, Class) Decision {
	return giveUp(GiveUpClass)
}
