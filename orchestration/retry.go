package orchestration

import (
	"math"
	"math/rand"
	"time"

	"github.com/finsight/capcore/core"
)

// RetryPolicy computes the delay before a retry attempt.
// retryCount is 1 for the first retry.
type RetryPolicy interface {
	Delay(retryCount int) time.Duration
}

// FixedDelayPolicy waits the same delay between every attempt.
type FixedDelayPolicy struct {
	Interval time.Duration
}

// Delay returns the configured fixed delay.
func (p FixedDelayPolicy) Delay(retryCount int) time.Duration {
	return p.Interval
}

// ExponentialBackoffPolicy doubles the delay per attempt up to MaxDelay,
// with optional jitter to avoid synchronized retries.
type ExponentialBackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// Delay returns the backoff delay for the given attempt.
func (p ExponentialBackoffPolicy) Delay(retryCount int) time.Duration {
	factor := p.Factor
	if factor <= 1 {
		factor = 2.0
	}
	delay := float64(p.InitialDelay) * math.Pow(factor, float64(retryCount-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay += delay * 0.1 * rand.Float64()
	}
	return time.Duration(delay)
}

// policyFor builds the retry policy a capability's execution config selects.
// The fixed strategy preserves the configured retry_delay as-is; the
// exponential strategy uses it as the initial delay with a 10x cap.
func policyFor(cfg core.ExecutionConfig) RetryPolicy {
	switch cfg.RetryStrategy {
	case core.RetryExponential:
		return ExponentialBackoffPolicy{
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     cfg.RetryDelay * 10,
			Factor:       2.0,
			Jitter:       true,
		}
	default:
		return FixedDelayPolicy{Interval: cfg.RetryDelay}
	}
}
