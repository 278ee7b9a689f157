package flow

import (
	"math/rand"
	"time"
)

// RetryPolicy configures automatic re-execution of failed work units.
//
// When a unit fails, the policy decides whether the failure is retryable and
// how long to wait before the next attempt. Retries reuse the same cache key;
// all attempts run under the one claim taken before the first attempt, which
// is not released between attempts, so other callers with the same key wait
// for the final outcome. Exponential backoff
// with jitter avoids synchronized retry storms across fanned-out units.
type RetryPolicy struct {
	// MaxAttempts is the total number of execution attempts, including
	// the first. Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base for exponential backoff:
	// delay = min(BaseDelay * 2^attempt, MaxDelay) + jitter(0, BaseDelay).
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether a unit error warrants another attempt.
	// If nil, UnitError.Retryable is used (worker failures, timeouts and
	// unavailable environments retry; cancellation does not).
	Retryable func(error) bool
}

// Validate checks the policy's constraints.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// shouldRetry applies the policy predicate, defaulting to the error kind's
// own retryability.
func (p *RetryPolicy) shouldRetry(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	if ue, ok := err.(*UnitError); ok {
		return ue.Retryable()
	}
	return false
}

// backoff computes the delay before retry attempt (0-based).
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	delay := base
	if attempt < 62 {
		delay = base * (1 << attempt)
	} else if p.MaxDelay > 0 {
		delay = p.MaxDelay
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	// Jitter in [0, base) spreads concurrent retries apart. Not
	// security-sensitive.
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404
	return delay + jitter
}
