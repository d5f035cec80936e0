package engine

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Backoff selects how the retry delay grows between attempts.
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff validates a backoff name. The empty string means constant.
func ParseBackoff(s string) (Backoff, error) {
	switch Backoff(s) {
	case "", BackoffConstant:
		return BackoffConstant, nil
	case BackoffLinear, BackoffExponential:
		return Backoff(s), nil
	default:
		return "", fmt.Errorf("unknown backoff %q", s)
	}
}

// RetryPolicy is the effective retry configuration for one step.
type RetryPolicy struct {
	Attempts int // retries after the first attempt
	Delay    time.Duration
	Backoff  Backoff
	MaxDelay time.Duration
}

// Allowed returns the total number of attempts, including the first.
func (p RetryPolicy) Allowed() int {
	return 1 + max(0, p.Attempts)
}

// maxBackoff is the saturation point of growing delays.
const maxBackoff = time.Duration(math.MaxInt64)

// ComputeBackoff calculates the delay before retry number attempt (zero
// based). MaxDelay caps the result when positive; growth otherwise
// saturates instead of overflowing.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = policy.Delay
		for i := 0; i < attempt; i++ {
			if delay > maxBackoff/2 {
				delay = maxBackoff
				break
			}
			delay *= 2
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				break
			}
		}
	case BackoffLinear:
		if time.Duration(attempt+1) > maxBackoff/policy.Delay {
			delay = maxBackoff
			break
		}
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryPolicy resolves the effective policy for step under opts. A step's
// own retry count wins; otherwise AutoRetry supplies the default.
func retryPolicy(step *Step, opts *Options) RetryPolicy {
	p := RetryPolicy{
		Delay:    step.RetryDelay,
		Backoff:  opts.RetryBackoff,
		MaxDelay: opts.MaxRetryDelay,
	}
	if step.Backoff != "" {
		p.Backoff = step.Backoff
	}
	if step.MaxRetryDelay > 0 {
		p.MaxDelay = step.MaxRetryDelay
	}
	switch {
	case step.RetryAttempts > 0:
		p.Attempts = step.RetryAttempts
	case opts.AutoRetry:
		p.Attempts = opts.DefaultRetryAttempts
	}
	return p
}
