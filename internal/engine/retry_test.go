package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBackoff(t *testing.T) {
	base := 10 * time.Millisecond
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"no delay", RetryPolicy{Backoff: BackoffExponential}, 3, 0},
		{"constant", RetryPolicy{Delay: base, Backoff: BackoffConstant}, 4, base},
		{"empty means constant", RetryPolicy{Delay: base}, 2, base},
		{"linear first", RetryPolicy{Delay: base, Backoff: BackoffLinear}, 0, base},
		{"linear third", RetryPolicy{Delay: base, Backoff: BackoffLinear}, 2, 3 * base},
		{"exponential first", RetryPolicy{Delay: base, Backoff: BackoffExponential}, 0, base},
		{"exponential fourth", RetryPolicy{Delay: base, Backoff: BackoffExponential}, 3, 8 * base},
		{"capped", RetryPolicy{Delay: base, Backoff: BackoffExponential, MaxDelay: 25 * time.Millisecond}, 5, 25 * time.Millisecond},
		{"negative attempt", RetryPolicy{Delay: base, Backoff: BackoffLinear}, -1, base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestComputeBackoff_ExponentialDoesNotOverflowWhenCapped(t *testing.T) {
	p := RetryPolicy{Delay: time.Second, Backoff: BackoffExponential, MaxDelay: time.Minute}
	assert.Equal(t, time.Minute, ComputeBackoff(p, 200))
}

func TestComputeBackoff_SaturatesWithoutCap(t *testing.T) {
	exp := RetryPolicy{Delay: time.Second, Backoff: BackoffExponential}
	for _, attempt := range []int{34, 40, 63, 64, 1000} {
		assert.Equal(t, time.Duration(math.MaxInt64), ComputeBackoff(exp, attempt), "attempt %d", attempt)
	}
	assert.Equal(t, time.Second<<33, ComputeBackoff(exp, 33))

	lin := RetryPolicy{Delay: time.Hour, Backoff: BackoffLinear}
	assert.Equal(t, time.Duration(math.MaxInt64), ComputeBackoff(lin, math.MaxInt32))
}

func TestParseBackoff(t *testing.T) {
	for in, want := range map[string]Backoff{
		"":            BackoffConstant,
		"constant":    BackoffConstant,
		"linear":      BackoffLinear,
		"exponential": BackoffExponential,
	} {
		got, err := ParseBackoff(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseBackoff("fibonacci")
	assert.Error(t, err)
}

func TestRetryPolicy_Resolution(t *testing.T) {
	opts := defaultOptions()

	p := retryPolicy(&Step{ID: "a"}, &opts)
	assert.Equal(t, 1, p.Allowed(), "no retries by default")

	p = retryPolicy(&Step{ID: "a", RetryAttempts: 2, RetryDelay: time.Millisecond}, &opts)
	assert.Equal(t, 3, p.Allowed())
	assert.Equal(t, time.Millisecond, p.Delay)

	WithAutoRetry()(&opts)
	p = retryPolicy(&Step{ID: "a"}, &opts)
	assert.Equal(t, 2, p.Allowed(), "auto retry grants one retry")

	WithAutoRetry(3)(&opts)
	p = retryPolicy(&Step{ID: "a", Backoff: BackoffLinear}, &opts)
	assert.Equal(t, 4, p.Allowed())
	assert.Equal(t, BackoffLinear, p.Backoff)

	p = retryPolicy(&Step{ID: "a", RetryAttempts: 1}, &opts)
	assert.Equal(t, 2, p.Allowed(), "declared retries win over the auto default")

	WithRetryBackoff(BackoffExponential, time.Second)(&opts)
	p = retryPolicy(&Step{ID: "a"}, &opts)
	assert.Equal(t, time.Second, p.MaxDelay)
	p = retryPolicy(&Step{ID: "a", MaxRetryDelay: 50 * time.Millisecond}, &opts)
	assert.Equal(t, 50*time.Millisecond, p.MaxDelay)
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))

	start := time.Now()
	assert.NoError(t, WaitForBackoff(context.Background(), 15*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}
