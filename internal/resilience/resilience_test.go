package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/MediaGate/internal/failure"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestRetryPolicyRetriesTransientUntilSuccess(t *testing.T) {
	var calls int32
	var retries []int
	policy := NewRetryPolicy(fastRetry(5), func(attempt int, _ error) {
		retries = append(retries, attempt)
	})

	err := Run(context.Background(), func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 4 {
			return failure.Wrap(failure.TransientServiceError, "put", errors.New("503"))
		}
		return nil
	}, policy)

	require.NoError(t, err)
	require.Equal(t, int32(4), atomic.LoadInt32(&calls))
	require.Len(t, retries, 3)
}

func TestRetryPolicyStopsOnPermanent(t *testing.T) {
	var calls int32
	policy := NewRetryPolicy(fastRetry(5), nil)

	err := Run(context.Background(), func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return failure.Wrap(failure.PermanentServiceError, "put", errors.New("access denied"))
	}, policy)

	require.Error(t, err)
	require.True(t, failure.IsPermanent(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryPolicyReturnsLastErrorWhenExhausted(t *testing.T) {
	var calls int32
	policy := NewRetryPolicy(fastRetry(3), nil)

	err := Run(context.Background(), func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return failure.Wrap(failure.TransientServiceError, "put", errors.New("slow down"))
	}, policy)

	require.Error(t, err)
	require.Equal(t, failure.TransientServiceError, failure.KindOf(err))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryConfigNormalizes(t *testing.T) {
	cfg := normalizeRetryConfig(RetryConfig{MaxAttempts: -1, BaseDelay: 0, MaxDelay: 0})
	require.Equal(t, 1, cfg.MaxAttempts)
	require.Equal(t, cfg.BaseDelay, cfg.MaxDelay)
}

func TestCircuitBreakerOpensAndTranslates(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "visual", FailureThreshold: 2, SampleSize: 2, OpenDelay: time.Minute})
	boom := failure.Wrap(failure.TransientServiceError, "analyze", errors.New("502"))
	for i := 0; i < 2; i++ {
		_ = Run(context.Background(), func(context.Context) error { return boom }, cb)
	}

	var called bool
	err := Translate("analyze", Run(context.Background(), func(context.Context) error {
		called = true
		return nil
	}, cb))
	require.False(t, called)
	require.True(t, failure.IsTransient(err))
}
