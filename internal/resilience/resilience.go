// Package resilience wraps failsafe-go so every remote call in the pipeline
// retries and trips breakers the same way.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/MediaGate/internal/failure"
)

// RetryConfig bounds exponential backoff for a single invocation.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean a single attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns the pipeline-wide retry bounds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return cfg
}

// NewRetryPolicy retries only errors classified as transient. Permanent errors
// and timeouts return immediately; after the last attempt the last error is
// returned as-is so its failure kind survives.
func NewRetryPolicy(cfg RetryConfig, onRetry func(attempt int, err error)) retrypolicy.RetryPolicy[any] {
	cfg = normalizeRetryConfig(cfg)
	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return failure.IsTransient(err)
		}).
		WithMaxAttempts(cfg.MaxAttempts).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithJitterFactor(0.1).
		ReturnLastFailure()
	if onRetry != nil {
		builder = builder.OnRetry(func(e failsafe.ExecutionEvent[any]) {
			onRetry(e.Attempts(), e.LastError())
		})
	}
	return builder.Build()
}

// Run executes fn under the given policies, honoring ctx cancellation between
// attempts.
func Run(ctx context.Context, fn func(ctx context.Context) error, policies ...failsafe.Policy[any]) error {
	if len(policies) == 0 {
		return fn(ctx)
	}
	return failsafe.With(policies...).WithContext(ctx).Run(func() error {
		return fn(ctx)
	})
}

// BreakerConfig configures a circuit breaker guarding one remote service.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint
	SampleSize       uint
	OpenDelay        time.Duration
	Logger           logrus.FieldLogger
}

// NewCircuitBreaker opens after FailureThreshold of the last SampleSize calls
// failed with a service error. Client-side validation errors do not count.
func NewCircuitBreaker(cfg BreakerConfig) circuitbreaker.CircuitBreaker[any] {
	if cfg.SampleSize == 0 {
		cfg.SampleSize = 10
	}
	if cfg.FailureThreshold == 0 || cfg.FailureThreshold > cfg.SampleSize {
		cfg.FailureThreshold = cfg.SampleSize / 2
	}
	if cfg.OpenDelay <= 0 {
		cfg.OpenDelay = 15 * time.Second
	}
	builder := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && !failure.IsPermanent(err)
		}).
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.SampleSize).
		WithDelay(cfg.OpenDelay).
		WithSuccessThreshold(1)
	if cfg.Logger != nil {
		name := cfg.Name
		logger := cfg.Logger
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      stateName(event.OldState),
				"to_state":        stateName(event.NewState),
			}).Warn("circuit breaker state change")
		})
	}
	return builder.Build()
}

// Translate maps failsafe's own errors into the pipeline taxonomy. An open
// breaker is transient: the service may recover before the next sweep.
func Translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return failure.Wrap(failure.TransientServiceError, op+": circuit open", err)
	}
	return err
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}
