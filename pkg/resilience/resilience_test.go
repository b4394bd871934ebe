package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/shotleybuilder/sertantai-enforcement-sub010/pkg/errors"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "fetch", fastRetry(3), func() error {
		calls++
		if calls < 3 {
			return apperrors.ErrTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	cfg := fastRetry(5)
	cfg.Retryable = apperrors.IsTransient
	notFound := apperrors.Wrap(apperrors.ErrNotFound, nil, "404")

	calls := 0
	err := Retry(context.Background(), "fetch", cfg, func() error {
		calls++
		return notFound
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, notFound, err)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "fetch", fastRetry(2), func() error {
		calls++
		return apperrors.ErrTransient
	})
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, apperrors.ErrTransient)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour}
	calls := 0
	err := Retry(ctx, "fetch", cfg, func() error {
		calls++
		cancel()
		return apperrors.ErrTransient
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	var transitions []State
	cb := NewCircuitBreaker("upstream", CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     20 * time.Millisecond,
		OnStateChange:    func(_ string, to State) { transitions = append(transitions, to) },
	})
	boom := errors.New("boom")

	assert.Equal(t, boom, cb.Execute(func() error { return boom }))
	assert.Equal(t, boom, cb.Execute(func() error { return boom }))
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(func() error { t.Fatal("called while open"); return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreakerIgnoresNonFailures(t *testing.T) {
	cb := NewCircuitBreaker("upstream", CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        apperrors.IsTransient,
	})
	_ = cb.Execute(func() error { return apperrors.ErrNotFound })
	assert.Equal(t, StateClosed, cb.GetState())
	_ = cb.Execute(func() error { return apperrors.ErrTransient })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "upsert", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Contains(t, err.Error(), "upsert")

	err = WithTimeout(context.Background(), time.Second, "upsert", func(context.Context) error { return nil })
	assert.NoError(t, err)

	parent, cancel := context.WithCancel(context.Background())
	cancel()
	err = WithTimeout(parent, time.Second, "upsert", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, apperrors.ErrTimeout)
}
