package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("summarizer", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})

	boom := errors.New("boom")
	fail := func(ctx context.Context) error { return boom }

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), boom)
	assert.Equal(t, StateClosed, cb.State())

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	// Open circuit rejects without invoking the function
	invoked := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsDegraded(err))
	assert.False(t, invoked)
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("summarizer", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Millisecond,
	})

	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}))
	assert.Equal(t, StateOpen, cb.State())

	// After the timeout the breaker lets probes through
	time.Sleep(5 * time.Millisecond)

	ok := func(ctx context.Context) error { return nil }
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerAllowMark(t *testing.T) {
	cb := NewCircuitBreaker("summarizer", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})

	require.NoError(t, cb.Allow())
	cb.Mark(errors.New("boom"))
	assert.Equal(t, StateOpen, cb.State())
	require.Error(t, cb.Allow())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Allow())
}

func TestExecuteFuncReturnsResult(t *testing.T) {
	cb := NewCircuitBreaker("summarizer", DefaultCircuitBreakerConfig())

	got, err := ExecuteFunc(cb, context.Background(), func(ctx context.Context) (string, error) {
		return "summary text", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "summary text", got)

	metrics := cb.Metrics()
	assert.Equal(t, "summarizer", metrics.Name)
	assert.Equal(t, StateClosed, metrics.State)
}
