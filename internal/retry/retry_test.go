// ABOUTME: Tests for the retry policy
// ABOUTME: Covers classification, attempt bounds, capped delays, and cancellation

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func classifyTransient(err error) Kind {
	if errors.Is(err, errTransient) {
		return Retryable
	}
	return Fatal
}

func newTestPolicy(maxAttempts int) *Policy {
	p := New("test", Config{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}, classifyTransient, nil)
	p.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

func TestPolicy_RetriesRetryableUntilSuccess(t *testing.T) {
	p := newTestPolicy(4)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_StopsAtMaxAttempts(t *testing.T) {
	p := newTestPolicy(3)
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestPolicy_FatalIsNotRetried(t *testing.T) {
	p := newTestPolicy(5)
	fatal := errors.New("corrupt")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestPolicy_CancelledContextStops(t *testing.T) {
	p := newTestPolicy(5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestPolicy_DelayIsCapped(t *testing.T) {
	p := New("cap", Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}, nil, nil)
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(10))
}

func TestPolicy_JitterStaysWithinTenPercent(t *testing.T) {
	p := New("jitter", Config{BaseDelay: time.Second, MaxDelay: time.Second, Jitter: true}, nil, nil)
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 900*time.Millisecond)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestValue_ReturnsResult(t *testing.T) {
	p := newTestPolicy(3)
	calls := 0
	got, err := Value(context.Background(), p, func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}
