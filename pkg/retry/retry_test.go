package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Millisecond}
	sentinel := errors.New("still broken")
	calls := 0

	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, BaseDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry loop did not stop after cancel")
	}
}

func TestDelayDoublesAndCaps(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, cfg.Delay(1))
	assert.Equal(t, 2*time.Second, cfg.Delay(2))
	assert.Equal(t, 4*time.Second, cfg.Delay(3))
	assert.Equal(t, 5*time.Second, cfg.Delay(4))
	assert.Equal(t, time.Second, cfg.Delay(0))
}

func TestDoCallsOnRetryBetweenAttempts(t *testing.T) {
	var attempts []int
	cfg := Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		OnRetry:     func(attempt int, _ error) { attempts = append(attempts, attempt) },
	}

	err := Do(context.Background(), cfg, func(context.Context) error {
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.Equal(t, []int{1, 2}, attempts, "no callback after the final attempt")
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{}, func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
