package retry

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (s statusErr) Error() string   { return http.StatusText(int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

func TestRetry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 3}, func(context.Context, int) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()

	var retried []int
	cfg := Config{
		MaxAttempts: 3,
		Delay:       time.Millisecond,
		OnRetry:     func(attempt int, err error) { retried = append(retried, attempt) },
	}

	err := Do(context.Background(), cfg, func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return statusErr(http.StatusInternalServerError)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_Do_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	attempts := 0
	sentinel := errors.New("connection reset by peer")
	err := Do(context.Background(), Config{MaxAttempts: 3, Delay: time.Millisecond}, func(context.Context, int) error {
		attempts++
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_Do_PermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), Config{MaxAttempts: 5, Delay: time.Millisecond}, func(context.Context, int) error {
		attempts++
		return Permanent(errors.New("gone"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_Do_UsesFixedDelayOnClock(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	var attempts atomic.Int32
	done := make(chan error, 1)

	go func() {
		done <- Do(context.Background(), Config{MaxAttempts: 2, Delay: time.Minute, Clock: clock},
			func(context.Context, int) error {
				if attempts.Add(1) == 1 {
					return errors.New("unexpected EOF")
				}
				return nil
			})
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	assert.Equal(t, int32(1), attempts.Load(), "second attempt must wait for the delay")
	clock.Advance(time.Minute)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Do did not finish after the delay elapsed")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestRetry_Do_ContextCancelledDuringDelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)

	go func() {
		done <- Do(ctx, Config{MaxAttempts: 3, Delay: time.Hour, Clock: clock}, func(context.Context, int) error {
			return errors.New("timeout")
		})
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestRetry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"attempt deadline", context.DeadlineExceeded, true},
		{"permanent", Permanent(errors.New("x")), false},
		{"404", statusErr(http.StatusNotFound), false},
		{"429", statusErr(http.StatusTooManyRequests), true},
		{"503", statusErr(http.StatusServiceUnavailable), true},
		{"unknown host", errors.New("dial tcp: lookup x: no such host"), false},
		{"reset", errors.New("read: connection reset by peer"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
