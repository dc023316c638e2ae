package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo_Success(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_DeactivatedIsNotRetried(t *testing.T) {
	calls := 0
	deactivated := &perrors.APIError{Service: "telemetry", StatusCode: 403, Code: perrors.CodeDeactivated}
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return deactivated
	})
	assert.True(t, perrors.IsDeactivated(err))
	assert.Equal(t, 1, calls)
}

func TestDo_RetryableError_EventualSuccess(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		retried = append(retried, attempt)
	}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return perrors.ErrUnavailable
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_RetryableError_AllFail(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func(ctx context.Context) error {
		calls++
		return perrors.NewAPIError("telemetry", 503, "down")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Config{}, func(ctx context.Context) error {
		calls++
		return perrors.ErrTimeout
	})
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Second}
	err := Do(ctx, cfg, func(ctx context.Context) error {
		return perrors.ErrTimeout
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_GenericNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
		calls++
		return errors.New("generic error")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
