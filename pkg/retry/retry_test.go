package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()

	attempts := 0
	v, err := Do(t.Context(), DefaultConfig(), func() (int, error) {
		attempts++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, attempts)
}

func TestRetry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}
	attempts := 0
	v, err := Do(t.Context(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
}

func TestRetry_Do_ExhaustsAllAttempts(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}
	attempts := 0
	originalErr := errors.New("connection reset")
	_, err := Do(t.Context(), cfg, func() (int, error) {
		attempts++
		return 0, originalErr
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, originalErr)
}

func TestRetry_Do_NonRetryableError(t *testing.T) {
	t.Parallel()

	cfg := Config{MaxAttempts: 3, BaseBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}
	attempts := 0
	originalErr := errors.New("invalid input")
	_, err := Do(t.Context(), cfg, func() (int, error) {
		attempts++
		return 0, originalErr
	})
	require.ErrorIs(t, err, originalErr)
	assert.Equal(t, 1, attempts, "non-retryable errors fail immediately")
}

func TestRetry_Do_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cfg := Config{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}

	attempts := 0
	_, err := Do(ctx, cfg, func() (int, error) {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return 0, errors.New("connection reset")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, attempts)
}

func TestRetry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"timeout", errors.New("operation timeout"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"rpc throttled", &jsonrpc.RPCError{Code: 429, Message: "too many requests"}, true},
		{"node behind", &jsonrpc.RPCError{Code: -32005, Message: "node is behind"}, true},
		{"invalid params", &jsonrpc.RPCError{Code: -32602, Message: "invalid params"}, false},
		{"application error", errors.New("round already resolved"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetry_CalculateBackoff_CappedWithJitter(t *testing.T) {
	t.Parallel()

	base := 500 * time.Millisecond
	max := 5 * time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		for i := 0; i < 10; i++ {
			got := calculateBackoff(base, max, attempt)
			assert.LessOrEqual(t, got, max)
			assert.Greater(t, got, time.Duration(0))
		}
	}
}
