package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestUtils_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestUtils_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("success on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(t.Context(), fastConfig(), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("success after retries", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		var retried []int
		cfg := fastConfig()
		cfg.OnRetry = func(attempt int, err error) {
			retried = append(retried, attempt)
			require.Error(t, err)
		}
		err := Do(t.Context(), cfg, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
		require.Equal(t, []int{2, 3}, retried)
	})

	t.Run("exhausts all attempts", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		originalErr := errors.New("connection reset")
		err := Do(t.Context(), fastConfig(), func() error {
			attempts++
			return originalErr
		})
		require.ErrorIs(t, err, originalErr)
		require.Equal(t, 3, attempts)
	})

	t.Run("non-retryable error returns immediately", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		originalErr := errors.New("natural key missing")
		err := Do(t.Context(), fastConfig(), func() error {
			attempts++
			return originalErr
		})
		require.Equal(t, originalErr, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("context cancelled during backoff", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		cfg := Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Second}
		err := Do(ctx, cfg, func() error {
			cancel()
			return errors.New("timeout")
		})
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(t.Context(), Config{}, func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})
}

func TestUtils_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", fmt.Errorf("failed to close out versions: %w", &pgconn.PgError{Code: "40P01"}), true},
		{"connection exception class", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"duckdb conflict", errors.New("TransactionContext Error: Transaction conflict: cannot update"), true},
		{"connection refused", errors.New("dial tcp 127.0.0.1:5432: connection refused"), true},
		{"s3 slowdown", errors.New("api error SlowDown: Please reduce your request rate"), true},
		{"plain error", errors.New("invalid input"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestUtils_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 10; attempt++ {
		got := calculateBackoff(100*time.Millisecond, time.Second, attempt)
		require.LessOrEqual(t, got, time.Second)
		require.Greater(t, got, time.Duration(0))
	}
}
