package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/hostelgate/internal/gate/ratelimit"
)

func TestMemoryLimiter_FixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 10, 0, time.UTC)
	l := ratelimit.NewMemoryLimiter(2, time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "gate-1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := l.Allow(ctx, "gate-1")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Zero(t, res.Remaining)
	require.Equal(t, 50*time.Second, res.RetryAfter)

	// Other keys have their own window.
	res, err = l.Allow(ctx, "gate-2")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(1), res.Remaining)

	// Next window starts fresh.
	now = now.Add(time.Minute)
	res, err = l.Allow(ctx, "gate-1")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}
