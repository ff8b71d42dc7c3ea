package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupVelocityTracker(t *testing.T, hourlyCap, dailyCap int64) (*VelocityTracker, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewVelocityTracker(client, hourlyCap, dailyCap), mr
}

func TestVelocityTrackerAdmitsUnderCap(t *testing.T) {
	tracker, _ := setupVelocityTracker(t, 1_000_000, 5_000_000)
	ctx := context.Background()
	now := time.Now()

	allowed, window, totals, err := tracker.TryAdmit(ctx, "user-1", "req-1", 400_000, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, window)
	assert.Equal(t, int64(0), totals.HourTotal)

	// A second admission sees the first one's amount in both windows
	allowed, _, totals, err = tracker.TryAdmit(ctx, "user-1", "req-2", 400_000, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(400_000), totals.HourTotal)
	assert.Equal(t, int64(400_000), totals.DayTotal)
}

func TestVelocityTrackerBlocksHourlyCap(t *testing.T) {
	tracker, _ := setupVelocityTracker(t, 1_000_000, 5_000_000)
	ctx := context.Background()
	now := time.Now()

	allowed, _, _, err := tracker.TryAdmit(ctx, "user-1", "req-1", 900_000, now)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, window, totals, err := tracker.TryAdmit(ctx, "user-1", "req-2", 200_000, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, "hourly", window)
	assert.Equal(t, int64(900_000), totals.HourTotal)

	// The blocked request was not recorded
	allowed, _, totals, err = tracker.TryAdmit(ctx, "user-1", "req-3", 100_000, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(900_000), totals.HourTotal)
}

func TestVelocityTrackerBlocksDailyCap(t *testing.T) {
	tracker, _ := setupVelocityTracker(t, 1_000_000, 1_500_000)
	ctx := context.Background()
	now := time.Now()

	// Two requests in different hours stay under the hourly cap but fill the day
	allowed, _, _, err := tracker.TryAdmit(ctx, "user-1", "req-1", 900_000, now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, window, _, err := tracker.TryAdmit(ctx, "user-1", "req-2", 700_000, now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, "daily", window)
}

func TestVelocityTrackerExpiresOldEntries(t *testing.T) {
	tracker, _ := setupVelocityTracker(t, 1_000_000, 5_000_000)
	ctx := context.Background()
	now := time.Now()

	allowed, _, _, err := tracker.TryAdmit(ctx, "user-1", "req-1", 900_000, now.Add(-90*time.Minute))
	require.NoError(t, err)
	require.True(t, allowed)

	// 90 minutes later the hourly window no longer counts req-1
	allowed, _, totals, err := tracker.TryAdmit(ctx, "user-1", "req-2", 900_000, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(0), totals.HourTotal)
	assert.Equal(t, int64(900_000), totals.DayTotal)
}

func TestVelocityTrackerRelease(t *testing.T) {
	tracker, _ := setupVelocityTracker(t, 1_000_000, 5_000_000)
	ctx := context.Background()
	now := time.Now()

	allowed, _, _, err := tracker.TryAdmit(ctx, "user-1", "req-1", 900_000, now)
	require.NoError(t, err)
	require.True(t, allowed)

	require.NoError(t, tracker.Release(ctx, "user-1", "req-1", 900_000))

	// The released amount no longer counts toward the caps
	allowed, _, totals, err := tracker.TryAdmit(ctx, "user-1", "req-2", 900_000, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(0), totals.HourTotal)
}

func TestVelocityTrackerRevalidateExcludesOwnEntry(t *testing.T) {
	tracker, _ := setupVelocityTracker(t, 1_000_000, 5_000_000)
	ctx := context.Background()
	now := time.Now()

	allowed, _, _, err := tracker.TryAdmit(ctx, "user-1", "req-1", 900_000, now)
	require.NoError(t, err)
	require.True(t, allowed)

	// The request's own recorded amount must not double-count against itself
	ok, err := tracker.Revalidate(ctx, "user-1", "req-1", 900_000, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVelocityTrackerRevalidateBlocksWhenOthersFillWindow(t *testing.T) {
	tracker, _ := setupVelocityTracker(t, 1_000_000, 5_000_000)
	ctx := context.Background()
	now := time.Now()

	allowed, _, _, err := tracker.TryAdmit(ctx, "user-1", "req-1", 300_000, now)
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, _, err = tracker.TryAdmit(ctx, "user-1", "req-2", 600_000, now)
	require.NoError(t, err)
	require.True(t, allowed)

	// req-1's retry no longer fits: 600,000 from req-2 plus 500,000 > cap
	ok, err := tracker.Revalidate(ctx, "user-1", "req-3", 500_000, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVelocityTrackerIsolatesUsers(t *testing.T) {
	tracker, _ := setupVelocityTracker(t, 1_000_000, 5_000_000)
	ctx := context.Background()
	now := time.Now()

	allowed, _, _, err := tracker.TryAdmit(ctx, "user-1", "req-1", 900_000, now)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, totals, err := tracker.TryAdmit(ctx, "user-2", "req-2", 900_000, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(0), totals.HourTotal)
}

func TestVelocityTrackerCaps(t *testing.T) {
	tracker, _ := setupVelocityTracker(t, 111, 222)
	hourly, daily := tracker.Caps()
	assert.Equal(t, int64(111), hourly)
	assert.Equal(t, int64(222), daily)
}
