package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	l, err := NewFixedWindowLimiter(client, "test", limit, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return l, mr
}

func TestFixedWindowLimiter(t *testing.T) {
	l, _ := newTestLimiter(t, 2)
	now := time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "1.2.3.4"))
	assert.True(t, l.Allow(ctx, "1.2.3.4"))
	assert.False(t, l.Allow(ctx, "1.2.3.4"))
	assert.True(t, l.Allow(ctx, "5.6.7.8"), "keys are counted separately")

	now = now.Add(time.Minute)
	assert.True(t, l.Allow(ctx, "1.2.3.4"), "a new window resets the count")
}

func TestFixedWindowLimiterSetsExpiry(t *testing.T) {
	l, mr := newTestLimiter(t, 5)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow(context.Background(), "k"))

	key := "test:k:" + "28401840"
	require.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	l, mr := newTestLimiter(t, 5)
	mr.Close()
	assert.False(t, l.Allow(context.Background(), "k"))
}

func TestNewFixedWindowLimiterValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewFixedWindowLimiter(nil, "", 1, time.Minute, logger)
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	_, err = NewFixedWindowLimiter(client, "", 0, time.Minute, logger)
	assert.Error(t, err)
}
