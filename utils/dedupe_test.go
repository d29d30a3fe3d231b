package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDeduplicator(t *testing.T) {
	mr, client := newTestRedis(t)
	d := NewRedisDeduplicator(client, time.Hour)
	ctx := context.Background()

	first, err := d.FirstSeen(ctx, "wamid.1")
	require.NoError(t, err)
	assert.True(t, first)
	assert.True(t, mr.Exists("inbound:wamid.1"))

	again, err := d.FirstSeen(ctx, "wamid.1")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, d.Forget(ctx, "wamid.1"))
	retry, err := d.FirstSeen(ctx, "wamid.1")
	require.NoError(t, err)
	assert.True(t, retry)

	mr.FastForward(2 * time.Hour)
	later, err := d.FirstSeen(ctx, "wamid.1")
	require.NoError(t, err)
	assert.True(t, later, "ids are forgotten after the ttl")

	for i := 0; i < 2; i++ {
		noID, err := d.FirstSeen(ctx, "")
		require.NoError(t, err)
		assert.True(t, noID)
	}
}

func TestMemoryDeduplicator(t *testing.T) {
	d := NewMemoryDeduplicator(time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	first, _ := d.FirstSeen(ctx, "m1")
	again, _ := d.FirstSeen(ctx, "m1")
	assert.True(t, first)
	assert.False(t, again)

	now = now.Add(2 * time.Minute)
	expired, _ := d.FirstSeen(ctx, "m1")
	assert.True(t, expired)

	require.NoError(t, d.Forget(ctx, "m1"))
	forgotten, _ := d.FirstSeen(ctx, "m1")
	assert.True(t, forgotten)
}
