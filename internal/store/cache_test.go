// ABOUTME: Tests for the SQLite session cache
// ABOUTME: Verifies upsert, chronological reads, tombstones, and warm start

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestCache(t *testing.T) *SessionCache {
	c, err := NewSessionCache(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_PutAndRecent(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, msg("m2", "peer-1", "peer-1", "second", base.Add(time.Second))))
	require.NoError(t, c.Put(ctx, msg("m1", "peer-1", "peer-1", "first", base)))
	require.NoError(t, c.Put(ctx, msg("x1", "peer-2", "peer-2", "other", base)))

	got, err := c.Recent(ctx, "peer-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID, "chronological order")
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, "first", got[0].Text)
	assert.True(t, got[0].CreatedAt.Equal(base))
}

func TestCache_PutUpserts(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	m := msg("m1", "peer-1", "peer-1", "before", base)
	require.NoError(t, c.Put(ctx, m))

	edited := base.Add(time.Minute)
	m.Text = "after"
	m.EditedAt = &edited
	require.NoError(t, c.Put(ctx, m))

	got, err := c.Recent(ctx, "peer-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "after", got[0].Text)
	require.NotNil(t, got[0].EditedAt)
	assert.True(t, got[0].EditedAt.Equal(edited))
}

func TestCache_RecentLimitKeepsNewest(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, c.Put(ctx, msg(id, "peer-1", "peer-1", id, base.Add(time.Duration(i)*time.Second))))
	}

	got, err := c.Recent(ctx, "peer-1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].ID)
	assert.Equal(t, "e", got[1].ID)
}

func TestCache_Tombstones(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	m := msg("m1", "peer-1", "peer-1", "", base)
	m.Deleted = true
	require.NoError(t, c.Put(ctx, m))

	got, err := c.Recent(ctx, "peer-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Deleted)
}

func TestCache_Receipts(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	delivered := base.Add(time.Second)
	seen := base.Add(2 * time.Second)
	m := msg("m1", "peer-1", "me", "hi", base)
	m.DeliveredAt = &delivered
	m.SeenAt = &seen
	require.NoError(t, c.Put(ctx, m))

	got, err := c.Recent(ctx, "peer-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].DeliveredAt)
	require.NotNil(t, got[0].SeenAt)
	assert.True(t, got[0].DeliveredAt.Equal(delivered))
	assert.True(t, got[0].SeenAt.Equal(seen))
}

func TestCache_DropPeer(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, msg("m1", "peer-1", "peer-1", "a", base)))
	require.NoError(t, c.Put(ctx, msg("x1", "peer-2", "peer-2", "b", base)))

	require.NoError(t, c.DropPeer(ctx, "peer-1"))

	got, err := c.Recent(ctx, "peer-1", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.Recent(ctx, "peer-2", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_WarmFromCache(t *testing.T) {
	c := createTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, msg("m1", "peer-1", "peer-1", "cached", base)))

	s := New(&fakeFetcher{}, c, nil)
	s.WarmFromCache(ctx, "peer-1")

	log := s.Messages("peer-1")
	require.Len(t, log, 1)
	assert.Equal(t, "cached", log[0].Text)

	// Second warm is a no-op on a non-empty log
	require.NoError(t, c.Put(ctx, msg("m2", "peer-1", "peer-1", "later", base.Add(time.Second))))
	s.WarmFromCache(ctx, "peer-1")
	assert.Len(t, s.Messages("peer-1"), 1)
}

func TestStore_WritesThroughToCache(t *testing.T) {
	c := createTestCache(t)
	s := New(&fakeFetcher{}, c, nil)

	s.AppendIncoming(msg("m1", "peer-1", "peer-1", "hello", base))

	got, err := c.Recent(context.Background(), "peer-1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)
}

func TestCache_InMemory(t *testing.T) {
	c, err := NewSessionCache(":memory:")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Put(context.Background(), msg("m1", "peer-1", "peer-1", "hi", base)))
	got, err := c.Recent(context.Background(), "peer-1", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
