package redis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "test:", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRedisWriteMergeRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Write(ctx, "conversations/k", map[string]any{"lastMessageBody": "hi", "participants": []string{"a", "b"}}))
	require.NoError(t, s.Merge(ctx, "conversations/k", map[string]any{"lastMessageBody": "yo"}))

	raw, err := s.Read(ctx, "conversations/k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"lastMessageBody":"yo","participants":["a","b"]}`, string(raw))

	_, err = s.Read(ctx, "conversations/missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisEmptyObjectStillExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Write(ctx, "a/b", map[string]any{}))
	raw, err := s.Read(ctx, "a/b")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestRedisChildrenAndIncrement(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Write(ctx, "chatList/u1/k2", map[string]any{"unreadCount": 0}))
	require.NoError(t, s.Write(ctx, "chatList/u1/k1", map[string]any{"unreadCount": 0}))

	n, err := s.Increment(ctx, "chatList/u1/k1", "unreadCount", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Increment(ctx, "chatList/u1/k1", "unreadCount", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	nodes, err := s.Children(ctx, "chatList/u1")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "k1", nodes[0].Key)
	assert.Equal(t, "k2", nodes[1].Key)

	var entry struct {
		UnreadCount int `json:"unreadCount"`
	}
	require.NoError(t, json.Unmarshal(nodes[0].Value, &entry))
	assert.Equal(t, 2, entry.UnreadCount)
}

func TestRedisSubscriptionReceivesChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Listen(ctx))
	t.Cleanup(func() { s.Close() })

	var hits atomic.Int32
	cancel, err := s.Subscribe(ctx, "messages/k", func(string) { hits.Add(1) })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Write(ctx, "messages/k/m1", map[string]any{"body": "x"}))
	require.NoError(t, s.Write(ctx, "messages/other/m1", map[string]any{"body": "x"}))

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 10*time.Millisecond)
}
