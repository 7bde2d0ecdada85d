package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/store"
)

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestWriteReplacesAndMergeKeepsSiblings(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.Write(ctx, "a/b", map[string]any{"x": 1, "y": "keep"}))
	require.NoError(t, s.Merge(ctx, "a/b", map[string]any{"x": 2}))

	got := decode(t, mustRead(t, s, "a/b"))
	assert.Equal(t, float64(2), got["x"])
	assert.Equal(t, "keep", got["y"])

	require.NoError(t, s.Write(ctx, "a/b", map[string]any{"z": true}))
	got = decode(t, mustRead(t, s, "a/b"))
	assert.NotContains(t, got, "x")
	assert.Equal(t, true, got["z"])
}

func TestReadMissing(t *testing.T) {
	_, err := New().Read(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWriteRejectsNonObjects(t *testing.T) {
	err := New().Write(context.Background(), "a", 5)
	assert.ErrorIs(t, err, store.ErrNotObject)
}

func TestChildrenOrderedByGeneratedKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	var keys []string
	for i := 0; i < 20; i++ {
		k, err := s.GenerateChildKey(ctx, "log")
		require.NoError(t, err)
		require.NoError(t, s.Write(ctx, "log/"+k, map[string]any{"n": i}))
		keys = append(keys, k)
	}
	// grandchildren are not children
	require.NoError(t, s.Write(ctx, "log/"+keys[0]+"/deep", map[string]any{"n": -1}))

	nodes, err := s.Children(ctx, "log")
	require.NoError(t, err)
	require.Len(t, nodes, 20)
	for i, n := range nodes {
		assert.Equal(t, keys[i], n.Key)
		assert.Equal(t, float64(i), decode(t, n.Value)["n"])
	}
}

func TestSubscribeCoversSubtree(t *testing.T) {
	ctx := context.Background()
	s := New()

	var mu sync.Mutex
	var seen []string
	cancel, err := s.Subscribe(ctx, "chatList/u1", func(changed string) {
		mu.Lock()
		seen = append(seen, changed)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, s.Merge(ctx, "chatList/u1/k1", map[string]any{"a": 1}))
	require.NoError(t, s.Merge(ctx, "chatList/u10/k1", map[string]any{"a": 1}))
	_, err = s.Increment(ctx, "chatList/u1/k2", "unreadCount", 1)
	require.NoError(t, err)

	cancel()
	cancel()
	require.NoError(t, s.Merge(ctx, "chatList/u1/k1", map[string]any{"a": 2}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"chatList/u1/k1", "chatList/u1/k2"}, seen)
	assert.Zero(t, s.Listeners())
}

func TestIncrementIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Increment(ctx, "c", "n", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(50), decode(t, mustRead(t, s, "c"))["n"])
}

func mustRead(t *testing.T, s *Store, path string) json.RawMessage {
	t.Helper()
	raw, err := s.Read(context.Background(), path)
	require.NoError(t, err)
	return raw
}
