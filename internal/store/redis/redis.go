// Package redis implements store.Store on Redis hashes. Each node is a hash whose field values
// are raw JSON, children are indexed in a sorted set per parent and changes are published on a
// pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"dm-service/internal/store"
)

// marker keeps empty objects addressable; Redis drops empty hashes.
const marker = "__node"

// Store is a go-redis backed keyed store.
type Store struct {
	client  *goredis.Client
	prefix  string
	channel string
	logger  *slog.Logger
	fanout  *store.Fanout
	pubsub  *goredis.PubSub
}

var (
	_ store.Store       = (*Store)(nil)
	_ store.Incrementer = (*Store)(nil)
)

// NewClient parses a redis:// URL and verifies connectivity.
func NewClient(ctx context.Context, url string) (*goredis.Client, error) {
	if url == "" {
		return nil, errors.New("redis: url is empty")
	}
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := goredis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// New constructs a Store with keys namespaced under prefix.
func New(client *goredis.Client, prefix string, logger *slog.Logger) *Store {
	return &Store{
		client:  client,
		prefix:  prefix,
		channel: prefix + "changes",
		logger:  logger,
		fanout:  store.NewFanout(),
	}
}

// Listen subscribes to the change channel and dispatches to local subscribers.
func (s *Store) Listen(ctx context.Context) error {
	s.pubsub = s.client.Subscribe(ctx, s.channel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return fmt.Errorf("redis: subscribe %s: %w", s.channel, err)
	}
	go func() {
		for msg := range s.pubsub.Channel() {
			s.fanout.Notify(msg.Payload)
		}
	}()
	return nil
}

// Close stops change delivery.
func (s *Store) Close() error {
	if s.pubsub != nil {
		return s.pubsub.Close()
	}
	return nil
}

func (s *Store) nodeKey(path string) string     { return s.prefix + "node:" + path }
func (s *Store) childrenKey(path string) string { return s.prefix + "children:" + path }

// link registers path under its parent and marks it as existing.
func (s *Store) link(ctx context.Context, pipe goredis.Pipeliner, path string) {
	pipe.HSet(ctx, s.nodeKey(path), marker, "1")
	if parent := store.Parent(path); parent != "" {
		pipe.ZAdd(ctx, s.childrenKey(parent), goredis.Z{Score: 0, Member: path})
	}
}

func (s *Store) Write(ctx context.Context, path string, value any) error {
	path, err := store.Clean(path)
	if err != nil {
		return err
	}
	fields, err := store.EncodeObject(value)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.nodeKey(path))
		s.link(ctx, pipe, path)
		if len(fields) > 0 {
			pipe.HSet(ctx, s.nodeKey(path), toHash(fields))
		}
		pipe.Publish(ctx, s.channel, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: write %s: %w", path, err)
	}
	return nil
}

func (s *Store) Merge(ctx context.Context, path string, fields map[string]any) error {
	path, err := store.Clean(path)
	if err != nil {
		return err
	}
	encoded, err := store.EncodeFields(fields)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		s.link(ctx, pipe, path)
		if len(encoded) > 0 {
			pipe.HSet(ctx, s.nodeKey(path), toHash(encoded))
		}
		pipe.Publish(ctx, s.channel, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: merge %s: %w", path, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	hash, err := s.client.HGetAll(ctx, s.nodeKey(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read %s: %w", path, err)
	}
	if len(hash) == 0 {
		return nil, store.ErrNotFound
	}
	return fromHash(hash)
}

func (s *Store) Children(ctx context.Context, path string) ([]store.Node, error) {
	path, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	paths, err := s.client.ZRange(ctx, s.childrenKey(path), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: children of %s: %w", path, err)
	}
	if len(paths) == 0 {
		return []store.Node{}, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(paths))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, p := range paths {
			cmds[i] = pipe.HGetAll(ctx, s.nodeKey(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: load children of %s: %w", path, err)
	}

	nodes := make([]store.Node, 0, len(paths))
	for i, p := range paths {
		raw, err := fromHash(cmds[i].Val())
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, store.Node{Key: store.Base(p), Value: raw})
	}
	return nodes, nil
}

func (s *Store) GenerateChildKey(ctx context.Context, prefix string) (string, error) {
	if _, err := store.Clean(prefix); err != nil {
		return "", err
	}
	return store.NewChildKey()
}

func (s *Store) Subscribe(ctx context.Context, path string, onChange func(string)) (store.CancelFunc, error) {
	path, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	return s.fanout.Add(path, onChange), nil
}

// Increment relies on HINCRBY; a JSON integer is stored as its decimal text.
func (s *Store) Increment(ctx context.Context, path, field string, delta int64) (int64, error) {
	path, err := store.Clean(path)
	if err != nil {
		return 0, err
	}
	var incr *goredis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		s.link(ctx, pipe, path)
		incr = pipe.HIncrBy(ctx, s.nodeKey(path), field, delta)
		pipe.Publish(ctx, s.channel, path)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis: increment %s.%s: %w", path, field, err)
	}
	return incr.Val(), nil
}

func toHash(fields map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = string(v)
	}
	return out
}

func fromHash(hash map[string]string) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(hash))
	for k, v := range hash {
		if k == marker {
			continue
		}
		fields[k] = json.RawMessage(v)
	}
	return json.Marshal(fields)
}
