// Package memory is an in-process implementation of store.Store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"dm-service/internal/store"
)

// Store keeps every node in memory. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]map[string]json.RawMessage
	children map[string]map[string]struct{}
	fanout   *store.Fanout
}

var (
	_ store.Store       = (*Store)(nil)
	_ store.Incrementer = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		nodes:    make(map[string]map[string]json.RawMessage),
		children: make(map[string]map[string]struct{}),
		fanout:   store.NewFanout(),
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

	s.mu.Lock()
	s.put(path, fields)
	s.mu.Unlock()

	s.fanout.Notify(path)
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

	s.mu.Lock()
	merged := s.copyOf(path)
	for k, v := range encoded {
		merged[k] = v
	}
	s.put(path, merged)
	s.mu.Unlock()

	s.fanout.Notify(path)
	return nil
}

func (s *Store) Read(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	return json.Marshal(node)
}

func (s *Store) Children(ctx context.Context, path string) ([]store.Node, error) {
	path, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.children[path]))
	for child := range s.children[path] {
		keys = append(keys, child)
	}
	sort.Strings(keys)

	nodes := make([]store.Node, 0, len(keys))
	for _, child := range keys {
		raw, err := json.Marshal(s.nodes[child])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, store.Node{Key: store.Base(child), Value: raw})
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

// Increment adds delta to a numeric field, treating a missing node or field as zero.
func (s *Store) Increment(ctx context.Context, path, field string, delta int64) (int64, error) {
	path, err := store.Clean(path)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	node := s.copyOf(path)
	var current int64
	if raw, ok := node[field]; ok {
		if err := json.Unmarshal(raw, &current); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("memory: field %s is not numeric: %w", field, err)
		}
	}
	current += delta
	node[field] = json.RawMessage(strconv.FormatInt(current, 10))
	s.put(path, node)
	s.mu.Unlock()

	s.fanout.Notify(path)
	return current, nil
}

// Listeners returns the number of live subscriptions.
func (s *Store) Listeners() int {
	return s.fanout.Len()
}

func (s *Store) copyOf(path string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(s.nodes[path]))
	for k, v := range s.nodes[path] {
		out[k] = v
	}
	return out
}

// put must be called with s.mu held.
func (s *Store) put(path string, fields map[string]json.RawMessage) {
	s.nodes[path] = fields
	parent := store.Parent(path)
	if parent == "" {
		return
	}
	if _, ok := s.children[parent]; !ok {
		s.children[parent] = make(map[string]struct{})
	}
	s.children[parent][path] = struct{}{}
}
