// Package store defines the real-time keyed store the messaging core is written against.
//
// Every node is a JSON object addressed by a slash-separated path. Children of a path are the
// nodes exactly one segment below it. Subscriptions fire for changes at the subscribed path or
// anywhere beneath it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("store: node not found")
	ErrInvalidPath = errors.New("store: invalid path")
	ErrNotObject   = errors.New("store: value must encode to a JSON object")
)

// CancelFunc detaches a subscription. It is safe to call more than once.
type CancelFunc func()

// Node is a direct child returned by Children.
type Node struct {
	Key   string
	Value json.RawMessage
}

// Store is the minimal keyed-store contract.
type Store interface {
	// Write replaces the object at path.
	Write(ctx context.Context, path string, value any) error
	// Merge sets the given top-level fields at path without touching siblings,
	// creating the node when it does not exist.
	Merge(ctx context.Context, path string, fields map[string]any) error
	// Read returns the object at path or ErrNotFound.
	Read(ctx context.Context, path string) (json.RawMessage, error)
	// Children returns the direct children of path ordered by key.
	Children(ctx context.Context, path string) ([]Node, error)
	// GenerateChildKey mints a unique key under prefix. Keys sort in generation order.
	GenerateChildKey(ctx context.Context, prefix string) (string, error)
	// Subscribe registers onChange for changes at path or below it.
	Subscribe(ctx context.Context, path string, onChange func(changed string)) (CancelFunc, error)
}

// Incrementer is implemented by stores with an atomic numeric field increment.
type Incrementer interface {
	Increment(ctx context.Context, path, field string, delta int64) (int64, error)
}

// Join builds a path from raw segments, escaping each one.
func Join(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	return strings.Join(escaped, "/")
}

// Clean validates and normalizes a path.
func Clean(path string) (string, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return path, nil
}

// Parent returns the parent path, or "" for a top-level node.
func Parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

// Base returns the last segment of path, unescaped.
func Base(path string) string {
	seg := path[strings.LastIndex(path, "/")+1:]
	if raw, err := url.PathUnescape(seg); err == nil {
		return raw
	}
	return seg
}

// Covers reports whether a change at changed is visible to a subscription on path.
func Covers(path, changed string) bool {
	return changed == path || strings.HasPrefix(changed, path+"/")
}

// NewChildKey returns a time-ordered key. UUIDv7 strings sort lexicographically by creation
// time and are monotonic within one process.
func NewChildKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("store: generate key: %w", err)
	}
	return id.String(), nil
}

// EncodeObject marshals value and checks that it is a JSON object.
func EncodeObject(value any) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: encode value: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, ErrNotObject
	}
	return fields, nil
}

// EncodeFields marshals each merge field independently.
func EncodeFields(fields map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("store: encode field %s: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}
