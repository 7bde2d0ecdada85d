// Package postgres implements store.Store on a single JSONB table with LISTEN/NOTIFY for
// change delivery.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"dm-service/internal/db"
	"dm-service/internal/store"
)

// Store is a sqlx-backed keyed store.
type Store struct {
	db       *sqlx.DB
	logger   *slog.Logger
	fanout   *store.Fanout
	listener *pq.Listener
	done     chan struct{}
}

var (
	_ store.Store       = (*Store)(nil)
	_ store.Incrementer = (*Store)(nil)
)

// New constructs a Store. Change notifications flow only after Listen.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger, fanout: store.NewFanout(), done: make(chan struct{})}
}

// Listen opens a dedicated LISTEN connection and dispatches notifications to subscribers.
func (s *Store) Listen(dsn string) error {
	s.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.logger.Warn("postgres listener event", "event", ev, "error", err)
		}
	})
	if err := s.listener.Listen(db.ChangeChannel); err != nil {
		s.listener.Close()
		return fmt.Errorf("listen %s: %w", db.ChangeChannel, err)
	}
	go s.dispatch()
	return nil
}

func (s *Store) dispatch() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// reconnected; changes may have been missed
				s.fanout.NotifyAll()
				continue
			}
			s.fanout.Notify(n.Extra)
		case <-ping.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logger.Warn("postgres listener ping failed", "error", err)
				}
			}()
		}
	}
}

// Close stops change delivery.
func (s *Store) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
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
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO kv_nodes (path, parent, value, updated_at) VALUES ($1, $2, $3::jsonb, NOW())
        ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, path, store.Parent(path), string(raw))
	if err != nil {
		return fmt.Errorf("postgres: write %s: %w", path, err)
	}
	return nil
}

func (s *Store) Merge(ctx context.Context, path string, fields map[string]any) error {
	path, err := store.Clean(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("postgres: encode merge: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO kv_nodes (path, parent, value, updated_at) VALUES ($1, $2, $3::jsonb, NOW())
        ON CONFLICT (path) DO UPDATE SET value = kv_nodes.value || EXCLUDED.value, updated_at = NOW()`, path, store.Parent(path), string(raw))
	if err != nil {
		return fmt.Errorf("postgres: merge %s: %w", path, err)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, path string) (json.RawMessage, error) {
	path, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = s.db.GetContext(ctx, &raw, `SELECT value FROM kv_nodes WHERE path=$1`, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read %s: %w", path, err)
	}
	return raw, nil
}

type nodeRow struct {
	Path  string `db:"path"`
	Value []byte `db:"value"`
}

func (s *Store) Children(ctx context.Context, path string) ([]store.Node, error) {
	path, err := store.Clean(path)
	if err != nil {
		return nil, err
	}
	var rows []nodeRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT path, value FROM kv_nodes WHERE parent=$1 ORDER BY path COLLATE "C"`, path); err != nil {
		return nil, fmt.Errorf("postgres: children of %s: %w", path, err)
	}
	nodes := make([]store.Node, 0, len(rows))
	for _, r := range rows {
		nodes = append(nodes, store.Node{Key: store.Base(r.Path), Value: r.Value})
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

// Increment performs the read-add-write inside a single upsert statement.
func (s *Store) Increment(ctx context.Context, path, field string, delta int64) (int64, error) {
	path, err := store.Clean(path)
	if err != nil {
		return 0, err
	}
	var value int64
	err = s.db.QueryRowxContext(ctx, `INSERT INTO kv_nodes (path, parent, value, updated_at)
        VALUES ($1, $2, jsonb_build_object($3::text, $4::bigint), NOW())
        ON CONFLICT (path) DO UPDATE SET
            value = jsonb_set(kv_nodes.value, ARRAY[$3::text], to_jsonb(COALESCE((kv_nodes.value->>$3::text)::bigint, 0) + $4::bigint)),
            updated_at = NOW()
        RETURNING (value->>$3::text)::bigint`, path, store.Parent(path), field, delta).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("postgres: increment %s.%s: %w", path, field, err)
	}
	return value, nil
}
