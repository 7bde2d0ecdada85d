package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"dm-service/internal/models"
	"dm-service/internal/store"
)

// MessageRepository is the append-only, per-conversation message log.
type MessageRepository interface {
	Append(ctx context.Context, key string, msg models.Message) (models.Message, error)
	ReadAll(ctx context.Context, key string) ([]models.Message, error)
	MarkRead(ctx context.Context, key string, ownerID string) (int, error)
	Subscribe(ctx context.Context, key string, onChange func()) (store.CancelFunc, error)
}

// MessageRepo stores messages under messages/<key>/<id>.
type MessageRepo struct {
	store store.Store
	now   func() time.Time
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(s store.Store) *MessageRepo {
	return &MessageRepo{store: s, now: time.Now}
}

// Append assigns a fresh store key as the message id and writes the message. It never
// overwrites an existing message.
func (r *MessageRepo) Append(ctx context.Context, key string, msg models.Message) (models.Message, error) {
	id, err := r.store.GenerateChildKey(ctx, messagesPath(key))
	if err != nil {
		return models.Message{}, fmt.Errorf("generate message id: %w", err)
	}
	msg.ID = id
	msg.Read = false
	if msg.SentAt.IsZero() {
		msg.SentAt = r.now()
	}
	msg.SentAt = msg.SentAt.UTC()

	if err := r.store.Write(ctx, messagePath(key, id), msg); err != nil {
		return models.Message{}, fmt.Errorf("write message: %w", err)
	}
	return msg, nil
}

// ReadAll returns every message of the conversation ordered by (sent_at, id).
func (r *MessageRepo) ReadAll(ctx context.Context, key string) ([]models.Message, error) {
	nodes, err := r.store.Children(ctx, messagesPath(key))
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	msgs := make([]models.Message, 0, len(nodes))
	for _, n := range nodes {
		var m models.Message
		if err := json.Unmarshal(n.Value, &m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", n.Key, err)
		}
		if m.ID == "" {
			m.ID = n.Key
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	return msgs, nil
}

// MarkRead flips every unread message addressed to ownerID and returns how many changed.
// Messages addressed to the other participant are left alone.
func (r *MessageRepo) MarkRead(ctx context.Context, key string, ownerID string) (int, error) {
	msgs, err := r.ReadAll(ctx, key)
	if err != nil {
		return 0, err
	}
	flipped := 0
	for _, m := range msgs {
		if m.ReceiverID != ownerID || m.Read {
			continue
		}
		if err := r.store.Merge(ctx, messagePath(key, m.ID), map[string]any{"read": true}); err != nil {
			return flipped, fmt.Errorf("mark message %s read: %w", m.ID, err)
		}
		flipped++
	}
	return flipped, nil
}

// Subscribe fires onChange whenever the conversation log changes.
func (r *MessageRepo) Subscribe(ctx context.Context, key string, onChange func()) (store.CancelFunc, error) {
	return r.store.Subscribe(ctx, messagesPath(key), func(string) { onChange() })
}
