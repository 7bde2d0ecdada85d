package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"dm-service/internal/models"
	"dm-service/internal/store"
)

// UnreadStrategy selects how the receiver's unread counter is bumped.
type UnreadStrategy string

const (
	// UnreadAtomic uses the store's atomic increment when available.
	UnreadAtomic UnreadStrategy = "atomic"
	// UnreadReadModifyWrite reads the entry, adds one and writes it back. Concurrent sends
	// to the same receiver may lose an increment until the next MarkAsRead.
	UnreadReadModifyWrite UnreadStrategy = "read-modify-write"
)

// ParseUnreadStrategy maps a config value to a strategy.
func ParseUnreadStrategy(raw string) (UnreadStrategy, error) {
	switch UnreadStrategy(raw) {
	case "", UnreadAtomic:
		return UnreadAtomic, nil
	case UnreadReadModifyWrite:
		return UnreadReadModifyWrite, nil
	}
	return "", fmt.Errorf("unsupported unread strategy %q", raw)
}

// Preview is the data a send contributes to one participant's chat-list entry.
type Preview struct {
	ConversationKey string
	CounterpartID   string
	// Counterpart is used only when the entry has no display name yet.
	Counterpart models.Profile
	Message     models.Message
}

func (p Preview) fields() map[string]any {
	return map[string]any{
		"conversation_key":  p.ConversationKey,
		"counterpart_id":    p.CounterpartID,
		"last_message_body": p.Message.Body,
		"last_message_at":   p.Message.SentAt,
		"last_sender_id":    p.Message.SenderID,
	}
}

// ChatListRepository maintains each user's denormalized inbox.
type ChatListRepository interface {
	GetEntry(ctx context.Context, ownerID, key string) (models.ChatListEntry, bool, error)
	ListEntries(ctx context.Context, ownerID string) ([]models.ChatListEntry, error)
	RecordSent(ctx context.Context, ownerID string, p Preview) error
	RecordReceived(ctx context.Context, ownerID string, p Preview) error
	SetCounterpart(ctx context.Context, ownerID, key, counterpartID string, profile models.Profile) error
	ResetUnread(ctx context.Context, ownerID, key string) error
	ReplaceEntry(ctx context.Context, ownerID string, entry models.ChatListEntry) error
	Subscribe(ctx context.Context, ownerID string, onChange func()) (store.CancelFunc, error)
}

// ChatListRepo stores entries under chatList/<owner>/<key>.
type ChatListRepo struct {
	store    store.Store
	strategy UnreadStrategy
}

// NewChatListRepo constructs a ChatListRepo. The atomic strategy silently degrades to
// read-modify-write on stores without an atomic increment.
func NewChatListRepo(s store.Store, strategy UnreadStrategy) *ChatListRepo {
	if strategy == "" {
		strategy = UnreadAtomic
	}
	if _, ok := s.(store.Incrementer); !ok {
		strategy = UnreadReadModifyWrite
	}
	return &ChatListRepo{store: s, strategy: strategy}
}

// Strategy reports the effective unread strategy.
func (r *ChatListRepo) Strategy() UnreadStrategy { return r.strategy }

// GetEntry returns the owner's entry for key and whether it exists.
func (r *ChatListRepo) GetEntry(ctx context.Context, ownerID, key string) (models.ChatListEntry, bool, error) {
	raw, err := r.store.Read(ctx, chatEntryPath(ownerID, key))
	if errors.Is(err, store.ErrNotFound) {
		return models.ChatListEntry{}, false, nil
	}
	if err != nil {
		return models.ChatListEntry{}, false, fmt.Errorf("read chat list entry: %w", err)
	}
	var entry models.ChatListEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return models.ChatListEntry{}, false, fmt.Errorf("decode chat list entry: %w", err)
	}
	if entry.ConversationKey == "" {
		entry.ConversationKey = key
	}
	return entry, true, nil
}

// ListEntries returns the owner's entries, most recent activity first.
func (r *ChatListRepo) ListEntries(ctx context.Context, ownerID string) ([]models.ChatListEntry, error) {
	nodes, err := r.store.Children(ctx, chatListPath(ownerID))
	if err != nil {
		return nil, fmt.Errorf("read chat list: %w", err)
	}
	entries := make([]models.ChatListEntry, 0, len(nodes))
	for _, n := range nodes {
		var entry models.ChatListEntry
		if err := json.Unmarshal(n.Value, &entry); err != nil {
			return nil, fmt.Errorf("decode chat list entry %s: %w", n.Key, err)
		}
		if entry.ConversationKey == "" {
			entry.ConversationKey = n.Key
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.After(b.LastMessageAt)
		}
		return a.ConversationKey < b.ConversationKey
	})
	return entries, nil
}

// RecordSent refreshes the sender's own entry. The sender has seen everything they sent,
// so the counter is reset.
func (r *ChatListRepo) RecordSent(ctx context.Context, ownerID string, p Preview) error {
	current, exists, err := r.GetEntry(ctx, ownerID, p.ConversationKey)
	if err != nil {
		return err
	}
	fields := p.fields()
	fields["unread_count"] = 0
	if !exists || current.CounterpartName == "" {
		seedProfile(fields, p.Counterpart)
	}
	if err := r.store.Merge(ctx, chatEntryPath(ownerID, p.ConversationKey), fields); err != nil {
		return fmt.Errorf("write sender chat list entry: %w", err)
	}
	return nil
}

// RecordReceived refreshes the receiver's entry and bumps its unread counter by one,
// creating the entry with the sender's profile on first contact.
func (r *ChatListRepo) RecordReceived(ctx context.Context, ownerID string, p Preview) error {
	path := chatEntryPath(ownerID, p.ConversationKey)
	current, exists, err := r.GetEntry(ctx, ownerID, p.ConversationKey)
	if err != nil {
		return err
	}

	if r.strategy == UnreadReadModifyWrite {
		entry := current
		if !exists {
			entry = models.ChatListEntry{UnreadCount: 0}
		}
		if entry.CounterpartName == "" {
			entry.CounterpartName = p.Counterpart.Name
			entry.CounterpartEmail = p.Counterpart.Email
		}
		entry.ConversationKey = p.ConversationKey
		entry.CounterpartID = p.CounterpartID
		entry.LastMessageBody = p.Message.Body
		entry.LastMessageAt = p.Message.SentAt
		entry.LastSenderID = p.Message.SenderID
		entry.UnreadCount++
		if err := r.store.Write(ctx, path, entry); err != nil {
			return fmt.Errorf("write receiver chat list entry: %w", err)
		}
		return nil
	}

	fields := p.fields()
	if !exists || current.CounterpartName == "" {
		seedProfile(fields, p.Counterpart)
	}
	if err := r.store.Merge(ctx, path, fields); err != nil {
		return fmt.Errorf("write receiver chat list entry: %w", err)
	}
	if _, err := r.store.(store.Incrementer).Increment(ctx, path, "unread_count", 1); err != nil {
		return fmt.Errorf("increment unread count: %w", err)
	}
	return nil
}

// SetCounterpart overwrites the counterpart display fields of an entry. Empty profile fields
// keep whatever the entry already holds.
func (r *ChatListRepo) SetCounterpart(ctx context.Context, ownerID, key, counterpartID string, profile models.Profile) error {
	fields := map[string]any{
		"conversation_key": key,
		"counterpart_id":   counterpartID,
	}
	if profile.Name != "" {
		fields["counterpart_name"] = profile.Name
	}
	if profile.Email != "" {
		fields["counterpart_email"] = profile.Email
	}
	if err := r.store.Merge(ctx, chatEntryPath(ownerID, key), fields); err != nil {
		return fmt.Errorf("seed counterpart profile: %w", err)
	}
	return nil
}

// ResetUnread zeroes the owner's counter for key. An owner without an entry is left without one.
func (r *ChatListRepo) ResetUnread(ctx context.Context, ownerID, key string) error {
	_, exists, err := r.GetEntry(ctx, ownerID, key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := r.store.Merge(ctx, chatEntryPath(ownerID, key), map[string]any{"unread_count": 0}); err != nil {
		return fmt.Errorf("reset unread count: %w", err)
	}
	return nil
}

// ReplaceEntry writes a complete entry, replacing whatever was there.
func (r *ChatListRepo) ReplaceEntry(ctx context.Context, ownerID string, entry models.ChatListEntry) error {
	if err := r.store.Write(ctx, chatEntryPath(ownerID, entry.ConversationKey), entry); err != nil {
		return fmt.Errorf("replace chat list entry: %w", err)
	}
	return nil
}

// Subscribe fires onChange whenever any of the owner's entries changes.
func (r *ChatListRepo) Subscribe(ctx context.Context, ownerID string, onChange func()) (store.CancelFunc, error) {
	return r.store.Subscribe(ctx, chatListPath(ownerID), func(string) { onChange() })
}

func seedProfile(fields map[string]any, profile models.Profile) {
	if profile.Name == "" && profile.Email == "" {
		return
	}
	fields["counterpart_name"] = profile.Name
	fields["counterpart_email"] = profile.Email
}
