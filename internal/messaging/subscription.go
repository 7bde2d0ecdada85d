package messaging

import (
	"context"
	"fmt"
	"sync"

	"dm-service/internal/conversation"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/store"
)

// SubscribeMessages delivers the full ordered message list of the conversation between
// ownerID and counterpartID now and after every change to it. The key is resolved once.
// Cancelling ctx has the same effect as calling the returned CancelFunc.
func (s *Service) SubscribeMessages(ctx context.Context, ownerID, counterpartID string, onChange func([]models.Message)) (store.CancelFunc, error) {
	key, err := s.ConversationKey(ownerID, counterpartID)
	if err != nil {
		return nil, err
	}
	attach := func(notify func()) (store.CancelFunc, error) {
		return s.messages.Subscribe(ctx, key, notify)
	}
	load := func(ctx context.Context) ([]models.Message, error) {
		return s.messages.ReadAll(ctx, key)
	}
	return watch(ctx, s, "messages", attach, load, onChange)
}

// SubscribeChatList delivers ownerID's chat list, most recent activity first, now and after
// every change to any of its entries.
func (s *Service) SubscribeChatList(ctx context.Context, ownerID string, onChange func([]models.ChatListEntry)) (store.CancelFunc, error) {
	if ownerID == "" {
		return nil, conversation.ErrInvalidIdentity
	}
	attach := func(notify func()) (store.CancelFunc, error) {
		return s.chatLists.Subscribe(ctx, ownerID, notify)
	}
	load := func(ctx context.Context) ([]models.ChatListEntry, error) {
		return s.chatLists.ListEntries(ctx, ownerID)
	}
	return watch(ctx, s, "chat_list", attach, load, onChange)
}

// TotalUnread sums the unread counters of a chat-list snapshot.
func TotalUnread(entries []models.ChatListEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.UnreadCount
	}
	return total
}

// watcher serializes deliveries for one subscription. Store notifications only poke wake,
// so a burst of changes collapses into one snapshot of the latest state.
type watcher struct {
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (w *watcher) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func watch[T any](ctx context.Context, s *Service, kind string, attach func(notify func()) (store.CancelFunc, error), load func(context.Context) (T, error), onChange func(T)) (store.CancelFunc, error) {
	w := &watcher{wake: make(chan struct{}, 1), done: make(chan struct{})}
	w.wake <- struct{}{}

	detach, err := attach(w.poke)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", kind, err)
	}
	observability.IncSubscriptions(kind)

	cancel := func() {
		w.once.Do(func() {
			close(w.done)
			detach()
			observability.DecSubscriptions(kind)
		})
	}

	go func() {
		for {
			select {
			case <-w.done:
				return
			case <-ctx.Done():
				cancel()
				return
			case <-w.wake:
			}

			snapshot, err := load(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("subscription snapshot failed", "kind", kind, "error", err)
				}
				continue
			}
			// A delivery that passed this check may still complete after cancel returns.
			if w.stopped() {
				return
			}
			onChange(snapshot)
		}
	}()
	return cancel, nil
}
