package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dm-service/internal/conversation"
	"dm-service/internal/models"
	"dm-service/internal/repositories"
	"dm-service/internal/store"
	"dm-service/internal/store/memory"
)

var (
	student = models.Sender{ID: "s1", Name: "Sam", Email: "sam@example.com", Role: models.RoleStudent}
	root    = models.Sender{ID: "admin", Name: "Root", Email: "root@example.com", Role: models.RoleSuperAdmin}
	batch   = models.Sender{ID: "b1", Name: "Bea", Email: "bea@example.com", Role: models.RoleBatchAdmin}
)

func newService(s store.Store, strategy repositories.UnreadStrategy) *Service {
	return New(
		repositories.NewMessageRepo(s),
		repositories.NewConversationRepo(s),
		repositories.NewChatListRepo(s, strategy),
		Config{SupportProfile: models.Profile{Name: "Support", Email: "help@example.com"}},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func entry(t *testing.T, svc *Service, owner, key string) models.ChatListEntry {
	t.Helper()
	e, ok, err := svc.chatLists.GetEntry(context.Background(), owner, key)
	require.NoError(t, err)
	require.True(t, ok, "missing chat list entry %s/%s", owner, key)
	return e
}

func TestScenarioStudentWritesSupport(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)

	msg, err := svc.Send(ctx, student, "admin", "Hello")
	require.NoError(t, err)

	key, err := conversation.Key(conversation.User("s1"), conversation.Alias("admin"))
	require.NoError(t, err)

	msgs, err := svc.messages.ReadAll(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, "s1", msgs[0].SenderID)
	assert.Equal(t, "admin", msgs[0].ReceiverID)
	assert.Equal(t, "Hello", msgs[0].Body)
	assert.False(t, msgs[0].Read)

	inbox := entry(t, svc, "admin", key)
	assert.Equal(t, int64(1), inbox.UnreadCount)
	assert.Equal(t, "Sam", inbox.CounterpartName)
	assert.Equal(t, "s1", inbox.CounterpartID)

	own := entry(t, svc, "s1", key)
	assert.Zero(t, own.UnreadCount)
	assert.Equal(t, "Support", own.CounterpartName)
	assert.Equal(t, "Hello", own.LastMessageBody)

	conv, err := svc.conversations.GetConversation(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, conv.LastMessageID)
	assert.Equal(t, []string{"admin", "s1"}, conv.Participants)
}

func TestScenarioSupportReadsAndReplies(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)

	_, err := svc.Send(ctx, student, "admin", "Hello")
	require.NoError(t, err)
	key, err := svc.ConversationKey("s1", "admin")
	require.NoError(t, err)

	n, err := svc.MarkAsRead(ctx, "admin", key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := svc.messages.ReadAll(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
	assert.Zero(t, entry(t, svc, "admin", key).UnreadCount)

	reply, err := svc.Send(ctx, root, "s1", "How can I help?")
	require.NoError(t, err)
	assert.Equal(t, "admin", reply.SenderID)
	assert.Equal(t, "Root", reply.SenderName)

	msgs, err = svc.messages.ReadAll(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "admin", msgs[1].SenderID)

	assert.Equal(t, int64(1), entry(t, svc, "s1", key).UnreadCount)
	assert.Equal(t, "Support", entry(t, svc, "s1", key).CounterpartName)
	assert.Zero(t, entry(t, svc, "admin", key).UnreadCount)
}

// readBarrier holds the first two reads of path until both have arrived, so two
// read-modify-write increments observe the same counter.
type readBarrier struct {
	*memory.Store
	path string
	hits atomic.Int32
	gate sync.WaitGroup
}

func newReadBarrier(path string) *readBarrier {
	b := &readBarrier{Store: memory.New(), path: path}
	b.gate.Add(2)
	return b
}

func (b *readBarrier) Read(ctx context.Context, path string) (json.RawMessage, error) {
	if path == b.path && b.hits.Add(1) <= 2 {
		b.gate.Done()
		b.gate.Wait()
	}
	return b.Store.Read(ctx, path)
}

func sendConcurrently(t *testing.T, svc *Service, bodies ...string) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, len(bodies))
	for _, body := range bodies {
		wg.Add(1)
		go func(body string) {
			defer wg.Done()
			_, err := svc.Send(context.Background(), student, "admin", body)
			errs <- err
		}(body)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestScenarioConcurrentSendsMayLoseIncrement(t *testing.T) {
	ctx := context.Background()
	key, err := conversation.KeyFor("s1", "admin")
	require.NoError(t, err)
	barrier := newReadBarrier(store.Join("chatList", "admin", key))
	svc := newService(barrier, repositories.UnreadReadModifyWrite)

	sendConcurrently(t, svc, "first", "second")

	assert.Equal(t, int64(1), entry(t, svc, "admin", key).UnreadCount)
	msgs, err := svc.messages.ReadAll(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	_, err = svc.MarkAsRead(ctx, "admin", key)
	require.NoError(t, err)
	assert.Zero(t, entry(t, svc, "admin", key).UnreadCount)
	msgs, err = svc.messages.ReadAll(ctx, key)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.True(t, m.Read)
	}
}

func TestAtomicStrategyKeepsBothIncrements(t *testing.T) {
	key, err := conversation.KeyFor("s1", "admin")
	require.NoError(t, err)
	barrier := newReadBarrier(store.Join("chatList", "admin", key))
	svc := newService(barrier, repositories.UnreadAtomic)

	sendConcurrently(t, svc, "first", "second")

	assert.Equal(t, int64(2), entry(t, svc, "admin", key).UnreadCount)
}

func TestScenarioAdminInitiates(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)

	res, err := svc.Initiate(ctx, batch, "s2", models.Profile{Name: "Sid", Email: "sid@example.com"}, "Welcome aboard")
	require.NoError(t, err)

	key, err := conversation.KeyFor("b1", "s2")
	require.NoError(t, err)
	assert.Equal(t, key, res.ConversationKey)
	assert.Equal(t, "Sid", res.ChatListEntry.CounterpartName)
	assert.Equal(t, "Welcome aboard", res.ChatListEntry.LastMessageBody)
	assert.Zero(t, res.ChatListEntry.UnreadCount)

	theirs := entry(t, svc, "s2", key)
	assert.Equal(t, int64(1), theirs.UnreadCount)
	assert.Equal(t, "Bea", theirs.CounterpartName)
	assert.Equal(t, "bea@example.com", theirs.CounterpartEmail)
	assert.Equal(t, "Welcome aboard", theirs.LastMessageBody)
	assert.Equal(t, "b1", theirs.LastSenderID)

	mine := entry(t, svc, "b1", key)
	assert.Zero(t, mine.UnreadCount)
	assert.Equal(t, "Sid", mine.CounterpartName)
	assert.Equal(t, "sid@example.com", mine.CounterpartEmail)
}

func TestSuperAdminInitiatesFromSupportInbox(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)

	res, err := svc.Initiate(ctx, root, "s3", models.Profile{Name: "Sue"}, "Hi Sue")
	require.NoError(t, err)

	key, err := svc.ConversationKey("admin", "s3")
	require.NoError(t, err)
	assert.Equal(t, key, res.ConversationKey)
	assert.Equal(t, "Support", entry(t, svc, "s3", key).CounterpartName)
	assert.Equal(t, "Sue", entry(t, svc, "admin", key).CounterpartName)
}

func TestInitiateRequiresAdmin(t *testing.T) {
	svc := newService(memory.New(), repositories.UnreadAtomic)
	_, err := svc.Initiate(context.Background(), student, "s2", models.Profile{}, "hi")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSendRejectsInvalidInputWithoutWriting(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	svc := newService(mem, repositories.UnreadAtomic)

	_, err := svc.Send(ctx, student, "s1", "to myself")
	assert.ErrorIs(t, err, conversation.ErrInvalidIdentity)

	_, err = svc.Send(ctx, student, "", "nobody")
	assert.ErrorIs(t, err, conversation.ErrInvalidIdentity)

	impostor := models.Sender{ID: "admin", Role: models.RoleStudent}
	_, err = svc.Send(ctx, impostor, "s1", "I am support")
	assert.ErrorIs(t, err, conversation.ErrInvalidIdentity)

	_, err = svc.Send(ctx, student, "admin", "   ")
	assert.ErrorIs(t, err, ErrEmptyBody)

	_, err = mem.Read(ctx, "messages")
	assert.ErrorIs(t, err, store.ErrNotFound)
	nodes, err := mem.Children(ctx, "messages")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestSenderNeverSelfCounts(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)
	key, err := svc.ConversationKey("s1", "admin")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.Send(ctx, student, "admin", "ping")
		require.NoError(t, err)
		assert.Zero(t, entry(t, svc, "s1", key).UnreadCount)
	}
	_, err = svc.Send(ctx, root, "s1", "pong")
	require.NoError(t, err)
	assert.Zero(t, entry(t, svc, "admin", key).UnreadCount)
	assert.Equal(t, int64(1), entry(t, svc, "s1", key).UnreadCount)
}

func TestMarkAsReadIsIdempotentAndScoped(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)
	key, err := svc.ConversationKey("s1", "admin")
	require.NoError(t, err)

	_, err = svc.Send(ctx, student, "admin", "one")
	require.NoError(t, err)
	_, err = svc.Send(ctx, root, "s1", "two")
	require.NoError(t, err)

	n, err := svc.MarkAsRead(ctx, "admin", key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	first, err := svc.messages.ReadAll(ctx, key)
	require.NoError(t, err)

	n, err = svc.MarkAsRead(ctx, "admin", key)
	require.NoError(t, err)
	assert.Zero(t, n)
	second, err := svc.messages.ReadAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for _, m := range second {
		assert.Equal(t, m.ReceiverID == "admin", m.Read, m.Body)
	}
	assert.Zero(t, entry(t, svc, "admin", key).UnreadCount)
	assert.Equal(t, int64(1), entry(t, svc, "s1", key).UnreadCount)

	_, err = svc.MarkAsRead(ctx, "stranger", key)
	assert.ErrorIs(t, err, conversation.ErrInvalidIdentity)
}

func TestReadAllIsPrefixExtension(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)
	key, err := svc.ConversationKey("s1", "admin")
	require.NoError(t, err)

	var previous []models.Message
	for i := 0; i < 5; i++ {
		sender := student
		if i%2 == 1 {
			sender = root
		}
		to := "admin"
		if sender.ID == "admin" {
			to = "s1"
		}
		_, err := svc.Send(ctx, sender, to, "msg")
		require.NoError(t, err)

		current, err := svc.messages.ReadAll(ctx, key)
		require.NoError(t, err)
		require.Len(t, current, len(previous)+1)
		for j := range previous {
			assert.Equal(t, previous[j].ID, current[j].ID)
		}
		previous = current
	}
}

var errBoom = errors.New("boom")

// faultyStore fails every mutation under prefix.
type faultyStore struct {
	*memory.Store
	prefix string
}

func (f *faultyStore) fails(path string) bool { return strings.HasPrefix(path, f.prefix) }

func (f *faultyStore) Write(ctx context.Context, path string, value any) error {
	if f.fails(path) {
		return errBoom
	}
	return f.Store.Write(ctx, path, value)
}

func (f *faultyStore) Merge(ctx context.Context, path string, fields map[string]any) error {
	if f.fails(path) {
		return errBoom
	}
	return f.Store.Merge(ctx, path, fields)
}

func (f *faultyStore) Increment(ctx context.Context, path, field string, delta int64) (int64, error) {
	if f.fails(path) {
		return 0, errBoom
	}
	return f.Store.Increment(ctx, path, field, delta)
}

func TestPartialSendIsReportedAndRepairable(t *testing.T) {
	cases := []struct {
		prefix string
		stage  Stage
	}{
		{"conversations/", StageMetadata},
		{"chatList/s1/", StageSenderChatList},
		{"chatList/admin/", StageReceiverChatList},
	}
	for _, tc := range cases {
		t.Run(string(tc.stage), func(t *testing.T) {
			ctx := context.Background()
			mem := memory.New()
			broken := newService(&faultyStore{Store: mem, prefix: tc.prefix}, repositories.UnreadAtomic)
			healthy := newService(mem, repositories.UnreadAtomic)

			msg, err := broken.Send(ctx, student, "admin", "Hello")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrPartialSend)
			assert.ErrorIs(t, err, errBoom)

			var partial *PartialSendError
			require.True(t, errors.As(err, &partial))
			assert.Equal(t, tc.stage, partial.Stage)
			assert.Equal(t, msg.ID, partial.MessageID)

			key := partial.ConversationKey
			msgs, err := healthy.messages.ReadAll(ctx, key)
			require.NoError(t, err)
			require.Len(t, msgs, 1)

			stale, err := healthy.Stale(ctx, key)
			require.NoError(t, err)
			assert.True(t, stale)

			require.NoError(t, healthy.Repair(ctx, key))
			require.NoError(t, healthy.Repair(ctx, key))

			stale, err = healthy.Stale(ctx, key)
			require.NoError(t, err)
			assert.False(t, stale)

			msgs, err = healthy.messages.ReadAll(ctx, key)
			require.NoError(t, err)
			assert.Len(t, msgs, 1)

			inbox := entry(t, healthy, "admin", key)
			assert.Equal(t, int64(1), inbox.UnreadCount)
			assert.Equal(t, "Sam", inbox.CounterpartName)
			assert.Equal(t, "Hello", inbox.LastMessageBody)
			own := entry(t, healthy, "s1", key)
			assert.Zero(t, own.UnreadCount)
			assert.Equal(t, "Support", own.CounterpartName)
		})
	}
}

func TestPartialInitiateStillReturnsKey(t *testing.T) {
	mem := memory.New()
	svc := newService(&faultyStore{Store: mem, prefix: "chatList/s2/"}, repositories.UnreadAtomic)

	res, err := svc.Initiate(context.Background(), batch, "s2", models.Profile{Name: "Sid"}, "Welcome")
	assert.ErrorIs(t, err, ErrPartialSend)
	assert.NotEmpty(t, res.ConversationKey)
	assert.NotEmpty(t, res.Message.ID)
}

func TestRepairRecomputesDriftedCounter(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)
	key, err := svc.ConversationKey("s1", "admin")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.Send(ctx, student, "admin", "ping")
		require.NoError(t, err)
	}
	drifted := entry(t, svc, "admin", key)
	drifted.UnreadCount = 7
	require.NoError(t, svc.chatLists.ReplaceEntry(ctx, "admin", drifted))

	require.NoError(t, svc.Repair(ctx, key))
	assert.Equal(t, int64(3), entry(t, svc, "admin", key).UnreadCount)

	err = svc.Repair(ctx, "admin_nobody")
	assert.ErrorIs(t, err, repositories.ErrConversationNotFound)
}

func TestSubscribeMessagesDeliversAndCancels(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	svc := newService(mem, repositories.UnreadAtomic)

	var mu sync.Mutex
	var snapshots [][]models.Message
	latest := func() []models.Message {
		mu.Lock()
		defer mu.Unlock()
		if len(snapshots) == 0 {
			return nil
		}
		return snapshots[len(snapshots)-1]
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots)
	}

	cancel, err := svc.SubscribeMessages(ctx, "admin", "s1", func(msgs []models.Message) {
		mu.Lock()
		snapshots = append(snapshots, msgs)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, latest())

	_, err = svc.Send(ctx, student, "admin", "Hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(latest()) == 1 }, time.Second, 5*time.Millisecond)

	key, err := svc.ConversationKey("s1", "admin")
	require.NoError(t, err)
	_, err = svc.MarkAsRead(ctx, "admin", key)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := latest()
		return len(msgs) == 1 && msgs[0].Read
	}, time.Second, 5*time.Millisecond)

	cancel()
	cancel()
	assert.Zero(t, mem.Listeners())

	_, err = svc.Send(ctx, student, "admin", "after cancel")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, msgs := range snapshots {
		assert.LessOrEqual(t, len(msgs), 1)
	}
}

func TestSubscribeChatListReportsTotalUnread(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)

	var total atomic.Int64
	var rows atomic.Int32
	cancel, err := svc.SubscribeChatList(ctx, "admin", func(entries []models.ChatListEntry) {
		rows.Store(int32(len(entries)))
		total.Store(TotalUnread(entries))
	})
	require.NoError(t, err)
	defer cancel()

	_, err = svc.Send(ctx, student, "admin", "one")
	require.NoError(t, err)
	other := models.Sender{ID: "s2", Name: "Sid", Role: models.RoleStudent}
	_, err = svc.Send(ctx, other, "admin", "two")
	require.NoError(t, err)
	_, err = svc.Send(ctx, other, "admin", "three")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rows.Load() == 2 && total.Load() == 3 }, time.Second, 5*time.Millisecond)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	mem := memory.New()
	svc := newService(mem, repositories.UnreadAtomic)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := svc.SubscribeChatList(ctx, "admin", func([]models.ChatListEntry) {})
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Listeners())

	cancel()
	require.Eventually(t, func() bool { return mem.Listeners() == 0 }, time.Second, 5*time.Millisecond)

	_, err = svc.SubscribeChatList(context.Background(), "", func([]models.ChatListEntry) {})
	assert.ErrorIs(t, err, conversation.ErrInvalidIdentity)
}

func TestTotalUnread(t *testing.T) {
	assert.Zero(t, TotalUnread(nil))
	assert.Equal(t, int64(5), TotalUnread([]models.ChatListEntry{{UnreadCount: 2}, {UnreadCount: 3}}))
}

func TestMarkAsReadBeforeFirstMessageLeavesInboxEmpty(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)
	key, err := svc.ConversationKey("s1", "admin")
	require.NoError(t, err)

	n, err := svc.MarkAsRead(ctx, "s1", key)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := svc.chatLists.ListEntries(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReinitiateWithoutProfileKeepsCounterpartName(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)

	first, err := svc.Initiate(ctx, batch, "s2", models.Profile{Name: "Sid", Email: "sid@example.com"}, "Welcome")
	require.NoError(t, err)

	again, err := svc.Initiate(ctx, batch, "s2", models.Profile{}, "Checking in")
	require.NoError(t, err)
	assert.Equal(t, "Sid", again.ChatListEntry.CounterpartName)
	assert.Equal(t, "Checking in", again.ChatListEntry.LastMessageBody)

	mine := entry(t, svc, "b1", first.ConversationKey)
	assert.Equal(t, "Sid", mine.CounterpartName)
	assert.Equal(t, "sid@example.com", mine.CounterpartEmail)
	assert.Equal(t, int64(2), entry(t, svc, "s2", first.ConversationKey).UnreadCount)
}

func TestStaleDetectsDriftedCounter(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), repositories.UnreadAtomic)
	key, err := svc.ConversationKey("s1", "admin")
	require.NoError(t, err)

	_, err = svc.Send(ctx, student, "admin", "ping")
	require.NoError(t, err)
	stale, err := svc.Stale(ctx, key)
	require.NoError(t, err)
	assert.False(t, stale)

	drifted := entry(t, svc, "admin", key)
	drifted.UnreadCount = 0
	require.NoError(t, svc.chatLists.ReplaceEntry(ctx, "admin", drifted))

	stale, err = svc.Stale(ctx, key)
	require.NoError(t, err)
	assert.True(t, stale)

	require.NoError(t, svc.Repair(ctx, key))
	stale, err = svc.Stale(ctx, key)
	require.NoError(t, err)
	assert.False(t, stale)
}
