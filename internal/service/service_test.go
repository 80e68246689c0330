package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gatherhub/messaging-engine/internal/bus"
	"github.com/gatherhub/messaging-engine/internal/model"
	"github.com/gatherhub/messaging-engine/internal/store"
	"github.com/gatherhub/messaging-engine/pkg/logger"
)

type testEnv struct {
	store    *store.MemoryStore
	hub      *bus.Hub
	session  *Session
	messages *Messages
	registry *Registry
	now      *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	st := store.NewMemoryStore(store.Config{
		Clock: func() time.Time { return now },
	})
	nop := &logger.Logger{Logger: zap.NewNop()}
	hub := bus.NewHub(16, nop)

	directory := NewDirectory(st, nop)
	messages := NewMessages(st, hub, nop)
	registry := NewRegistry(st)
	readState := NewReadState(st)
	session := NewSession(SessionConfig{
		SendMaxRetries:    3,
		SendRetryInterval: time.Millisecond,
	}, directory, messages, registry, readState, st, nop)

	t.Cleanup(hub.Close)

	return &testEnv{
		store:    st,
		hub:      hub,
		session:  session,
		messages: messages,
		registry: registry,
		now:      &now,
	}
}

func (e *testEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func (e *testEnv) startDirect(t *testing.T, userA, userB string) *model.Conversation {
	t.Helper()
	conv, _, err := e.session.StartDirect(context.Background(), userA, userB)
	if err != nil {
		t.Fatalf("start direct %s/%s: %v", userA, userB, err)
	}
	return conv
}

func (e *testEnv) send(t *testing.T, conversationID, userID, content string) *model.Message {
	t.Helper()
	e.advance(time.Second)
	msg, err := e.session.Send(context.Background(), conversationID, userID, &model.SendMessageRequest{Content: content})
	if err != nil {
		t.Fatalf("send as %s: %v", userID, err)
	}
	return msg
}

func (e *testEnv) unread(t *testing.T, conversationID, userID string) int {
	t.Helper()
	resp, err := e.session.ListConversations(context.Background(), userID)
	if err != nil {
		t.Fatalf("list conversations for %s: %v", userID, err)
	}
	for _, view := range resp.Conversations {
		if view.Conversation.ID == conversationID {
			return view.UnreadCount
		}
	}
	t.Fatalf("conversation %s not visible to %s", conversationID, userID)
	return 0
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := AsError(err).Code; got != code {
		t.Fatalf("error code = %s, want %s (%v)", got, code, err)
	}
}

func TestStartDirectIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, created, err := env.session.StartDirect(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !created {
		t.Fatalf("first start must create")
	}

	// Same pair in either order resolves to the same conversation.
	again, created, err := env.session.StartDirect(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("start again: %v", err)
	}
	if created {
		t.Fatalf("second start must not create")
	}
	if again.ID != conv.ID {
		t.Fatalf("got %s, want %s", again.ID, conv.ID)
	}
}

func TestStartDirectConcurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const callers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      = map[string]struct{}{}
		createdN int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv, created, err := env.session.StartDirect(ctx, "alice", "bob")
			if err != nil {
				t.Errorf("start direct: %v", err)
				return
			}
			mu.Lock()
			ids[conv.ID] = struct{}{}
			if created {
				createdN++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("expected one conversation, got %d", len(ids))
	}
	if createdN != 1 {
		t.Fatalf("expected exactly one creator, got %d", createdN)
	}
}

func TestStartDirectValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.session.StartDirect(ctx, "alice", "alice")
	wantCode(t, err, CodeInvalidArgument)

	_, _, err = env.session.StartDirect(ctx, "alice", "  ")
	wantCode(t, err, CodeInvalidArgument)
}

func TestCreateGroupValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.session.CreateGroup(ctx, "alice", &model.CreateGroupRequest{
		DisplayName: "trip",
		MemberIDs:   []string{"bob", "alice", "bob", "carol"},
	})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if !conv.IsGroup || conv.DisplayName != "trip" {
		t.Fatalf("unexpected group row: %+v", conv)
	}

	participants, err := env.registry.ListParticipants(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 3 {
		t.Fatalf("expected 3 deduplicated members, got %d", len(participants))
	}

	// Two distinct users is a direct conversation, not a group.
	_, err = env.session.CreateGroup(ctx, "alice", &model.CreateGroupRequest{
		DisplayName: "pair",
		MemberIDs:   []string{"bob", "alice"},
	})
	wantCode(t, err, CodeInvalidArgument)

	_, err = env.session.CreateGroup(ctx, "alice", &model.CreateGroupRequest{
		MemberIDs: []string{"bob", "carol"},
	})
	wantCode(t, err, CodeInvalidArgument)
}

func TestSendRejectsNonParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.startDirect(t, "alice", "bob")

	_, err := env.session.Send(ctx, conv.ID, "mallory", &model.SendMessageRequest{Content: "hi"})
	wantCode(t, err, CodePermissionDenied)

	listed, err := env.messages.List(ctx, conv.ID, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed.Messages) != 0 {
		t.Fatalf("rejected send must not be stored")
	}
}

func TestSendValidatesContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.startDirect(t, "alice", "bob")

	_, err := env.session.Send(ctx, conv.ID, "alice", &model.SendMessageRequest{Content: ""})
	wantCode(t, err, CodeInvalidArgument)

	_, err = env.session.Send(ctx, conv.ID, "alice", &model.SendMessageRequest{Content: "   \n\t "})
	wantCode(t, err, CodeInvalidArgument)

	_, err = env.session.Send(ctx, "no-such-conversation", "alice", &model.SendMessageRequest{Content: "hi"})
	wantCode(t, err, CodeNotFound)
}

// flakyStore fails the first few appends with a transient error.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyStore) AppendMessage(ctx context.Context, conversationID, senderID, content, sharedRefID string) (*model.Message, error) {
	f.mu.Lock()
	f.attempts++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("storage briefly unavailable")
	}
	return f.Store.AppendMessage(ctx, conversationID, senderID, content, sharedRefID)
}

func TestSendRetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.startDirect(t, "alice", "bob")

	flaky := &flakyStore{Store: env.store, failures: 2}
	nop := &logger.Logger{Logger: zap.NewNop()}
	messages := NewMessages(flaky, env.hub, nop)
	session := NewSession(SessionConfig{
		SendMaxRetries:    3,
		SendRetryInterval: time.Millisecond,
	}, NewDirectory(flaky, nop), messages, NewRegistry(flaky), NewReadState(flaky), flaky, nop)

	msg, err := session.Send(ctx, conv.ID, "alice", &model.SendMessageRequest{Content: "eventually"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg == nil || msg.Content != "eventually" {
		t.Fatalf("unexpected message after retries: %+v", msg)
	}
	if flaky.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", flaky.attempts)
	}
}

func TestSendDoesNotRetryPermanentFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.startDirect(t, "alice", "bob")

	flaky := &flakyStore{Store: env.store}
	nop := &logger.Logger{Logger: zap.NewNop()}
	messages := NewMessages(flaky, env.hub, nop)
	session := NewSession(SessionConfig{
		SendMaxRetries:    5,
		SendRetryInterval: time.Millisecond,
	}, NewDirectory(flaky, nop), messages, NewRegistry(flaky), NewReadState(flaky), flaky, nop)

	_, err := session.Send(ctx, conv.ID, "mallory", &model.SendMessageRequest{Content: "hi"})
	wantCode(t, err, CodePermissionDenied)
	if flaky.attempts != 1 {
		t.Fatalf("permission failure must not be retried, attempts = %d", flaky.attempts)
	}
}

func TestUnreadLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.startDirect(t, "alice", "bob")

	env.send(t, conv.ID, "alice", "hello bob")

	if got := env.unread(t, conv.ID, "bob"); got != 1 {
		t.Fatalf("bob unread = %d, want 1", got)
	}
	// Senders never count their own messages.
	if got := env.unread(t, conv.ID, "alice"); got != 0 {
		t.Fatalf("alice unread = %d, want 0", got)
	}

	env.advance(time.Second)
	if _, err := env.session.Open(ctx, conv.ID, "bob", "", 0); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := env.unread(t, conv.ID, "bob"); got != 0 {
		t.Fatalf("bob unread after open = %d, want 0", got)
	}

	env.send(t, conv.ID, "alice", "are you there?")
	if got := env.unread(t, conv.ID, "bob"); got != 1 {
		t.Fatalf("bob unread after new message = %d, want 1", got)
	}

	// Marking read twice is harmless.
	if _, err := env.session.MarkRead(ctx, conv.ID, "bob", time.Time{}); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if _, err := env.session.MarkRead(ctx, conv.ID, "bob", time.Time{}); err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if got := env.unread(t, conv.ID, "bob"); got != 0 {
		t.Fatalf("bob unread after mark read = %d, want 0", got)
	}
}

func TestOpenMarksOnlyFetchedMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.startDirect(t, "alice", "bob")

	first := env.send(t, conv.ID, "alice", "one")
	env.send(t, conv.ID, "alice", "two")

	// A page of one fetches only the first message, so the second stays
	// unread even though it already exists.
	resp, err := env.session.Open(ctx, conv.ID, "bob", "", 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].ID != first.ID {
		t.Fatalf("expected page [%s], got %d messages", first.ID, len(resp.Messages))
	}
	if !resp.HasMore {
		t.Fatalf("expected has_more")
	}

	if got := env.unread(t, conv.ID, "bob"); got != 1 {
		t.Fatalf("bob unread = %d, want 1", got)
	}

	// The next page drains the log and clears the counter.
	resp, err = env.session.Open(ctx, conv.ID, "bob", resp.LastID, 0)
	if err != nil {
		t.Fatalf("open next page: %v", err)
	}
	if len(resp.Messages) != 1 {
		t.Fatalf("expected 1 remaining message, got %d", len(resp.Messages))
	}
	if got := env.unread(t, conv.ID, "bob"); got != 0 {
		t.Fatalf("bob unread = %d, want 0", got)
	}
}

func TestOpenRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.startDirect(t, "alice", "bob")

	_, err := env.session.Open(ctx, conv.ID, "mallory", "", 0)
	wantCode(t, err, CodePermissionDenied)

	_, err = env.session.Open(ctx, "no-such-conversation", "alice", "", 0)
	wantCode(t, err, CodeNotFound)
}

func TestMarkReadNeverMovesBackward(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.startDirect(t, "alice", "bob")

	later := env.now.Add(time.Hour)
	got, err := env.session.MarkRead(ctx, conv.ID, "bob", later)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !got.Equal(later) {
		t.Fatalf("watermark = %v, want %v", got, later)
	}

	got, err = env.session.MarkRead(ctx, conv.ID, "bob", env.now.Add(time.Minute))
	if err != nil {
		t.Fatalf("mark read earlier: %v", err)
	}
	if !got.Equal(later) {
		t.Fatalf("watermark moved backward to %v", got)
	}
}

func TestTotalUnreadAcrossConversations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	withBob := env.startDirect(t, "alice", "bob")
	withCarol := env.startDirect(t, "alice", "carol")

	env.send(t, withBob.ID, "bob", "ping")
	env.send(t, withBob.ID, "bob", "ping again")
	env.send(t, withCarol.ID, "carol", "hello")

	total, err := env.session.TotalUnread(ctx, "alice")
	if err != nil {
		t.Fatalf("total unread: %v", err)
	}
	if total != 3 {
		t.Fatalf("total unread = %d, want 3", total)
	}

	resp, err := env.session.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if resp.TotalUnread != 3 {
		t.Fatalf("list total unread = %d, want 3", resp.TotalUnread)
	}
	// Most recent activity first.
	if resp.Conversations[0].Conversation.ID != withCarol.ID {
		t.Fatalf("expected %s first, got %s", withCarol.ID, resp.Conversations[0].Conversation.ID)
	}
}

func TestSendFansOutAndResyncs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.startDirect(t, "alice", "bob")

	sub, err := env.hub.Subscribe(conv.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first := env.send(t, conv.ID, "alice", "live one")

	select {
	case got := <-sub.C:
		if got.ID != first.ID {
			t.Fatalf("delivered %s, want %s", got.ID, first.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery")
	}

	// After a dropped subscription the receiver resyncs with list-since.
	sub.Cancel()
	second := env.send(t, conv.ID, "alice", "missed while away")

	resynced, err := env.messages.List(ctx, conv.ID, first.ID, 0)
	if err != nil {
		t.Fatalf("resync list: %v", err)
	}
	if len(resynced.Messages) != 1 || resynced.Messages[0].ID != second.ID {
		t.Fatalf("resync must return exactly the missed message")
	}

	// At-least-once delivery: applying the same event twice by id is a no-op.
	seen := map[string]model.Message{}
	for _, m := range []model.Message{*first, *second, *second} {
		seen[m.ID] = m
	}
	if len(seen) != 2 {
		t.Fatalf("id dedup failed, %d distinct", len(seen))
	}
}

func TestConversationPreviewTracksLastMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	conv := env.startDirect(t, "alice", "bob")
	env.send(t, conv.ID, "alice", "first")
	last := env.send(t, conv.ID, "bob", "second")

	resp, err := env.session.ListConversations(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	view := resp.Conversations[0]
	if view.LastMessage == nil || view.LastMessage.ID != last.ID {
		t.Fatalf("preview must track the latest message")
	}
}
