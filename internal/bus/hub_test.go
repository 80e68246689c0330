package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gatherhub/messaging-engine/internal/model"
)

func publishN(t *testing.T, h *Hub, conversationID string, n int) []model.Message {
	t.Helper()
	out := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		msg := model.Message{
			ID:             fmt.Sprintf("msg-%03d", i),
			ConversationID: conversationID,
			SenderID:       "alice",
			Content:        fmt.Sprintf("event %d", i),
			CreatedAt:      time.Date(2026, 3, 2, 9, 0, i, 0, time.UTC),
		}
		if err := h.Publish(context.Background(), &msg); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestHubFanOutPreservesOrder(t *testing.T) {
	h := NewHub(16, nil)
	defer h.Close()

	first, err := h.Subscribe("conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := h.Subscribe("conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	published := publishN(t, h, "conv-1", 5)

	for _, sub := range []*Subscription{first, second} {
		for i, want := range published {
			select {
			case got := <-sub.C:
				if got.ID != want.ID {
					t.Fatalf("event %d: got %s, want %s", i, got.ID, want.ID)
				}
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for event %d", i)
			}
		}
	}
}

func TestHubScopesByConversation(t *testing.T) {
	h := NewHub(16, nil)
	defer h.Close()

	other, err := h.Subscribe("conv-2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	publishN(t, h, "conv-1", 3)

	select {
	case msg := <-other.C:
		t.Fatalf("subscriber of conv-2 received %s from conv-1", msg.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	h := NewHub(16, nil)
	defer h.Close()

	sub, err := h.Subscribe("conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sub.Cancel()
	sub.Cancel() // idempotent

	if _, ok := <-sub.C; ok {
		t.Fatalf("channel must be closed after cancel")
	}

	// Publishing after cancel must not panic on the closed channel.
	publishN(t, h, "conv-1", 2)

	h.mu.RLock()
	remaining := len(h.subs["conv-1"])
	h.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("cancelled subscriber still registered")
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	h := NewHub(1, nil)
	defer h.Close()

	sub, err := h.Subscribe("conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Nobody is draining: only the first event fits, the rest are dropped
	// and the subscriber is expected to resync via list-since.
	published := publishN(t, h, "conv-1", 3)

	got := <-sub.C
	if got.ID != published[0].ID {
		t.Fatalf("got %s, want %s", got.ID, published[0].ID)
	}
	select {
	case msg := <-sub.C:
		t.Fatalf("expected overflow to be dropped, received %s", msg.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	h := NewHub(16, nil)

	sub, err := h.Subscribe("conv-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.Close()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("expected closed channel, got an event")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after hub close")
	}

	// Cancel after close stays a no-op.
	sub.Cancel()

	if err := h.Publish(context.Background(), &model.Message{ID: "late", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
