// Package bus fans newly stored messages out to per-conversation subscribers.
//
// Delivery is at-least-once: a subscriber may see a message twice (or, across
// a reconnect, miss one) and must dedup by message id and resync via the
// message store's list-since primitive after any gap.
package bus

import (
	"context"

	"github.com/gatherhub/messaging-engine/internal/model"
)

// Bus publishes stored messages to subscribers scoped to one conversation.
// Implementations must preserve the store's append order per conversation.
type Bus interface {
	// Publish delivers msg to every current subscriber of its conversation.
	Publish(ctx context.Context, msg *model.Message) error
	// Subscribe opens a stream of messages for one conversation. The
	// caller owns the subscription and must Cancel it when done.
	Subscribe(conversationID string) (*Subscription, error)
	Close()
}

// Subscription is a cancellable per-conversation message stream. C is closed
// after Cancel; no events arrive past that point.
type Subscription struct {
	C <-chan model.Message

	cancel func()
}

// Cancel releases the subscription. Safe to call more than once and at any
// time relative to in-flight publishes.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

func newSubscription(ch <-chan model.Message, cancel func()) *Subscription {
	return &Subscription{C: ch, cancel: cancel}
}
