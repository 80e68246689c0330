package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/gatherhub/messaging-engine/internal/model"
	"github.com/gatherhub/messaging-engine/pkg/logger"
	"github.com/gatherhub/messaging-engine/pkg/metrics"
)

const defaultSubscriberBuffer = 64

// Hub is the in-process Bus. Each subscriber gets its own buffered channel;
// publish never blocks on a slow subscriber. When a buffer is full the event
// is dropped for that subscriber, which recovers it through list-since resync.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSubscriber]struct{} // conversation id -> subscribers
	buffer int
	closed bool
	logger *logger.Logger
}

type hubSubscriber struct {
	ch   chan model.Message
	once sync.Once
}

// NewHub builds a Hub. bufferSize <= 0 selects the default.
func NewHub(bufferSize int, log *logger.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if log == nil {
		log = logger.Global()
	}
	return &Hub{
		subs:   map[string]map[*hubSubscriber]struct{}{},
		buffer: bufferSize,
		logger: log,
	}
}

func (h *Hub) Publish(ctx context.Context, msg *model.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}

	for sub := range h.subs[msg.ConversationID] {
		select {
		case sub.ch <- *msg:
		default:
			metrics.BusDroppedEvents.Inc()
			h.logger.Warn("bus subscriber buffer full, dropping event",
				zap.String("conversation_id", msg.ConversationID),
				zap.String("message_id", msg.ID),
			)
		}
	}
	return nil
}

func (h *Hub) Subscribe(conversationID string) (*Subscription, error) {
	sub := &hubSubscriber{ch: make(chan model.Message, h.buffer)}

	h.mu.Lock()
	if h.subs[conversationID] == nil {
		h.subs[conversationID] = map[*hubSubscriber]struct{}{}
	}
	h.subs[conversationID][sub] = struct{}{}
	h.mu.Unlock()

	metrics.BusSubscribersActive.Inc()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[conversationID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, conversationID)
				}
			}
			// Closing under the write lock cannot interleave with a
			// publish, which sends under the read lock.
			close(sub.ch)
			h.mu.Unlock()
			metrics.BusSubscribersActive.Dec()
		})
	}
	return newSubscription(sub.ch, cancel), nil
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, set := range h.subs {
		for sub := range set {
			sub.once.Do(func() {
				close(sub.ch)
				metrics.BusSubscribersActive.Dec()
			})
		}
		delete(h.subs, id)
	}
}
