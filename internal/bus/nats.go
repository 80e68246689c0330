package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/gatherhub/messaging-engine/internal/model"
	"github.com/gatherhub/messaging-engine/pkg/logger"
	"github.com/gatherhub/messaging-engine/pkg/metrics"
)

const (
	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"
)

// MessageSubject returns the NATS subject for a conversation's messages.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg", SubjectPrefix, conversationID)
}

// NATSBus implements Bus on top of a NATS connection, so several engine
// instances can fan the same conversation out to their local subscribers.
// Core NATS drops events across a disconnect; subscribers recover them with a
// list-since resync, which the at-least-once contract already requires.
type NATSBus struct {
	client *Client
	buffer int
	logger *logger.Logger
}

// NewNATSBus builds a NATS-backed Bus. bufferSize <= 0 selects the default.
func NewNATSBus(client *Client, bufferSize int, log *logger.Logger) *NATSBus {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if log == nil {
		log = logger.Global()
	}
	return &NATSBus{client: client, buffer: bufferSize, logger: log}
}

func (b *NATSBus) Publish(ctx context.Context, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.client.Conn().Publish(MessageSubject(msg.ConversationID), data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(conversationID string) (*Subscription, error) {
	natsCh := make(chan *nats.Msg, b.buffer)
	sub, err := b.client.Conn().ChanSubscribe(MessageSubject(conversationID), natsCh)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan model.Message, b.buffer)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case raw, ok := <-natsCh:
				if !ok {
					return
				}
				var msg model.Message
				if err := json.Unmarshal(raw.Data, &msg); err != nil {
					b.logger.Warn("dropping undecodable bus event",
						zap.String("subject", raw.Subject), zap.Error(err))
					continue
				}
				select {
				case out <- msg:
				case <-done:
					return
				}
			}
		}
	}()

	metrics.BusSubscribersActive.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			sub.Unsubscribe()
			close(done)
			metrics.BusSubscribersActive.Dec()
		})
	}
	return newSubscription(out, cancel), nil
}

func (b *NATSBus) Close() {
	b.client.Close()
}
