package kafka

import (
	"context"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
)

// MessageProducer publishes persisted chat messages to the event stream.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, msg *domain.ChatMessage) error
	Close() error
}
