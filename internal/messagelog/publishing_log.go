package messagelog

import (
	"context"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/internal/kafka"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

// PublishingLog publishes every successfully saved message to the event
// stream. Publication failures are logged and never fail the save.
type PublishingLog struct {
	next     Log
	producer kafka.MessageProducer
}

func NewPublishingLog(next Log, producer kafka.MessageProducer) *PublishingLog {
	return &PublishingLog{next: next, producer: producer}
}

func (p *PublishingLog) Save(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	saved, err := p.next.Save(ctx, msg)
	if err != nil {
		return saved, err
	}

	if err := p.producer.ProduceMessage(ctx, &saved); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Int64(log.FieldMessageID, saved.ID).Msg("failed to publish chat message")
	}
	return saved, nil
}

func (p *PublishingLog) History(ctx context.Context, userA, userB string) ([]domain.ChatMessage, error) {
	return p.next.History(ctx, userA, userB)
}
