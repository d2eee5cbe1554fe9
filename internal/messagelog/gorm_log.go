package messagelog

import (
	"context"
	"fmt"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/pkg/database"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
	"gorm.io/gorm"
)

// GormLog implements Log on a relational database.
type GormLog struct {
	db  *gorm.DB
	ids IDGenerator
}

// NewGormLog migrates the chat_messages table and returns the log.
func NewGormLog(db *gorm.DB, ids IDGenerator) (*GormLog, error) {
	if err := database.AutoMigrate(db, &MessageModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate chat_messages: %w", err)
	}
	return &GormLog{db: db, ids: ids}, nil
}

func (r *GormLog) Save(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	l := log.Ctx(ctx)

	id, err := r.ids.Next()
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("failed to generate message id: %w", err)
	}
	msg.ID = id

	if err := r.db.WithContext(ctx).Create(MessageToModel(msg)).Error; err != nil {
		l.Error().Err(err).Str(log.FieldIdentity, msg.Sender).Msg("failed to insert chat message")
		return domain.ChatMessage{}, fmt.Errorf("failed to insert chat message: %w", err)
	}

	l.Debug().Int64(log.FieldMessageID, id).Msg("chat message stored")
	return msg, nil
}

func (r *GormLog) History(ctx context.Context, userA, userB string) ([]domain.ChatMessage, error) {
	if err := checkParticipants(userA, userB); err != nil {
		return nil, err
	}

	var models []MessageModel
	err := r.db.WithContext(ctx).
		Where("(sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)", userA, userB, userB, userA).
		Order("sent_at ASC").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}

	out := make([]domain.ChatMessage, 0, len(models))
	for i := range models {
		out = append(out, models[i].ToDomain())
	}
	return out, nil
}
