package messagelog

import (
	"time"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
)

// MessageModel is the GORM model for the chat_messages table.
type MessageModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false"`
	Sender    string    `gorm:"type:varchar(255);not null;index:idx_chat_messages_pair,priority:1"`
	Recipient string    `gorm:"type:varchar(255);not null;index:idx_chat_messages_pair,priority:2"`
	Content   string    `gorm:"type:text;not null"`
	Type      string    `gorm:"type:varchar(16);not null"`
	SentAt    time.Time `gorm:"column:sent_at;not null;index:idx_chat_messages_pair,priority:3"`
}

func (MessageModel) TableName() string {
	return "chat_messages"
}

func (m *MessageModel) ToDomain() domain.ChatMessage {
	return domain.ChatMessage{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		Timestamp: m.SentAt.UTC(),
		Type:      domain.MessageType(m.Type),
	}
}

func MessageToModel(msg domain.ChatMessage) *MessageModel {
	return &MessageModel{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Content:   msg.Content,
		Type:      string(msg.Type),
		SentAt:    msg.Timestamp.UTC(),
	}
}
