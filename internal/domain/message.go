package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType classifies a ChatMessage.
type MessageType string

const (
	MessageTypeChat   MessageType = "CHAT"
	MessageTypeFile   MessageType = "FILE"
	MessageTypeJoin   MessageType = "JOIN"
	MessageTypeLeave  MessageType = "LEAVE"
	MessageTypeSignal MessageType = "SIGNAL" // WebRTC negotiation payloads
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeChat, MessageTypeFile, MessageTypeJoin, MessageTypeLeave, MessageTypeSignal:
		return true
	}
	return false
}

// Persistent reports whether messages of this type go through the message log.
func (t MessageType) Persistent() bool {
	return t == MessageTypeChat || t == MessageTypeFile
}

// Validation errors for inbound payloads.
var (
	ErrMissingSender    = errors.New("sender is required")
	ErrMissingRecipient = errors.New("recipient is required")
	ErrMissingContent   = errors.New("content is required")
	ErrInvalidType      = errors.New("invalid message type")
)

// ChatMessage is the unit exchanged between participants. It is treated as
// an immutable value: operations return modified copies.
type ChatMessage struct {
	ID        int64       `json:"id,omitempty"`
	Sender    string      `json:"sender"`
	Recipient string      `json:"recipient"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`
}

// NormalizeIdentity trims surrounding whitespace so " alice" and "alice"
// name the same participant.
func NormalizeIdentity(identity string) string {
	return strings.TrimSpace(identity)
}

// WithDefaults normalizes the participants, fills in the type when absent and
// assigns a server timestamp when the client did not provide one.
func (m ChatMessage) WithDefaults(t MessageType, now time.Time) ChatMessage {
	m.Sender = NormalizeIdentity(m.Sender)
	m.Recipient = NormalizeIdentity(m.Recipient)
	if m.Type == "" {
		m.Type = t
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now.UTC()
	}
	return m
}

// ValidateChat checks a send-message payload.
func (m ChatMessage) ValidateChat() error {
	if err := m.validateRouted(); err != nil {
		return err
	}
	if !m.Type.Persistent() {
		return fmt.Errorf("%w: %q is not CHAT or FILE", ErrInvalidType, m.Type)
	}
	return nil
}

// ValidateSignal checks a webrtc-signal payload.
func (m ChatMessage) ValidateSignal() error {
	if err := m.validateRouted(); err != nil {
		return err
	}
	if m.Type != MessageTypeSignal {
		return fmt.Errorf("%w: %q is not SIGNAL", ErrInvalidType, m.Type)
	}
	return nil
}

// ValidateJoin checks an add-user payload. Only the sender and type are used.
func (m ChatMessage) ValidateJoin() error {
	if strings.TrimSpace(m.Sender) == "" {
		return ErrMissingSender
	}
	if m.Type != MessageTypeJoin {
		return fmt.Errorf("%w: %q is not JOIN", ErrInvalidType, m.Type)
	}
	return nil
}

func (m ChatMessage) validateRouted() error {
	switch {
	case strings.TrimSpace(m.Sender) == "":
		return ErrMissingSender
	case strings.TrimSpace(m.Recipient) == "":
		return ErrMissingRecipient
	case m.Content == "":
		return ErrMissingContent
	}
	return nil
}

// ConversationID returns a stable key for the pair of participants,
// independent of direction. The length prefix keeps it unambiguous.
func ConversationID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("%d:%s|%s", len(userA), userA, userB)
}
