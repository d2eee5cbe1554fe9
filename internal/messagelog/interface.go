// Package messagelog is the durable append-only record of chat messages.
package messagelog

import (
	"context"
	"errors"
	"sort"

	"github.com/weiawesome/wes-chat-relay/internal/domain"
)

var ErrMissingParticipant = errors.New("both participants are required")

// Log stores chat messages and answers conversation history queries.
type Log interface {
	// Save durably appends msg and returns the stored copy with its id.
	Save(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)

	// History returns every message exchanged between userA and userB in
	// either direction, ascending by timestamp with ties broken by id.
	History(ctx context.Context, userA, userB string) ([]domain.ChatMessage, error)
}

// IDGenerator assigns message ids.
type IDGenerator interface {
	Next() (int64, error)
}

func sortHistory(msgs []domain.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func checkParticipants(userA, userB string) error {
	if userA == "" || userB == "" {
		return ErrMissingParticipant
	}
	return nil
}
