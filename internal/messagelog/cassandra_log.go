package messagelog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

const createConversationTable = `CREATE TABLE IF NOT EXISTS messages_by_conversation (
	conversation_id text,
	message_id bigint,
	sender text,
	recipient text,
	content text,
	message_type text,
	sent_at timestamp,
	PRIMARY KEY ((conversation_id), message_id)
) WITH CLUSTERING ORDER BY (message_id ASC)`

// CassandraLog implements Log on a wide-column store. Each conversation is
// one partition keyed by the sorted participant pair.
type CassandraLog struct {
	session *gocql.Session
	ids     IDGenerator
}

// NewCassandraSession creates a session for the configured cluster.
func NewCassandraSession(cfg config.CassandraConfig) (*gocql.Session, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	cluster.ConnectTimeout = cfg.ConnectTimeout
	cluster.Timeout = cfg.Timeout
	if cfg.NumConns > 0 {
		cluster.NumConns = cfg.NumConns
	}
	if cfg.MaxPreparedStmt > 0 {
		cluster.MaxPreparedStmts = cfg.MaxPreparedStmt
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create cassandra session: %w", err)
	}
	return session, nil
}

// NewCassandraLog creates the conversation table if needed and returns the log.
func NewCassandraLog(ctx context.Context, session *gocql.Session, ids IDGenerator) (*CassandraLog, error) {
	if err := session.Query(createConversationTable).WithContext(ctx).Exec(); err != nil {
		return nil, fmt.Errorf("failed to create messages_by_conversation: %w", err)
	}
	return &CassandraLog{session: session, ids: ids}, nil
}

func (r *CassandraLog) Save(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	id, err := r.ids.Next()
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("failed to generate message id: %w", err)
	}
	msg.ID = id

	err = r.session.Query(
		`INSERT INTO messages_by_conversation
		 (conversation_id, message_id, sender, recipient, content, message_type, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		domain.ConversationID(msg.Sender, msg.Recipient),
		msg.ID,
		msg.Sender,
		msg.Recipient,
		msg.Content,
		string(msg.Type),
		msg.Timestamp,
	).WithContext(ctx).Exec()
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Int64(log.FieldMessageID, id).Msg("failed to insert chat message")
		return domain.ChatMessage{}, fmt.Errorf("failed to insert chat message: %w", err)
	}

	return msg, nil
}

// History reads the conversation partition. Rows come back in id order and
// are re-sorted by timestamp because client-supplied timestamps may disagree
// with id order.
func (r *CassandraLog) History(ctx context.Context, userA, userB string) ([]domain.ChatMessage, error) {
	if err := checkParticipants(userA, userB); err != nil {
		return nil, err
	}

	iter := r.session.Query(
		`SELECT message_id, sender, recipient, content, message_type, sent_at
		 FROM messages_by_conversation
		 WHERE conversation_id = ?`,
		domain.ConversationID(userA, userB),
	).WithContext(ctx).Iter()

	var (
		messages []domain.ChatMessage
		msg      domain.ChatMessage
		msgType  string
		sentAt   time.Time
	)
	for iter.Scan(&msg.ID, &msg.Sender, &msg.Recipient, &msg.Content, &msgType, &sentAt) {
		msg.Type = domain.MessageType(msgType)
		msg.Timestamp = sentAt.UTC()
		messages = append(messages, msg)
		msg = domain.ChatMessage{}
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	sortHistory(messages)
	if messages == nil {
		messages = []domain.ChatMessage{}
	}
	return messages, nil
}

// parseConsistency converts a string consistency level to gocql.Consistency.
func parseConsistency(s string) gocql.Consistency {
	switch strings.ToUpper(s) {
	case "ANY":
		return gocql.Any
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "QUORUM":
		return gocql.Quorum
	case "ALL":
		return gocql.All
	case "LOCAL_ONE":
		return gocql.LocalOne
	case "EACH_QUORUM":
		return gocql.EachQuorum
	default:
		return gocql.LocalQuorum
	}
}
