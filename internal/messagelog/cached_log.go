package messagelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
	"golang.org/x/sync/singleflight"
)

// CachedLog reads history through Redis. Concurrent reads of the same
// conversation share one backend query. Save invalidates the conversation
// and bumps a generation counter; a fill that started before the bump is
// discarded, so history read after a send returns includes the send.
type CachedLog struct {
	next   Log
	client *redis.Client
	prefix string
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	gen uint64
}

func NewCachedLog(next Log, client *redis.Client, prefix string, ttl time.Duration) *CachedLog {
	return &CachedLog{
		next:   next,
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *CachedLog) key(userA, userB string) string {
	return fmt.Sprintf("%s:%s", c.prefix, domain.ConversationID(userA, userB))
}

func (c *CachedLog) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *CachedLog) Save(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	saved, err := c.next.Save(ctx, msg)
	if err != nil {
		return saved, err
	}

	c.mu.Lock()
	c.gen++
	c.mu.Unlock()

	if err := c.client.Del(ctx, c.key(saved.Sender, saved.Recipient)).Err(); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Int64(log.FieldMessageID, saved.ID).Msg("failed to invalidate history cache")
	}
	return saved, nil
}

func (c *CachedLog) History(ctx context.Context, userA, userB string) ([]domain.ChatMessage, error) {
	if err := checkParticipants(userA, userB); err != nil {
		return nil, err
	}

	key := c.key(userA, userB)
	gen := c.generation()

	result, err, _ := c.sf.Do(fmt.Sprintf("%s#%d", key, gen), func() (interface{}, error) {
		return c.fetchWithCache(ctx, key, gen, userA, userB)
	})
	if err != nil {
		return nil, err
	}

	msgs, ok := result.([]domain.ChatMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from singleflight")
	}
	return msgs, nil
}

func (c *CachedLog) fetchWithCache(ctx context.Context, key string, gen uint64, userA, userB string) ([]domain.ChatMessage, error) {
	l := log.Ctx(ctx)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached []domain.ChatMessage
		if err := json.Unmarshal(data, &cached); err == nil {
			return cached, nil
		}
		l.Warn().Str("key", key).Msg("discarding undecodable history cache entry")
	} else if !errors.Is(err, redis.Nil) {
		// Log error but continue to fetch from the backend
		l.Warn().Err(err).Msg("cache get error")
	}

	msgs, err := c.next.History(ctx, userA, userB)
	if err != nil {
		return nil, err
	}

	c.store(ctx, key, gen, msgs)
	return msgs, nil
}

// store writes the fill only while no Save has happened since gen was read.
func (c *CachedLog) store(ctx context.Context, key string, gen uint64, msgs []domain.ChatMessage) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}

	setCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.client.Set(setCtx, key, data, c.ttl).Err(); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("cache set error")
	}
}
