package messagelog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
)

type memoryLog struct {
	mu           sync.Mutex
	msgs         []domain.ChatMessage
	nextID       int64
	saveErr      error
	historyCalls int
}

func (m *memoryLog) Save(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return domain.ChatMessage{}, m.saveErr
	}
	m.nextID++
	msg.ID = m.nextID
	m.msgs = append(m.msgs, msg)
	return msg, nil
}

func (m *memoryLog) History(ctx context.Context, userA, userB string) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyCalls++
	out := []domain.ChatMessage{}
	for _, msg := range m.msgs {
		if (msg.Sender == userA && msg.Recipient == userB) || (msg.Sender == userB && msg.Recipient == userA) {
			out = append(out, msg)
		}
	}
	sortHistory(out)
	return out, nil
}

type fakeProducer struct {
	mu       sync.Mutex
	produced []domain.ChatMessage
	err      error
}

func (f *fakeProducer) ProduceMessage(ctx context.Context, msg *domain.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.produced = append(f.produced, *msg)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func (m *memoryLog) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyCalls
}

// gatedLog holds its first History call after reading the backend, until
// release is closed.
type gatedLog struct {
	*memoryLog
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedLog(backend *memoryLog) *gatedLog {
	return &gatedLog{
		memoryLog: backend,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (g *gatedLog) History(ctx context.Context, userA, userB string) ([]domain.ChatMessage, error) {
	msgs, err := g.memoryLog.History(ctx, userA, userB)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return msgs, err
}

func TestPublishingLog_PublishesAfterSave(t *testing.T) {
	backend := &memoryLog{}
	producer := &fakeProducer{}
	l := NewPublishingLog(backend, producer)

	saved, err := l.Save(context.Background(), chat("alice", "bob", "hi", time.Now()))
	require.NoError(t, err)

	require.Len(t, producer.produced, 1)
	assert.Equal(t, saved.ID, producer.produced[0].ID)
}

func TestPublishingLog_PublishFailureDoesNotFailSave(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	l := NewPublishingLog(&memoryLog{}, producer)

	saved, err := l.Save(context.Background(), chat("alice", "bob", "hi", time.Now()))
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)
}

func TestPublishingLog_SaveFailureSkipsPublish(t *testing.T) {
	producer := &fakeProducer{}
	l := NewPublishingLog(&memoryLog{saveErr: errors.New("disk full")}, producer)

	_, err := l.Save(context.Background(), chat("alice", "bob", "hi", time.Now()))
	assert.Error(t, err)
	assert.Empty(t, producer.produced)
}

// unreachableRedis fails every command quickly.
func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestCachedLog_FallsThroughWhenRedisUnavailable(t *testing.T) {
	backend := &memoryLog{}
	l := NewCachedLog(backend, unreachableRedis(), "test:history", time.Minute)
	ctx := context.Background()

	_, err := l.Save(ctx, chat("alice", "bob", "hi", time.Now()))
	require.NoError(t, err)

	history, err := l.History(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)
}

func TestCachedLog_SaveBumpsGeneration(t *testing.T) {
	l := NewCachedLog(&memoryLog{}, unreachableRedis(), "test:history", time.Minute)

	before := l.generation()
	_, err := l.Save(context.Background(), chat("alice", "bob", "hi", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, before+1, l.generation())
}

func TestCachedLog_KeyIsDirectionless(t *testing.T) {
	l := NewCachedLog(&memoryLog{}, unreachableRedis(), "test:history", time.Minute)
	assert.Equal(t, l.key("alice", "bob"), l.key("bob", "alice"))
}

func newMiniCachedLog(t *testing.T, backend Log) (*CachedLog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCachedLog(backend, client, "test:history", time.Minute), mr
}

func TestCachedLog_SecondReadServedFromCache(t *testing.T) {
	backend := &memoryLog{}
	l, mr := newMiniCachedLog(t, backend)
	ctx := context.Background()

	_, err := l.Save(ctx, chat("alice", "bob", "hi", time.Now()))
	require.NoError(t, err)

	first, err := l.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.True(t, mr.Exists(l.key("alice", "bob")))
	assert.Equal(t, time.Minute, mr.TTL(l.key("alice", "bob")))

	second, err := l.History(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.calls())
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, "hi", second[0].Content)
}

func TestCachedLog_SaveInvalidatesCachedHistory(t *testing.T) {
	backend := &memoryLog{}
	l, mr := newMiniCachedLog(t, backend)
	ctx := context.Background()

	history, err := l.History(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, history)
	require.True(t, mr.Exists(l.key("alice", "bob")))

	_, err = l.Save(ctx, chat("bob", "alice", "new", time.Now()))
	require.NoError(t, err)
	assert.False(t, mr.Exists(l.key("alice", "bob")))

	history, err = l.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "new", history[0].Content)
	assert.Equal(t, 2, backend.calls())
}

func TestCachedLog_FillStartedBeforeSaveIsDiscarded(t *testing.T) {
	backend := &memoryLog{}
	gated := newGatedLog(backend)
	l, mr := newMiniCachedLog(t, gated)
	ctx := context.Background()

	done := make(chan []domain.ChatMessage, 1)
	go func() {
		msgs, err := l.History(ctx, "alice", "bob")
		assert.NoError(t, err)
		done <- msgs
	}()

	<-gated.entered
	_, err := l.Save(ctx, chat("alice", "bob", "racing", time.Now()))
	require.NoError(t, err)
	close(gated.release)

	stale := <-done
	assert.Empty(t, stale)
	assert.False(t, mr.Exists(l.key("alice", "bob")))

	fresh, err := l.History(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "racing", fresh[0].Content)
}
