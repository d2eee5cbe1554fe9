package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-chat-relay/internal/directory"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/internal/presence"
)

type fakeLog struct {
	mu      sync.Mutex
	saved   []domain.ChatMessage
	nextID  int64
	saveErr error
}

func (f *fakeLog) Save(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return domain.ChatMessage{}, f.saveErr
	}
	f.nextID++
	msg.ID = f.nextID
	f.saved = append(f.saved, msg)
	return msg, nil
}

func (f *fakeLog) History(ctx context.Context, userA, userB string) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.ChatMessage{}
	for _, m := range f.saved {
		if (m.Sender == userA && m.Recipient == userB) || (m.Sender == userB && m.Recipient == userA) {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []domain.InboundFrame
	err    error
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(data []byte) error {
	if c.err != nil {
		return c.err
	}
	var f domain.InboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) framesFor(destination string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, f := range c.frames {
		if f.Destination == destination {
			out = append(out, f.Payload)
		}
	}
	return out
}

func (c *fakeConn) lastRoster(t *testing.T) []string {
	t.Helper()
	rosters := c.framesFor(domain.DestTopicPublic)
	require.NotEmpty(t, rosters)
	var roster []string
	require.NoError(t, json.Unmarshal(rosters[len(rosters)-1], &roster))
	return roster
}

type fakeAudience struct {
	mu    sync.Mutex
	conns []directory.Handle
}

func (a *fakeAudience) add(h directory.Handle) {
	a.mu.Lock()
	a.conns = append(a.conns, h)
	a.mu.Unlock()
}

func (a *fakeAudience) Handles() []directory.Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]directory.Handle(nil), a.conns...)
}

type fixture struct {
	log      *fakeLog
	dir      *directory.Directory
	presence *presence.Registry
	audience *fakeAudience
	router   *Router
}

func newFixture() *fixture {
	dir := directory.New(4)
	reg := presence.NewRegistry(4, dir)
	lg := &fakeLog{}
	aud := &fakeAudience{}
	return &fixture{
		log:      lg,
		dir:      dir,
		presence: reg,
		audience: aud,
		router:   New(lg, dir, reg, aud),
	}
}

func (f *fixture) connect(t *testing.T, id, identity string) *fakeConn {
	t.Helper()
	c := &fakeConn{id: id}
	f.audience.add(c)
	require.NoError(t, f.router.AddUser(context.Background(), identity, c))
	return c
}

func chatTo(sender, recipient, content string) domain.ChatMessage {
	return domain.ChatMessage{Sender: sender, Recipient: recipient, Content: content}
}

func TestSendMessage_TwoConnectionsBothReceiveOneRecord(t *testing.T) {
	f := newFixture()
	f.connect(t, "a1", "alice")
	b1 := f.connect(t, "b1", "bob")
	b2 := f.connect(t, "b2", "bob")

	saved, err := f.router.SendMessage(context.Background(), chatTo("alice", "bob", "hello"))
	require.NoError(t, err)

	assert.Len(t, f.log.saved, 1)
	assert.Equal(t, domain.MessageTypeChat, saved.Type)
	assert.False(t, saved.Timestamp.IsZero())
	assert.Len(t, b1.framesFor(domain.DestQueueMessages), 1)
	assert.Len(t, b2.framesFor(domain.DestQueueMessages), 1)

	var got domain.ChatMessage
	require.NoError(t, json.Unmarshal(b1.framesFor(domain.DestQueueMessages)[0], &got))
	assert.Equal(t, saved.ID, got.ID)
	assert.Equal(t, "hello", got.Content)
}

func TestSendMessage_OfflineRecipientStillPersisted(t *testing.T) {
	f := newFixture()
	f.connect(t, "a1", "alice")

	_, err := f.router.SendMessage(context.Background(), chatTo("alice", "bob", "are you there"))
	require.NoError(t, err)

	history, err := f.router.History(context.Background(), "alice", "bob")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "are you there", history[0].Content)
}

func TestSendMessage_PersistenceFailureDeliversNothing(t *testing.T) {
	f := newFixture()
	b1 := f.connect(t, "b1", "bob")
	f.log.saveErr = errors.New("db down")

	_, err := f.router.SendMessage(context.Background(), chatTo("alice", "bob", "lost"))

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.EqualError(t, perr.Unwrap(), "db down")
	assert.Empty(t, b1.framesFor(domain.DestQueueMessages))
}

func TestSendMessage_FailingConnectionDoesNotAffectOthers(t *testing.T) {
	f := newFixture()
	broken := &fakeConn{id: "b1", err: errors.New("buffer full")}
	require.NoError(t, f.router.AddUser(context.Background(), "bob", broken))
	healthy := f.connect(t, "b2", "bob")

	_, err := f.router.SendMessage(context.Background(), chatTo("alice", "bob", "hi"))
	require.NoError(t, err)
	assert.Len(t, healthy.framesFor(domain.DestQueueMessages), 1)
	assert.Len(t, f.log.saved, 1)
}

func TestSendMessage_RejectsInvalidPayload(t *testing.T) {
	f := newFixture()

	_, err := f.router.SendMessage(context.Background(), chatTo("alice", "", "hi"))
	assert.ErrorIs(t, err, domain.ErrMissingRecipient)

	msg := chatTo("alice", "bob", "hi")
	msg.Type = domain.MessageTypeSignal
	_, err = f.router.SendMessage(context.Background(), msg)
	assert.ErrorIs(t, err, domain.ErrInvalidType)
	assert.Empty(t, f.log.saved)
}

func TestSendMessage_KeepsClientTimestamp(t *testing.T) {
	f := newFixture()
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := chatTo("alice", "bob", "hi")
	msg.Timestamp = ts

	saved, err := f.router.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, saved.Timestamp.Equal(ts))
}

func TestSignal_RoutesWithoutPersisting(t *testing.T) {
	f := newFixture()
	b1 := f.connect(t, "b1", "bob")

	n := f.router.Signal(context.Background(), chatTo("alice", "bob", `{"sdp":"offer"}`))
	assert.Equal(t, 1, n)
	assert.Empty(t, f.log.saved)

	frames := b1.framesFor(domain.DestQueueWebRTC)
	require.Len(t, frames, 1)
	var got domain.ChatMessage
	require.NoError(t, json.Unmarshal(frames[0], &got))
	assert.Equal(t, domain.MessageTypeSignal, got.Type)
}

func TestSignal_OfflineRecipient(t *testing.T) {
	f := newFixture()

	n := f.router.Signal(context.Background(), chatTo("alice", "nobody", "offer"))
	assert.Zero(t, n)
	assert.Empty(t, f.log.saved)
}

func TestAddUser_BroadcastsRosterToEveryConnection(t *testing.T) {
	f := newFixture()
	a1 := f.connect(t, "a1", "alice")

	anon := &fakeConn{id: "anon"}
	f.audience.add(anon)

	f.connect(t, "b1", "bob")

	assert.Equal(t, []string{"alice", "bob"}, a1.lastRoster(t))
	assert.Equal(t, []string{"alice", "bob"}, anon.lastRoster(t))
}

func TestAddUser_Idempotent(t *testing.T) {
	f := newFixture()
	c := f.connect(t, "c1", "carol")
	require.NoError(t, f.router.AddUser(context.Background(), "carol", c))

	assert.Equal(t, []string{"carol"}, f.presence.Snapshot())
	assert.Len(t, f.dir.ConnectionsFor("carol"), 1)
	assert.Equal(t, []string{"carol"}, c.lastRoster(t))
}

func TestAddUser_RebindReleasesPreviousIdentity(t *testing.T) {
	f := newFixture()
	c := f.connect(t, "c1", "carol")
	require.NoError(t, f.router.AddUser(context.Background(), "caroline", c))

	assert.Equal(t, []string{"caroline"}, f.presence.Snapshot())
	assert.Equal(t, []string{"caroline"}, c.lastRoster(t))
}

func TestAddUser_RejectsEmptyIdentity(t *testing.T) {
	f := newFixture()
	err := f.router.AddUser(context.Background(), "", &fakeConn{id: "x"})
	assert.ErrorIs(t, err, domain.ErrMissingSender)
}

func TestBroadcastRoster_SkipsFailingConnections(t *testing.T) {
	f := newFixture()
	f.connect(t, "a1", "alice")
	f.audience.add(&fakeConn{id: "dead", err: errors.New("closed")})

	assert.Equal(t, 1, f.router.BroadcastRoster(context.Background()))
}

func TestRouter_PerConnectionOrderMatchesCallOrder(t *testing.T) {
	f := newFixture()
	b1 := f.connect(t, "b1", "bob")
	ctx := context.Background()

	type step struct {
		destination string
		content     string
	}
	var want []step
	for i := 0; i < 20; i++ {
		content := fmt.Sprintf("msg-%d", i)
		if i%3 == 2 {
			f.router.Signal(ctx, chatTo("alice", "bob", content))
			want = append(want, step{domain.DestQueueWebRTC, content})
			continue
		}
		_, err := f.router.SendMessage(ctx, chatTo("alice", "bob", content))
		require.NoError(t, err)
		want = append(want, step{domain.DestQueueMessages, content})
	}

	b1.mu.Lock()
	frames := append([]domain.InboundFrame(nil), b1.frames...)
	b1.mu.Unlock()

	var got []step
	for _, fr := range frames {
		if fr.Destination == domain.DestTopicPublic {
			continue
		}
		var msg domain.ChatMessage
		require.NoError(t, json.Unmarshal(fr.Payload, &msg))
		got = append(got, step{fr.Destination, msg.Content})
	}
	assert.Equal(t, want, got)
}

func TestAddUser_TrimsIdentity(t *testing.T) {
	f := newFixture()
	a1 := f.connect(t, "a1", " alice")

	assert.Equal(t, []string{"alice"}, f.router.Roster())

	_, err := f.router.SendMessage(context.Background(), chatTo("bob", "alice", "hi"))
	require.NoError(t, err)
	assert.Len(t, a1.framesFor(domain.DestQueueMessages), 1)
}
