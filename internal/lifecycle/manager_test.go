package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/directory"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/internal/hub"
	"github.com/weiawesome/wes-chat-relay/internal/presence"
	"github.com/weiawesome/wes-chat-relay/internal/router"
)

type nopLog struct{}

func (nopLog) Save(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	return msg, nil
}

func (nopLog) History(ctx context.Context, userA, userB string) ([]domain.ChatMessage, error) {
	return []domain.ChatMessage{}, nil
}

type fixture struct {
	hub      *hub.Hub
	dir      *directory.Directory
	presence *presence.Registry
	manager  *Manager
}

func newFixture() *fixture {
	h := hub.NewHub()
	dir := directory.New(4)
	reg := presence.NewRegistry(4, dir)
	r := router.New(nopLog{}, dir, reg, h)
	return &fixture{
		hub:      h,
		dir:      dir,
		presence: reg,
		manager:  NewManager(h, dir, reg, r),
	}
}

func (f *fixture) open(id string) *hub.Client {
	c := hub.NewClient(id, nil, config.WebSocketConfig{SendBufferSize: 64})
	f.manager.Open(context.Background(), c)
	return c
}

func TestManager_OpenBindClose(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	c := f.open("c1")
	assert.Equal(t, domain.StateConnecting, c.Session.GetState())
	assert.Equal(t, 1, f.hub.Count())

	require.NoError(t, f.manager.Bind(ctx, c, "carol"))
	assert.Equal(t, domain.StateBound, c.Session.GetState())
	assert.Equal(t, "carol", c.Session.GetIdentity())
	assert.Equal(t, []string{"carol"}, f.presence.Snapshot())

	f.manager.Close(ctx, c)
	assert.Equal(t, domain.StateClosed, c.Session.GetState())
	assert.True(t, c.IsClosed())
	assert.Equal(t, 0, f.hub.Count())
	assert.Empty(t, f.presence.Snapshot())
	assert.False(t, f.dir.Has("carol"))
}

func TestManager_ClosingOneOfTwoConnectionsKeepsPresence(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	d1 := f.open("d1")
	d2 := f.open("d2")
	require.NoError(t, f.manager.Bind(ctx, d1, "dave"))
	require.NoError(t, f.manager.Bind(ctx, d2, "dave"))

	f.manager.Close(ctx, d1)
	assert.Equal(t, []string{"dave"}, f.presence.Snapshot())
	assert.Len(t, f.dir.ConnectionsFor("dave"), 1)

	f.manager.Close(ctx, d2)
	assert.Empty(t, f.presence.Snapshot())
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	c := f.open("c1")
	require.NoError(t, f.manager.Bind(ctx, c, "carol"))

	f.manager.Close(ctx, c)
	f.manager.Close(ctx, c)
	assert.Empty(t, f.presence.Snapshot())
	assert.Equal(t, 0, f.hub.Count())
}

func TestManager_CloseBeforeBind(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	bound := f.open("b1")
	require.NoError(t, f.manager.Bind(ctx, bound, "bob"))

	c := f.open("anon")
	f.manager.Close(ctx, c)

	assert.Equal(t, domain.StateClosed, c.Session.GetState())
	assert.Equal(t, []string{"bob"}, f.presence.Snapshot())
	assert.Equal(t, 1, f.hub.Count())
}

func TestManager_BindAfterCloseRejected(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	c := f.open("c1")
	f.manager.Close(ctx, c)

	assert.ErrorIs(t, f.manager.Bind(ctx, c, "carol"), ErrConnectionClosed)
	assert.Empty(t, f.presence.Snapshot())
	assert.False(t, f.dir.Has("carol"))
}

func TestManager_CloseAll(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := f.open(fmt.Sprintf("c%d", i))
		require.NoError(t, f.manager.Bind(ctx, c, fmt.Sprintf("user-%d", i)))
	}

	f.manager.CloseAll(ctx)
	assert.Equal(t, 0, f.hub.Count())
	assert.Empty(t, f.presence.Snapshot())
	for i := 0; i < 3; i++ {
		assert.False(t, f.dir.Has(fmt.Sprintf("user-%d", i)))
	}
}

func TestManager_RosterMatchesOpenConnections(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := f.open(fmt.Sprintf("conn-%d", i))
			identity := fmt.Sprintf("user-%d", i%6)
			if err := f.manager.Bind(ctx, c, identity); err != nil {
				return
			}
			if i%2 == 0 {
				f.manager.Close(ctx, c)
			}
		}(i)
	}
	wg.Wait()

	expected := []string{}
	for i := 0; i < 6; i++ {
		identity := fmt.Sprintf("user-%d", i)
		if f.dir.Has(identity) {
			expected = append(expected, identity)
		}
	}
	assert.Equal(t, expected, f.presence.Snapshot())
}

func TestManager_BindTrimsIdentity(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	c1 := f.open("c1")
	c2 := f.open("c2")
	require.NoError(t, f.manager.Bind(ctx, c1, " carol "))
	require.NoError(t, f.manager.Bind(ctx, c2, "carol"))

	assert.Equal(t, "carol", c1.Session.GetIdentity())
	assert.Equal(t, []string{"carol"}, f.presence.Snapshot())

	f.manager.Close(ctx, c1)
	assert.Equal(t, []string{"carol"}, f.presence.Snapshot())
}
