package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-chat-relay/internal/config"
)

func newTestClient(id string, buffer int) *Client {
	return NewClient(id, nil, config.WebSocketConfig{SendBufferSize: buffer})
}

func TestClient_DeliverDropsNewestWhenFull(t *testing.T) {
	c := newTestClient("c1", 2)

	require.NoError(t, c.Deliver([]byte("one")))
	require.NoError(t, c.Deliver([]byte("two")))
	assert.ErrorIs(t, c.Deliver([]byte("three")), ErrSendBufferFull)
	assert.Equal(t, int64(1), c.Dropped())

	assert.Equal(t, "one", string(<-c.send))
	assert.Equal(t, "two", string(<-c.send))
	assert.Empty(t, c.send)
}

func TestClient_DeliverAfterClose(t *testing.T) {
	c := newTestClient("c1", 4)

	assert.True(t, c.Close())
	assert.False(t, c.Close())
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Deliver([]byte("late")), ErrClientClosed)
}

func TestClient_DefaultBufferSize(t *testing.T) {
	c := newTestClient("c1", 0)
	assert.Equal(t, defaultSendBufferSize, cap(c.send))
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := NewHub()
	a := newTestClient("a", 1)
	b := newTestClient("b", 1)

	h.Register(a)
	h.Register(b)
	assert.Equal(t, 2, h.Count())
	assert.Len(t, h.Handles(), 2)

	got, ok := h.get("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.True(t, h.Unregister(a))
	assert.False(t, h.Unregister(a))
	assert.Equal(t, 1, h.Count())

	clients := h.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, "b", clients[0].ID())
}
