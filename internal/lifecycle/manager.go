// Package lifecycle owns the CONNECTING -> BOUND -> CLOSED transitions of a
// connection and the cleanup that follows a close.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/weiawesome/wes-chat-relay/internal/audit"
	"github.com/weiawesome/wes-chat-relay/internal/directory"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/internal/hub"
	"github.com/weiawesome/wes-chat-relay/internal/router"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

var ErrConnectionClosed = errors.New("connection is closed")

// Manager serializes Bind and Close per connection so a connection is never
// bound after it was closed.
type Manager struct {
	hub      *hub.Hub
	dir      *directory.Directory
	presence router.Presence
	router   *router.Router

	locks sync.Map // conn id -> *sync.Mutex
}

func NewManager(h *hub.Hub, dir *directory.Directory, presence router.Presence, r *router.Router) *Manager {
	return &Manager{
		hub:      h,
		dir:      dir,
		presence: presence,
		router:   r,
	}
}

func (m *Manager) lockFor(c *hub.Client) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(c.ID(), &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Open registers a freshly upgraded connection. It is CONNECTING until Bind.
func (m *Manager) Open(ctx context.Context, c *hub.Client) {
	m.hub.Register(c)

	l := log.Ctx(ctx)
	l.Info().Str(log.FieldConnID, c.ID()).Int("connections", m.hub.Count()).Msg("connection opened")
}

// Bind associates the connection with identity and moves it to BOUND.
func (m *Manager) Bind(ctx context.Context, c *hub.Client, identity string) error {
	identity = domain.NormalizeIdentity(identity)

	mu := m.lockFor(c)
	mu.Lock()
	defer mu.Unlock()

	if c.Session.GetState() == domain.StateClosed {
		return ErrConnectionClosed
	}

	if err := m.router.AddUser(ctx, identity, c); err != nil {
		return err
	}
	if err := c.Session.Bind(identity); err != nil {
		return ErrConnectionClosed
	}

	audit.Log(ctx, audit.ActionAddUser, identity, "identity bound to connection")
	return nil
}

// Close tears the connection down. It is idempotent. When the connection
// was its identity's last one, the identity goes offline and the roster is
// re-broadcast.
func (m *Manager) Close(ctx context.Context, c *hub.Client) {
	mu := m.lockFor(c)
	mu.Lock()
	defer func() {
		mu.Unlock()
		m.locks.Delete(c.ID())
	}()

	if !c.Session.Close() {
		return
	}

	m.hub.Unregister(c)
	c.Close()

	identity, vacated := m.dir.Unbind(c)
	offline := vacated && m.presence.Unregister(identity)
	if offline {
		m.router.BroadcastRoster(ctx)
	}

	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldConnID, c.ID()).
		Str(log.FieldIdentity, identity).
		Bool("offline", offline).
		Int64("dropped_frames", c.Dropped()).
		Msg("connection closed")

	if identity != "" {
		audit.Log(ctx, audit.ActionDisconnect, identity, "connection closed")
	}
}

// CloseAll closes every open connection.
func (m *Manager) CloseAll(ctx context.Context) {
	for _, c := range m.hub.Clients() {
		m.Close(ctx, c)
	}
}
