// Package router persists chat messages and fans frames out to the live
// connections of their recipients.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/wes-chat-relay/internal/directory"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/internal/messagelog"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
)

// PersistenceError reports that a chat message could not be stored. Nothing
// was delivered.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist chat message: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Presence is the set of online identities.
type Presence interface {
	Register(identity string) bool
	Unregister(identity string) bool
	Snapshot() []string
}

// Audience lists every open connection, bound or not.
type Audience interface {
	Handles() []directory.Handle
}

type Router struct {
	log      messagelog.Log
	dir      *directory.Directory
	presence Presence
	audience Audience
	now      func() time.Time

	rosterMu sync.Mutex
}

func New(l messagelog.Log, dir *directory.Directory, presence Presence, audience Audience) *Router {
	return &Router{
		log:      l,
		dir:      dir,
		presence: presence,
		audience: audience,
		now:      time.Now,
	}
}

// SendMessage persists msg and then delivers it to every connection of the
// recipient. The message is durable before any connection sees it; a
// recipient without connections is not an error.
func (r *Router) SendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	msg = msg.WithDefaults(domain.MessageTypeChat, r.now())
	if err := msg.ValidateChat(); err != nil {
		return domain.ChatMessage{}, err
	}

	saved, err := r.log.Save(ctx, msg)
	if err != nil {
		return domain.ChatMessage{}, &PersistenceError{Err: err}
	}

	frame, err := domain.EncodeFrame(domain.DestQueueMessages, saved)
	if err != nil {
		return saved, fmt.Errorf("failed to encode message frame: %w", err)
	}

	delivered := r.deliver(ctx, saved.Recipient, frame)

	l := log.Ctx(ctx)
	l.Debug().
		Int64(log.FieldMessageID, saved.ID).
		Str(log.FieldRecipient, saved.Recipient).
		Int(log.FieldDelivered, delivered).
		Msg("chat message routed")
	return saved, nil
}

// Signal forwards a call-signaling message to the recipient's connections
// without persisting it. It returns the number of connections reached.
func (r *Router) Signal(ctx context.Context, msg domain.ChatMessage) int {
	msg = msg.WithDefaults(domain.MessageTypeSignal, r.now())

	frame, err := domain.EncodeFrame(domain.DestQueueWebRTC, msg)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to encode signal frame")
		return 0
	}
	return r.deliver(ctx, msg.Recipient, frame)
}

// AddUser binds h to identity, marks the identity online and broadcasts the
// roster. Rebinding a connection to a new identity releases the old one when
// it has no other connection.
func (r *Router) AddUser(ctx context.Context, identity string, h directory.Handle) error {
	identity = domain.NormalizeIdentity(identity)
	if identity == "" {
		return domain.ErrMissingSender
	}

	previous, vacated := r.dir.Bind(identity, h)
	if vacated && r.presence.Unregister(previous) {
		l := log.Ctx(ctx)
		l.Info().Str(log.FieldIdentity, previous).Msg("identity released by rebind")
	}

	if r.presence.Register(identity) {
		l := log.Ctx(ctx)
		l.Info().Str(log.FieldIdentity, identity).Msg("identity online")
	}

	r.BroadcastRoster(ctx)
	return nil
}

// BroadcastRoster sends the current roster to every open connection.
// Broadcasts are serialized so each connection receives snapshots in the
// order they were taken.
func (r *Router) BroadcastRoster(ctx context.Context) int {
	r.rosterMu.Lock()
	defer r.rosterMu.Unlock()

	roster := r.presence.Snapshot()
	frame, err := domain.EncodeFrame(domain.DestTopicPublic, roster)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to encode roster frame")
		return 0
	}

	delivered := 0
	for _, h := range r.audience.Handles() {
		if err := h.Deliver(frame); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldConnID, h.ID()).Msg("roster delivery failed")
			continue
		}
		delivered++
	}

	l := log.Ctx(ctx)
	l.Debug().Int(log.FieldRosterSize, len(roster)).Int(log.FieldDelivered, delivered).Msg("roster broadcast")
	return delivered
}

// Roster returns the current roster snapshot.
func (r *Router) Roster() []string {
	return r.presence.Snapshot()
}

// History returns the conversation between two identities.
func (r *Router) History(ctx context.Context, userA, userB string) ([]domain.ChatMessage, error) {
	return r.log.History(ctx, userA, userB)
}

func (r *Router) deliver(ctx context.Context, identity string, frame []byte) int {
	delivered := 0
	for _, h := range r.dir.ConnectionsFor(identity) {
		if err := h.Deliver(frame); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldConnID, h.ID()).Str(log.FieldRecipient, identity).Msg("delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}
