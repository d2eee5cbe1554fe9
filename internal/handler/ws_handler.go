package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-chat-relay/internal/audit"
	"github.com/weiawesome/wes-chat-relay/internal/config"
	"github.com/weiawesome/wes-chat-relay/internal/domain"
	"github.com/weiawesome/wes-chat-relay/internal/hub"
	"github.com/weiawesome/wes-chat-relay/internal/lifecycle"
	"github.com/weiawesome/wes-chat-relay/internal/router"
	"github.com/weiawesome/wes-chat-relay/pkg/log"
	"github.com/weiawesome/wes-chat-relay/pkg/response"
)

type WSHandler struct {
	manager  *lifecycle.Manager
	router   *router.Router
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader
}

func NewWSHandler(m *lifecycle.Manager, r *router.Router, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		manager: m,
		router:  r,
		wsCfg:   wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(wsCfg.AllowedOrigins),
		},
	}
}

// originChecker allows any origin when the allow-list is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l := log.Ctx(r.Context())
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(uuid.New().String(), conn, h.wsCfg)

	// The request context ends with this handler; the connection outlives it.
	ctx := log.WithLogger(context.Background(), log.Ctx(r.Context()))
	ctx = log.WithConn(ctx, client.ID(), "")

	h.manager.Open(ctx, client)

	go client.WritePump()
	go client.ReadPump(
		func(c *hub.Client, message []byte) {
			h.handleMessage(ctx, c, message)
		},
		func(c *hub.Client) {
			h.manager.Close(ctx, c)
		},
	)
}

func (h *WSHandler) handleMessage(ctx context.Context, client *hub.Client, message []byte) {
	if identity := client.Session.GetIdentity(); identity != "" {
		ctx = log.WithConn(ctx, client.ID(), identity)
	}

	var frame domain.InboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		h.sendError(ctx, client, response.CodeBadRequest, "Invalid frame format")
		return
	}

	switch frame.Destination {
	case domain.DestSendMessage:
		msg, ok := h.decodePayload(ctx, client, frame)
		if !ok {
			return
		}
		h.handleSendMessage(ctx, client, msg)

	case domain.DestAddUser:
		msg, ok := h.decodePayload(ctx, client, frame)
		if !ok {
			return
		}
		h.handleAddUser(ctx, client, msg)

	case domain.DestWebRTCSignal:
		msg, ok := h.decodePayload(ctx, client, frame)
		if !ok {
			return
		}
		h.handleSignal(ctx, client, msg)

	case domain.DestPing:
		h.send(ctx, client, domain.DestPong, nil)

	default:
		h.sendError(ctx, client, response.CodeBadRequest, "Unknown destination")
	}
}

func (h *WSHandler) decodePayload(ctx context.Context, client *hub.Client, frame domain.InboundFrame) (domain.ChatMessage, bool) {
	var msg domain.ChatMessage
	if len(frame.Payload) == 0 {
		h.sendError(ctx, client, response.CodeBadRequest, "Missing payload")
		return msg, false
	}
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		h.sendError(ctx, client, response.CodeBadRequest, "Invalid "+frame.Destination+" payload")
		return msg, false
	}
	return msg, true
}

func (h *WSHandler) handleSendMessage(ctx context.Context, client *hub.Client, msg domain.ChatMessage) {
	saved, err := h.router.SendMessage(ctx, msg)
	if err != nil {
		var perr *router.PersistenceError
		if errors.As(err, &perr) {
			l := log.Ctx(ctx)
			l.Error().Err(perr.Err).Msg("chat message not persisted")
			h.sendError(ctx, client, response.CodePersistenceFailed, "Message could not be stored")
			return
		}
		h.sendError(ctx, client, response.CodeBadRequest, err.Error())
		return
	}

	audit.LogWithDetail(ctx, audit.ActionSendMessage, saved.Sender, saved.Recipient, "chat message sent")
	h.send(ctx, client, domain.DestQueueReceipts, saved)
}

func (h *WSHandler) handleAddUser(ctx context.Context, client *hub.Client, msg domain.ChatMessage) {
	msg = msg.WithDefaults(domain.MessageTypeJoin, time.Now())
	if err := msg.ValidateJoin(); err != nil {
		h.sendError(ctx, client, response.CodeBadRequest, err.Error())
		return
	}

	if err := h.manager.Bind(ctx, client, msg.Sender); err != nil {
		if errors.Is(err, lifecycle.ErrConnectionClosed) {
			return
		}
		h.sendError(ctx, client, response.CodeBadRequest, err.Error())
	}
}

func (h *WSHandler) handleSignal(ctx context.Context, client *hub.Client, msg domain.ChatMessage) {
	msg = msg.WithDefaults(domain.MessageTypeSignal, time.Now())
	if err := msg.ValidateSignal(); err != nil {
		h.sendError(ctx, client, response.CodeBadRequest, err.Error())
		return
	}

	n := h.router.Signal(ctx, msg)
	audit.LogWithDetail(ctx, audit.ActionSignal, msg.Sender, msg.Recipient, "signal relayed")

	l := log.Ctx(ctx)
	l.Debug().Str(log.FieldRecipient, msg.Recipient).Int(log.FieldDelivered, n).Msg("signal routed")
}

func (h *WSHandler) send(ctx context.Context, client *hub.Client, destination string, payload interface{}) {
	data, err := domain.EncodeFrame(destination, payload)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Str(log.FieldDestination, destination).Msg("failed to encode frame")
		return
	}
	if err := client.Deliver(data); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldDestination, destination).Msg("reply not delivered")
	}
}

func (h *WSHandler) sendError(ctx context.Context, client *hub.Client, code, message string) {
	frame := domain.NewErrorFrame(code, message)
	h.send(ctx, client, frame.Destination, frame.Payload)
}

func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWebSocket)
}
