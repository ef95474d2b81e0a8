package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"convoai/internal/chat"
	"convoai/internal/util"
	"convoai/pkg/ai"
	"convoai/pkg/auth"
	"convoai/pkg/domain"
	"convoai/pkg/events"
)

// closeUnauthorized is the application close code sent on failed token auth.
const closeUnauthorized = 4001

const maxFrameBytes = 64 << 10

// Limiter gates chat frames per user. A nil limiter allows everything.
type Limiter interface {
	Allow(key string) bool
}

// inbound is a client frame.
type inbound struct {
	Type           string `json:"type"`
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// outbound is a server frame.
type outbound struct {
	Type           string         `json:"type"`
	ConnectionID   string         `json:"connectionId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	Response       string         `json:"response,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Typing         *bool          `json:"typing,omitempty"`
	Error          string         `json:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

func frame(kind string) outbound {
	return outbound{Type: kind, Timestamp: time.Now().UTC()}
}

// Handler serves the WebSocket endpoints.
type Handler struct {
	accounts *auth.Service
	chat     *chat.Manager
	registry *Registry
	bus      *events.Bus
	limiter  Limiter
	upgrader websocket.Upgrader
}

// NewHandler wires the WebSocket transport.
func NewHandler(accounts *auth.Service, chatMgr *chat.Manager, registry *Registry, bus *events.Bus, limiter Limiter) *Handler {
	return &Handler{
		accounts: accounts,
		chat:     chatMgr,
		registry: registry,
		bus:      bus,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origins are enforced by the CORS layer on the REST
			// API; tokens gate the socket itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// authorize upgrades the connection and validates the token query parameter.
// On auth failure the socket is closed with code 4001.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (*websocket.Conn, domain.User, bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, domain.User{}, false
	}
	conn.SetReadLimit(maxFrameBytes)
	user, ok := h.accounts.UserFromToken(r.URL.Query().Get("token"))
	if !ok {
		msg := websocket.FormatCloseMessage(closeUnauthorized, "unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return nil, domain.User{}, false
	}
	return conn, user, true
}

// HandleChat serves /ws/chat: an interactive chat session over one socket.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	conn, user, ok := h.authorize(w, r)
	if !ok {
		return
	}
	connID := util.NewID()
	h.registry.Register(connID, user.ID, conn)
	defer func() {
		h.registry.Unregister(connID)
		conn.Close()
	}()

	hello := frame("connection_established")
	hello.ConnectionID = connID
	if err := h.registry.Send(connID, hello); err != nil {
		return
	}

	for {
		var in inbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket closed", "connection_id", connID, "error", err)
			}
			return
		}
		switch in.Type {
		case "chat_message":
			h.handleChatFrame(r, connID, user, in)
		case "typing":
			h.send(connID, frame("typing_acknowledged"))
		case "ping":
			h.send(connID, frame("pong"))
		default:
			errFrame := frame("error")
			errFrame.Error = "unknown message type"
			h.send(connID, errFrame)
		}
	}
}

func (h *Handler) handleChatFrame(r *http.Request, connID string, user domain.User, in inbound) {
	if h.limiter != nil && !h.limiter.Allow(user.ID) {
		errFrame := frame("error")
		errFrame.Error = "too many requests"
		h.send(connID, errFrame)
		return
	}

	typing := true
	typingFrame := frame("ai_typing")
	typingFrame.Typing = &typing
	h.send(connID, typingFrame)

	content := util.SanitizeText(in.Message, maxFrameBytes)
	result, err := h.chat.ProcessUserMessage(r.Context(), user.ID, in.ConversationID, content)

	typing = false
	doneFrame := frame("ai_typing")
	doneFrame.Typing = &typing
	h.send(connID, doneFrame)

	if err != nil {
		errFrame := frame("error")
		errFrame.ConversationID = in.ConversationID
		errFrame.Error = chatErrorText(err)
		h.send(connID, errFrame)
		return
	}

	sentFrame := frame("message_sent")
	sentFrame.ConversationID = result.ConversationID
	sentFrame.MessageID = result.UserMessageID
	h.send(connID, sentFrame)

	respFrame := frame("ai_response")
	respFrame.ConversationID = result.ConversationID
	respFrame.MessageID = result.AssistantMessageID
	respFrame.Response = result.Response
	respFrame.Metadata = result.Metadata
	h.send(connID, respFrame)
}

// HandleNotifications serves /ws/notifications: a one-way stream of the
// caller's chat lifecycle events.
func (h *Handler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	conn, user, ok := h.authorize(w, r)
	if !ok {
		return
	}
	connID := util.NewID()
	h.registry.Register(connID, user.ID, conn)

	eventCh, cancel := h.bus.Subscribe(32)
	done := make(chan struct{})

	// Drain reads so close frames and pings are processed; the stream is
	// otherwise write-only.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		cancel()
		h.registry.Unregister(connID)
		conn.Close()
	}()

	hello := frame("connection_established")
	hello.ConnectionID = connID
	if err := h.registry.Send(connID, hello); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case ev, open := <-eventCh:
			if !open {
				return
			}
			// Deliver only the subscriber's own events; an event without an
			// owner is dropped rather than broadcast.
			if ev.UserID != user.ID {
				continue
			}
			out := frame(ev.Kind)
			out.ConversationID = ev.ConversationID
			out.MessageID = ev.MessageID
			out.Error = ev.Error
			if err := h.registry.Send(connID, out); err != nil {
				return
			}
		}
	}
}

func (h *Handler) send(connID string, payload outbound) {
	if err := h.registry.Send(connID, payload); err != nil {
		slog.Debug("websocket send failed", "connection_id", connID, "error", err)
	}
}

// chatErrorText maps lifecycle errors to client-safe text.
func chatErrorText(err error) string {
	var genErr *ai.GenerationError
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		return "conversation not found"
	case errors.Is(err, chat.ErrEmptyMessage):
		return "message content is empty"
	case errors.Is(err, ai.ErrModelUnavailable):
		return "language model unavailable"
	case errors.As(err, &genErr):
		return "generation failed"
	default:
		return "internal error"
	}
}
