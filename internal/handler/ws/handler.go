package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	chatservice "github.com/zhouzirui/streamchat/backend/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 54 * time.Second
)

// Handler WebSocket会话处理器
type Handler struct {
	chatSvc  *chatservice.Service
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(chatSvc *chatservice.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type textPayload struct {
	Text string `json:"text"`
}

type credentialPayload struct {
	Credential string `json:"credential"`
}

type settingsPayload struct {
	Visible *bool `json:"visible"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection 串行化对同一连接的写操作
type connection struct {
	conn      *websocket.Conn
	sessionID string
	mu        sync.Mutex
}

func (c *connection) write(msg outgoingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg.Timestamp = time.Now().Unix()
	if msg.SessionID == "" {
		msg.SessionID = c.sessionID
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *connection) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

func (c *connection) sendError(message string) {
	if err := c.write(outgoingMessage{Type: "error", Data: map[string]string{"message": message}}); err != nil {
		log.Debug().Err(err).Str("session", c.sessionID).Msg("[websocket] write error failed")
	}
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.chatSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("[websocket] upgrade failed")
		return
	}
	defer conn.Close()

	log.Info().Str("session", sessionID).Msg("[websocket] new connection")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &connection{conn: conn, sessionID: sessionID}

	snapshot, events, unsubscribe := session.SubscribeWithSnapshot()
	defer unsubscribe()

	if err := c.write(outgoingMessage{Type: "snapshot", Data: snapshot}); err != nil {
		return
	}

	go h.forwardEvents(ctx, cancel, c, events)
	go h.pingLoop(ctx, c)

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("session", sessionID).Msg("[websocket] read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.handleMessage(c, session, &msg)
	}
}

func (h *Handler) handleMessage(c *connection, session *chatservice.Session, msg *inboundMessage) {
	switch msg.Type {
	case "submit":
		var payload textPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.sendError("invalid submit payload")
			return
		}
		if err := session.Submit(payload.Text); err != nil {
			c.sendError(err.Error())
		}
	case "credential":
		var payload credentialPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.sendError("invalid credential payload")
			return
		}
		session.SetCredential(payload.Credential)
	case "settings":
		var payload settingsPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.sendError("invalid settings payload")
			return
		}
		if payload.Visible == nil {
			session.ToggleSettings()
			return
		}
		session.SetSettingsVisible(*payload.Visible)
	case "input":
		var payload textPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.sendError("invalid input payload")
			return
		}
		session.SetInput(payload.Text)
	default:
		c.sendError("unsupported message type: " + msg.Type)
	}
}

// forwardEvents 把会话事件按顺序写到连接上，会话关闭时结束连接
func (h *Handler) forwardEvents(ctx context.Context, cancel context.CancelFunc, c *connection, events <-chan chatservice.Event) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.mu.Lock()
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(writeTimeout))
				c.mu.Unlock()
				_ = c.conn.Close()
				return
			}
			if err := c.write(outgoingMessage{Type: string(ev.Type), Data: ev}); err != nil {
				log.Debug().Err(err).Str("session", c.sessionID).Msg("[websocket] write event failed")
				_ = c.conn.Close()
				return
			}
		}
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
