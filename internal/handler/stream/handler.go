package stream

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	chatService "github.com/zhouzirui/streamchat/backend/internal/service/chat"
	"github.com/zhouzirui/streamchat/backend/internal/service/completion"
	"github.com/zhouzirui/streamchat/backend/pkg/utils"
)

const heartbeatInterval = 15 * time.Second

// Handler serves Server-Sent Events: session subscriptions and the stateless chat proxy.
type Handler struct {
	completer    chatService.Completer
	chatSvc      *chatService.Service
	defaultModel string
	heartbeat    time.Duration
}

// New creates a new stream handler
func New(completer chatService.Completer, chatSvc *chatService.Service, defaultModel string) *Handler {
	return &Handler{
		completer:    completer,
		chatSvc:      chatSvc,
		defaultModel: defaultModel,
		heartbeat:    heartbeatInterval,
	}
}

// RegisterRoutes 注册 SSE 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/events", h.handleEvents)
	r.Post("/chat", h.handleChat)
}

// StreamResponse represents a streaming response chunk of the stateless proxy
type StreamResponse struct {
	Event    string `json:"event"`
	Content  string `json:"content,omitempty"`
	Finished bool   `json:"finished,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	DeveloperMessage string `json:"developer_message"`
	UserMessage      string `json:"user_message"`
	Model            string `json:"model"`
	APIKey           string `json:"api_key"`
}

// handleEvents 推送会话快照以及之后的每一次状态变化
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.chatSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	snapshot, events, unsubscribe := session.SubscribeWithSnapshot()
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	log.Debug().Str("session", sessionID).Msg("[sse] opening event stream")

	if err := utils.SendSSEEvent(w, flusher, "snapshot", snapshot); err != nil {
		log.Debug().Err(err).Str("session", sessionID).Msg("[sse] write failed")
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("session", sessionID).Msg("[sse] client went away")
			return
		case ev, ok := <-events:
			if !ok {
				// 会话关闭或订阅者过慢被断开
				_ = utils.SendSSEEvent(w, flusher, "end", StreamResponse{Event: "end", Finished: true})
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				log.Debug().Err(err).Str("session", sessionID).Msg("[sse] write failed")
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}

// handleChat runs one exchange outside any session and streams it back.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload ChatRequest
	if err := utils.DecodeJSON(r, &payload, false); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.UserMessage) == "" {
		utils.RespondError(w, http.StatusBadRequest, "user_message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	model := payload.Model
	if model == "" {
		model = h.defaultModel
	}

	send := func(resp StreamResponse) {
		if err := utils.SendSSEChunk(w, flusher, resp); err != nil {
			log.Debug().Err(err).Msg("[stream] write failed")
		}
	}

	// Stream 同步回调，所有写操作都在当前 goroutine 中
	h.completer.Stream(r.Context(), completion.Request{
		SystemInstruction: payload.DeveloperMessage,
		UserMessage:       payload.UserMessage,
		Model:             model,
		Credential:        payload.APIKey,
	}, completion.ListenerFuncs{
		Fragment: func(text string) {
			send(StreamResponse{Event: "delta", Content: text})
		},
		Complete: func(fullText string) {
			send(StreamResponse{Event: "message", Content: fullText})
		},
		Failure: func(description string) {
			send(StreamResponse{Event: "error", Error: description})
		},
	})

	send(StreamResponse{Event: "end", Finished: true})
}
