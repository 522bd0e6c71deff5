// Package gateway exposes the runtime's HTTP surface: health, sessions,
// cron management, direct agent messaging, and a websocket stream of
// outbound events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/robunhq/robun/internal/agent"
	"github.com/robunhq/robun/internal/bus"
	"github.com/robunhq/robun/internal/config"
	"github.com/robunhq/robun/internal/cron"
	"github.com/robunhq/robun/internal/sessions"
)

const gatewayChannel = "gateway"

// Server is the HTTP gateway.
type Server struct {
	cfg      *config.Config
	loop     *agent.Loop
	msgBus   *bus.MessageBus
	sessions *sessions.Store
	cron     *cron.Service
	started  time.Time

	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]string // conn → client id

	httpServer *http.Server
}

func NewServer(cfg *config.Config, loop *agent.Loop, msgBus *bus.MessageBus, sess *sessions.Store, cronSvc *cron.Service) *Server {
	s := &Server{
		cfg:      cfg,
		loop:     loop,
		msgBus:   msgBus,
		sessions: sess,
		cron:     cronSvc,
		started:  time.Now(),
		clients:  make(map[*websocket.Conn]string),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	// Outbound events for the gateway channel fan out to websocket clients.
	msgBus.SubscribeOutbound(gatewayChannel, s.broadcast)
	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("POST /agent/message", s.handleAgentMessage)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /sessions/{key}", s.handleSessionDetail)
	mux.HandleFunc("GET /cron/jobs", s.handleCronList)
	mux.HandleFunc("POST /cron/jobs", s.handleCronAdd)
	mux.HandleFunc("POST /cron/jobs/{id}/run", s.handleCronRun)
	mux.HandleFunc("POST /cron/jobs/{id}/enable", s.handleCronEnable)
	mux.HandleFunc("DELETE /cron/jobs/{id}", s.handleCronRemove)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start listens until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.buildMux()}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
		"sessions":      len(s.sessions.List()),
	}
	if s.cron != nil {
		status["cron"] = s.cron.Status()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Sanitized())
}

type agentMessageRequest struct {
	Content    string `json:"content"`
	SessionKey string `json:"sessionKey,omitempty"`
	Channel    string `json:"channel,omitempty"`
	ChatID     string `json:"chatId,omitempty"`
}

// handleAgentMessage runs one synchronous agent turn and returns the reply.
func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	var req agentMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = gatewayChannel
	}
	chatID := req.ChatID
	if chatID == "" {
		chatID = "default"
	}
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.BuildKey(channel, chatID)
	}

	content, err := s.loop.ProcessDirect(r.Context(), req.Content, sessionKey, channel, chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content":    content,
		"sessionKey": sessionKey,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.sessions.List()
	if infos == nil {
		infos = []sessions.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sess := s.sessions.GetOrCreate(key)
	msgs, lastConsolidated := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"key":              sess.Key,
		"createdAt":        sess.CreatedAt,
		"updatedAt":        sess.UpdatedAt,
		"lastConsolidated": lastConsolidated,
		"messages":         msgs,
	})
}

func (s *Server) handleCronList(w http.ResponseWriter, r *http.Request) {
	if s.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "cron service not running")
		return
	}
	includeDisabled := r.URL.Query().Get("includeDisabled") == "true"
	jobs := s.cron.List(includeDisabled)
	if jobs == nil {
		jobs = []*cron.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type cronAddRequest struct {
	Name           string        `json:"name"`
	Schedule       cron.Schedule `json:"schedule"`
	Payload        cron.Payload  `json:"payload"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
}

func (s *Server) handleCronAdd(w http.ResponseWriter, r *http.Request) {
	if s.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "cron service not running")
		return
	}
	var req cronAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.cron.Add(req.Name, req.Schedule, req.Payload, req.DeleteAfterRun)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleCronRun(w http.ResponseWriter, r *http.Request) {
	if s.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "cron service not running")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := s.cron.Run(r.Context(), r.PathValue("id"), force); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCronEnable(w http.ResponseWriter, r *http.Request) {
	if s.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "cron service not running")
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.cron.Enable(r.PathValue("id"), req.Enabled); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCronRemove(w http.ResponseWriter, r *http.Request) {
	if s.cron == nil {
		writeError(w, http.StatusServiceUnavailable, "cron service not running")
		return
	}
	if err := s.cron.Remove(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleWebSocket streams outbound gateway events to the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	clientID := uuid.NewString()
	s.mu.Lock()
	s.clients[conn] = clientID
	s.mu.Unlock()
	slog.Debug("websocket client connected", "client", clientID)

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		slog.Debug("websocket client disconnected", "client", clientID)
	}()

	// Messages received over the socket become inbound gateway events.
	for {
		var req agentMessageRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			continue
		}
		chatID := req.ChatID
		if chatID == "" {
			chatID = "default"
		}
		s.msgBus.PublishInbound(bus.InboundEvent{
			Channel:   gatewayChannel,
			SenderID:  "ws",
			ChatID:    chatID,
			Content:   req.Content,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

// broadcast delivers one outbound gateway event to every websocket client.
func (s *Server) broadcast(ev bus.OutboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, clientID := range s.clients {
		if err := conn.WriteJSON(ev); err != nil {
			slog.Warn("websocket write failed", "client", clientID, "error", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
