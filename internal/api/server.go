// Package api implements the HTTP surface: the WhatsApp webhook and
// the admin dashboard API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sokobot/sokobot/internal/bot"
	"github.com/sokobot/sokobot/internal/buildinfo"
	"github.com/sokobot/sokobot/internal/catalog"
	"github.com/sokobot/sokobot/internal/leads"
	"github.com/sokobot/sokobot/internal/session"
	"github.com/sokobot/sokobot/internal/whatsapp"
)

// maxWebhookBody bounds one webhook delivery.
const maxWebhookBody = 1 << 20

// ReadAcker marks inbound messages read and shows the typing
// indicator. Best-effort; the real implementation is *whatsapp.Client.
type ReadAcker interface {
	MarkReadWithTyping(ctx context.Context, messageID string) error
}

// LeadRefresher forces a lead analysis run. The real implementation is
// *leads.Analyzer.
type LeadRefresher interface {
	Run(ctx context.Context, force bool) error
}

// Config wires a Server.
type Config struct {
	Listen      string
	VerifyToken string

	Store        *session.Store
	Products     *catalog.Store
	Orchestrator *bot.Orchestrator
	Leads        *leads.Cache
	Analyzer     LeadRefresher
	Acker        ReadAcker
	Logger       *slog.Logger
}

// Server is the HTTP server for webhook traffic and the admin API.
type Server struct {
	listen      string
	verifyToken string

	store    *session.Store
	products *catalog.Store
	orch     *bot.Orchestrator
	leads    *leads.Cache
	analyzer LeadRefresher
	acker    ReadAcker
	logger   *slog.Logger

	hub    *wsHub
	server *http.Server
}

// NewServer creates the server and subscribes its websocket hub to
// session-store changes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		listen:      cfg.Listen,
		verifyToken: cfg.VerifyToken,
		store:       cfg.Store,
		products:    cfg.Products,
		orch:        cfg.Orchestrator,
		leads:       cfg.Leads,
		analyzer:    cfg.Analyzer,
		acker:       cfg.Acker,
		logger:      logger.With("component", "api"),
		hub:         newWSHub(logger),
	}
	if s.store != nil {
		s.store.OnChange(s.hub.notifySession)
	}
	return s
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Meta webhook
	mux.HandleFunc("GET /webhook", s.handleWebhookVerify)
	mux.HandleFunc("POST /webhook", s.handleWebhookReceive)

	// Admin dashboard API
	mux.HandleFunc("GET /api/chats", s.handleChatList)
	mux.HandleFunc("GET /api/chats/{id}", s.handleChatGet)
	mux.HandleFunc("POST /api/chats/{id}/read", s.handleChatRead)
	mux.HandleFunc("POST /api/chats/{id}/bot", s.handleChatBot)
	mux.HandleFunc("POST /api/chats/{id}/release", s.handleChatRelease)
	mux.HandleFunc("POST /api/chats/{id}/messages", s.handleChatSend)

	mux.HandleFunc("GET /api/products", s.handleProductList)
	mux.HandleFunc("POST /api/products", s.handleProductCreate)
	mux.HandleFunc("GET /api/products/{id}", s.handleProductGet)
	mux.HandleFunc("PUT /api/products/{id}", s.handleProductUpdate)
	mux.HandleFunc("DELETE /api/products/{id}", s.handleProductDelete)

	mux.HandleFunc("GET /api/leads", s.handleLeads)
	mux.HandleFunc("POST /api/leads/refresh", s.handleLeadsRefresh)

	mux.HandleFunc("GET /ws", s.hub.handleSubscribe)

	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and disconnects websocket
// subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler builds the route mux without binding a listener. Used by
// tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", s.handleWebhookVerify)
	mux.HandleFunc("POST /webhook", s.handleWebhookReceive)
	mux.HandleFunc("GET /api/chats", s.handleChatList)
	mux.HandleFunc("GET /api/chats/{id}", s.handleChatGet)
	mux.HandleFunc("POST /api/chats/{id}/read", s.handleChatRead)
	mux.HandleFunc("POST /api/chats/{id}/bot", s.handleChatBot)
	mux.HandleFunc("POST /api/chats/{id}/release", s.handleChatRelease)
	mux.HandleFunc("POST /api/chats/{id}/messages", s.handleChatSend)
	mux.HandleFunc("GET /api/products", s.handleProductList)
	mux.HandleFunc("POST /api/products", s.handleProductCreate)
	mux.HandleFunc("GET /api/products/{id}", s.handleProductGet)
	mux.HandleFunc("PUT /api/products/{id}", s.handleProductUpdate)
	mux.HandleFunc("DELETE /api/products/{id}", s.handleProductDelete)
	mux.HandleFunc("GET /api/leads", s.handleLeads)
	mux.HandleFunc("POST /api/leads/refresh", s.handleLeadsRefresh)
	mux.HandleFunc("GET /ws", s.hub.handleSubscribe)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v to w. Encoding errors usually mean the client
// disconnected mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleWebhookVerify answers Meta's subscription handshake: echo the
// challenge when the verify token matches, reject otherwise.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.verifyToken {
		fmt.Fprint(w, q.Get("hub.challenge"))
		return
	}
	s.logger.Warn("webhook verification rejected", "mode", q.Get("hub.mode"))
	http.Error(w, "verification failed", http.StatusForbidden)
}

// handleWebhookReceive acks the delivery immediately and hands each
// message to the pipeline. Meta retries non-200 responses, so parse
// failures are logged and still acked to avoid duplicate storms.
func (s *Server) handleWebhookReceive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	msgs, err := whatsapp.ParseWebhook(body)
	if err != nil {
		s.logger.Warn("unparseable webhook payload", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	for _, m := range msgs {
		if s.acker != nil {
			// Read receipt and typing indicator, fired outside the
			// request so the ack isn't delayed.
			go func(id string) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.acker.MarkReadWithTyping(ctx, id); err != nil {
					s.logger.Debug("mark-read failed", "message_id", id, "error", err)
				}
			}(m.MessageID)
		}

		msgType := session.TypeText
		if m.Type == "image" {
			msgType = session.TypeImage
		}
		var ts time.Time
		if m.Timestamp > 0 {
			ts = time.Unix(m.Timestamp, 0)
		}
		s.orch.HandleInbound(bot.Inbound{
			MessageID:   m.MessageID,
			From:        m.From,
			ProfileName: m.ProfileName,
			Type:        msgType,
			Text:        m.Text,
			MediaID:     m.MediaID,
			Timestamp:   ts,
		})
	}

	w.WriteHeader(http.StatusOK)
}

// chatSummary is the list view of a session, without its messages.
type chatSummary struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	UnreadCount     int       `json:"unread_count"`
	BotActive       bool      `json:"bot_active"`
	IsEscalated     bool      `json:"is_escalated"`
}

func summarize(sess *session.Session) chatSummary {
	return chatSummary{
		ID:              sess.ID,
		DisplayName:     sess.DisplayName,
		LastMessage:     sess.LastMessage,
		LastMessageTime: sess.LastMessageTime,
		UnreadCount:     sess.UnreadCount,
		BotActive:       sess.BotActive,
		IsEscalated:     sess.IsEscalated,
	}
}

func (s *Server) handleChatList(w http.ResponseWriter, r *http.Request) {
	sessions := s.store.List()
	out := make([]chatSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	sess := s.store.Get(r.PathValue("id"))
	if sess == nil {
		s.writeError(w, http.StatusNotFound, "unknown chat")
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleChatRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.store.Get(id) == nil {
		s.writeError(w, http.StatusNotFound, "unknown chat")
		return
	}
	s.store.MarkRead(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleChatBot toggles automatic replies. Re-enabling the bot is the
// release transition: it also clears the escalation flag.
func (s *Server) handleChatBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.store.SetBotActive(id, req.Active) {
		s.writeError(w, http.StatusNotFound, "unknown chat")
		return
	}
	s.writeJSON(w, http.StatusOK, summarize(s.store.Get(id)))
}

// handleChatRelease is shorthand for re-enabling the bot after an
// escalation.
func (s *Server) handleChatRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.store.SetBotActive(id, true) {
		s.writeError(w, http.StatusNotFound, "unknown chat")
		return
	}
	s.writeJSON(w, http.StatusOK, summarize(s.store.Get(id)))
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.orch.SendOperatorMessage(r.Context(), id, req.Text); err != nil {
		s.logger.Error("operator send failed", "chat", id, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleProductList(w http.ResponseWriter, r *http.Request) {
	products, err := s.products.Snapshot()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load products")
		return
	}
	if products == nil {
		products = []catalog.Product{}
	}
	s.writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleProductGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.products.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "unknown product")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProductCreate(w http.ResponseWriter, r *http.Request) {
	var p catalog.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.Name == "" || p.Category == "" {
		s.writeError(w, http.StatusBadRequest, "name and category are required")
		return
	}
	p.ID = ""
	saved, err := s.products.Upsert(p)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleProductUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.products.Get(id); err != nil {
		s.writeError(w, http.StatusNotFound, "unknown product")
		return
	}
	var p catalog.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.ID = id
	saved, err := s.products.Upsert(p)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleProductDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.products.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleLeads(w http.ResponseWriter, r *http.Request) {
	snap, err := s.leads.Snapshot()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load leads")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleLeadsRefresh kicks off a forced analysis run in the background
// and returns immediately; a run can take minutes.
func (s *Server) handleLeadsRefresh(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.analyzer.Run(context.Background(), true); err != nil {
			s.logger.Error("forced lead analysis failed", "error", err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	queued := 0
	if s.orch != nil {
		if n, err := s.orch.QueueSize(); err == nil {
			queued = n
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     buildinfo.Version,
		"uptime":      buildinfo.Uptime().Round(time.Second).String(),
		"retry_queue": queued,
	})
}
