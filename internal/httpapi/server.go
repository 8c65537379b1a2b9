package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/pubsub"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/usage"
)

// Relay runs the forwarding loop for one client websocket.
type Relay interface {
	RunSession(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	relay    Relay
	usage    usage.Store
	metrics  *observability.Metrics
	stages   *observability.StageWindow
	broker   *pubsub.Broker
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	attached map[string]bool
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	relay Relay,
	usageStore usage.Store,
	metrics *observability.Metrics,
	stages *observability.StageWindow,
	broker *pubsub.Broker,
	log zerolog.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		relay:    relay,
		usage:    usageStore,
		metrics:  metrics,
		stages:   stages,
		broker:   broker,
		log:      log,
		attached: make(map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up. Non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/relay/session", s.handleCreateSession)
	r.Post("/v1/relay/session/{id}/end", s.handleEndSession)
	r.Get("/v1/relay/session/{id}/status", s.handleSessionStatus)
	r.Get("/v1/relay/session/{id}/usage", s.handleSessionUsage)
	r.Get("/v1/relay/session/ws", s.handleSessionWS)
	r.Get("/v1/relay/events", s.handleEventStream)
	r.Get("/v1/relay/latency", s.handleLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	sess := s.sessions.Create()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.broker.Publish(pubsub.Event{
		Topic:     pubsub.TopicSessionLifecycle,
		SessionID: sess.ID,
		Kind:      "created",
	})

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		Status:          sess.Status,
		CreatedAt:       sess.CreatedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, session.StatusResponse{
		SessionID:      sess.ID,
		Status:         sess.Status,
		TurnState:      sess.TurnState,
		ChannelStatus:  s.channelStatus(sess.ID),
		Reconnects:     sess.Reconnects,
		InputTokens:    sess.InputTokens,
		OutputTokens:   sess.OutputTokens,
		LastHeartbeat:  sess.LastHeartbeat,
		LastActivityAt: sess.LastActivityAt,
	})
}

func (s *Server) handleSessionUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	totals, err := s.usage.SessionTotals(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "usage_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, totals)
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_not_active", "session is "+string(sess.Status))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.setAttached(sessionID, true)
	defer s.setAttached(sessionID, false)
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.relay.RunSession(ctx, sess, inbound, outbound); err != nil {
			s.log.Warn().Str("session_id", sessionID).Err(err).Msg("relay session ended with error")
		}
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		parsed, err := protocol.ParseMessage(data)
		if err != nil {
			errMsg := protocol.ErrorMessage{
				Type: protocol.TypeError,
				Error: protocol.ErrorDetail{
					Type:    "invalid_client_message",
					Message: err.Error(),
				},
			}
			select {
			case outbound <- errMsg:
			default:
				// Writes stay single-threaded; a saturated queue drops.
				s.metrics.RelayDrops.WithLabelValues("outbound_full").Inc()
			}
			continue
		}

		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		// Any parseable traffic counts as activity for the janitor.
		_ = s.sessions.Touch(sessionID)
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// handleEventStream pushes broker events over a websocket, one JSON object
// per frame. Used by dashboards; losing events here never stalls a relay.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	var topics []pubsub.Topic
	for _, raw := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if t := strings.TrimSpace(raw); t != "" {
			topics = append(topics, pubsub.Topic(t))
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.broker.Subscribe(64, topics...)
	defer cancel()

	// Reader only notices closure; inbound frames are not part of this
	// surface.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

func (s *Server) setAttached(sessionID string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v {
		s.attached[sessionID] = true
	} else {
		delete(s.attached, sessionID)
	}
}

func (s *Server) channelStatus(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached[sessionID] {
		return "open"
	}
	return "closed"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
