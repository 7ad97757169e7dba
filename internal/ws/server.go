package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darkerchat/backend/internal/chat"
	"github.com/darkerchat/backend/internal/config"
	"github.com/darkerchat/backend/internal/health"
	"github.com/darkerchat/backend/internal/protocol"
)

type Server struct {
	config          *config.Config
	engine          *chat.Engine
	checker         *health.Checker
	frontendDir     string
	dev             bool
	embeddedHandler http.Handler
	allowedOrigins  map[string]bool
	allowedHosts    map[string]bool
	authToken       string
}

func NewServer(cfg *config.Config, engine *chat.Engine, checker *health.Checker, frontendDir string, dev bool, embeddedHandler http.Handler) *Server {
	s := &Server{
		config:          cfg,
		engine:          engine,
		checker:         checker,
		frontendDir:     frontendDir,
		dev:             dev,
		embeddedHandler: embeddedHandler,
		allowedOrigins:  make(map[string]bool),
		allowedHosts:    make(map[string]bool),
		authToken:       cfg.Server.AuthToken,
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	if s.dev {
		log.Printf("Serving frontend from filesystem: %s", s.frontendDir)
		mux.Handle("/", securityHeaders(http.FileServer(http.Dir(s.frontendDir))))
	} else if s.embeddedHandler != nil {
		log.Println("Serving embedded frontend")
		mux.Handle("/", securityHeaders(s.embeddedHandler))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	log.Printf("client connected: %s", r.RemoteAddr)
	c := newClient(conn, s.config.Chat.SendBuffer, s.config.Chat.WriteTimeout)
	go s.readLoop(c, r.RemoteAddr)
}

func (s *Server) readLoop(c *client, remote string) {
	defer func() {
		if c.userID != "" {
			s.engine.Disconnect(c.userID, c)
		}
		c.close()
		c.conn.Close()
		log.Printf("client disconnected: %s", remote)
	}()

	c.conn.SetReadLimit(s.config.Chat.MaxPayloadBytes)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.dispatch(c, data)
	}
}

// dispatch routes one inbound event to the engine. The identity bound by
// the first identify event is authoritative: later events claiming another
// user id are rejected rather than forwarded.
func (s *Server) dispatch(c *client, data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		log.Printf("undecodable event from %s: %v", c.id, err)
		s.sendError(c, "bad_event", "event could not be decoded")
		return
	}

	switch ev.Type {
	case protocol.TypeIdentify:
		var p protocol.IdentifyPayload
		if err := ev.DecodePayload(&p); err != nil || p.UserID == "" {
			s.sendError(c, "bad_identify", "identify requires a userId")
			return
		}
		if c.userID != "" && c.userID != p.UserID {
			// Rebinding a live connection: the old identity leaves
			// first, exactly as if its transport had closed.
			s.engine.Disconnect(c.userID, c)
		}
		c.userID = p.UserID
		s.engine.Identify(p.UserID, c)

	case protocol.TypeSearch:
		var p protocol.SearchPayload
		if err := ev.DecodePayload(&p); err != nil {
			s.sendError(c, "bad_search", "search payload could not be decoded")
			return
		}
		if !s.bound(c, p.UserID) {
			return
		}
		s.engine.Search(c.userID, c, p.Interests)

	case protocol.TypeMessage:
		var p protocol.RelayPayload
		if err := ev.DecodePayload(&p); err != nil {
			s.sendError(c, "bad_message", "message payload could not be decoded")
			return
		}
		if !s.bound(c, p.UserID) {
			return
		}
		s.engine.Message(c.userID, c, p.Data)

	case protocol.TypeKeyExchange:
		var p protocol.RelayPayload
		if err := ev.DecodePayload(&p); err != nil {
			s.sendError(c, "bad_key_exchange", "key exchange payload could not be decoded")
			return
		}
		if !s.bound(c, p.UserID) {
			return
		}
		s.engine.KeyExchange(c.userID, c, p.Data)

	default:
		log.Printf("unknown event type %q from %s", ev.Type, c.id)
	}
}

// bound checks that the connection has identified and that the claimed user
// id, when present, matches the bound one.
func (s *Server) bound(c *client, claimed string) bool {
	if c.userID == "" {
		s.sendError(c, "not_identified", "identify before sending events")
		return false
	}
	if claimed != "" && claimed != c.userID {
		log.Printf("connection %s bound to %s claimed user %s", c.id, c.userID, claimed)
		s.sendError(c, "identity_mismatch", "event userId does not match this connection")
		return false
	}
	return true
}

func (s *Server) sendError(c *client, code, message string) {
	data, err := protocol.Encode(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.Send(data)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Participants are anonymous; only aggregate counts leave the server.
	connected, searching, paired := s.engine.Counts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"connected": connected,
		"searching": searching,
		"paired":    paired,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil {
		http.Error(w, "health not available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.checker.Snapshot())
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	log.Printf("Server listening on %s", addr)
	return http.ListenAndServe(addr, mux)
}
