package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darkerchat/backend/internal/chat"
	"github.com/darkerchat/backend/internal/config"
	"github.com/darkerchat/backend/internal/protocol"
	"github.com/darkerchat/backend/internal/session"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	engine := chat.NewEngine(session.NewRegistry(), cfg.Chat)
	srv := NewServer(cfg, engine, nil, "", false, nil)
	mux := http.NewServeMux()
	srv.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, typ protocol.EventType, payload any) {
	t.Helper()
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		t.Fatalf("encoding %s: %v", typ, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("writing %s: %v", typ, err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading event: %v", err)
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	return ev
}

func TestPairingAndRelayOverWebsocket(t *testing.T) {
	_, ts := newTestServer(t, nil)

	alice := dial(t, ts)
	bob := dial(t, ts)

	sendEvent(t, alice, protocol.TypeIdentify, protocol.IdentifyPayload{UserID: "alice"})
	sendEvent(t, bob, protocol.TypeIdentify, protocol.IdentifyPayload{UserID: "bob"})
	sendEvent(t, alice, protocol.TypeSearch, protocol.SearchPayload{UserID: "alice", Interests: []string{"music", "film"}})
	sendEvent(t, bob, protocol.TypeSearch, protocol.SearchPayload{UserID: "bob", Interests: []string{"chess", "music"}})

	for name, conn := range map[string]*websocket.Conn{"alice": alice, "bob": bob} {
		ev := readEvent(t, conn)
		if ev.Type != protocol.TypeMatched {
			t.Fatalf("%s first event = %s, want matched", name, ev.Type)
		}
		var p protocol.MatchedPayload
		if err := ev.DecodePayload(&p); err != nil {
			t.Fatalf("%s matched payload: %v", name, err)
		}
		if len(p.SharedInterests) != 1 || p.SharedInterests[0] != "music" {
			t.Errorf("%s sharedInterests = %v, want [music]", name, p.SharedInterests)
		}
	}

	// Key exchange, then a message, both relayed blind.
	sendEvent(t, alice, protocol.TypeKeyExchange, protocol.RelayPayload{Data: []byte("alice-pubkey")})
	ev := readEvent(t, bob)
	if ev.Type != protocol.TypeKeyExchangeReceived {
		t.Fatalf("bob got %s, want key_exchange_received", ev.Type)
	}

	sendEvent(t, alice, protocol.TypeMessage, protocol.RelayPayload{Data: []byte("ciphertext")})
	ev = readEvent(t, bob)
	if ev.Type != protocol.TypeMessageReceived {
		t.Fatalf("bob got %s, want message_received", ev.Type)
	}
	var relay protocol.RelayPayload
	if err := ev.DecodePayload(&relay); err != nil {
		t.Fatalf("relay payload: %v", err)
	}
	if string(relay.Data) != "ciphertext" {
		t.Errorf("relayed data = %q, want ciphertext", relay.Data)
	}

	// Alice drops; bob learns the pairing is over.
	alice.Close()
	ev = readEvent(t, bob)
	if ev.Type != protocol.TypePartnerDisconnected {
		t.Errorf("bob got %s, want partner_disconnected", ev.Type)
	}
}

func TestEventsBeforeIdentifyRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts)

	sendEvent(t, conn, protocol.TypeSearch, protocol.SearchPayload{UserID: "nobody"})
	ev := readEvent(t, conn)
	if ev.Type != protocol.TypeError {
		t.Fatalf("got %s, want error", ev.Type)
	}
	var p protocol.ErrorPayload
	if err := ev.DecodePayload(&p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != "not_identified" {
		t.Errorf("code = %q, want not_identified", p.Code)
	}
}

func TestIdentityMismatchRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts)

	sendEvent(t, conn, protocol.TypeIdentify, protocol.IdentifyPayload{UserID: "alice"})
	sendEvent(t, conn, protocol.TypeMessage, protocol.RelayPayload{UserID: "mallory", Data: []byte("x")})

	ev := readEvent(t, conn)
	if ev.Type != protocol.TypeError {
		t.Fatalf("got %s, want error", ev.Type)
	}
	var p protocol.ErrorPayload
	if err := ev.DecodePayload(&p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != "identity_mismatch" {
		t.Errorf("code = %q, want identity_mismatch", p.Code)
	}
}

func TestSessionsEndpointReportsCounts(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts)
	sendEvent(t, conn, protocol.TypeIdentify, protocol.IdentifyPayload{UserID: "alice"})

	// The identify is handled asynchronously from this goroutine's view;
	// poll briefly until the registry reflects it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/api/sessions")
		if err != nil {
			t.Fatalf("GET /api/sessions: %v", err)
		}
		var counts map[string]int
		if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
			t.Fatalf("decoding counts: %v", err)
		}
		resp.Body.Close()
		if counts["connected"] == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("counts never reached 1 connected: %v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAuthorize(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AuthToken = "sekret"
	})

	tests := []struct {
		name  string
		setup func(*http.Request)
		want  bool
	}{
		{"NoCredentials", func(r *http.Request) {}, false},
		{"QueryToken", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("token", "sekret")
			r.URL.RawQuery = q.Encode()
		}, true},
		{"BearerToken", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer sekret")
		}, true},
		{"WrongToken", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer nope")
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			tt.setup(req)
			if got := srv.authorize(req); got != tt.want {
				t.Errorf("authorize = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthorizeDisabledWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !srv.authorize(req) {
		t.Error("authorize rejected request with auth disabled")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"NoOriginHeader", nil, "", "example.com", true},
		{"SameHost", nil, "https://example.com", "example.com", true},
		{"Localhost", nil, "http://localhost:3000", "example.com", true},
		{"Loopback", nil, "http://127.0.0.1:3000", "example.com", true},
		{"CrossOrigin", nil, "https://evil.example", "example.com", false},
		{"AllowlistedExact", []string{"https://chat.example.com"}, "https://chat.example.com", "example.com", true},
		{"AllowlistRejectsOthers", []string{"https://chat.example.com"}, "http://localhost:3000", "example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, func(cfg *config.Config) {
				cfg.Server.AllowedOrigins = tt.allowed
			})
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := srv.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}
