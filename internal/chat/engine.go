// Package chat is the pairing engine and encrypted relay: it matches
// searching participants by shared interests, coordinates the key-exchange
// handoff, forwards opaque ciphertext between partners, and propagates
// disconnects. All shared state lives in the session registry; the engine
// only sequences registry operations and outbound notifications.
package chat

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/darkerchat/backend/internal/config"
	"github.com/darkerchat/backend/internal/metrics"
	"github.com/darkerchat/backend/internal/protocol"
	"github.com/darkerchat/backend/internal/session"
)

type Engine struct {
	reg           *session.Registry
	clock         clock.Clock
	searchTimeout time.Duration
	maxInterests  int

	// timerMu guards the per-session search timers. Correctness does not
	// depend on these: a stale timer that slips past Stop is neutralized
	// by the registry's search generation check. The map only keeps
	// timer goroutines from outliving their sessions.
	timerMu sync.Mutex
	timers  map[string]*clock.Timer
}

func NewEngine(reg *session.Registry, cfg config.ChatConfig) *Engine {
	return newEngine(reg, cfg, clock.New())
}

func newEngine(reg *session.Registry, cfg config.ChatConfig, clk clock.Clock) *Engine {
	return &Engine{
		reg:           reg,
		clock:         clk,
		searchTimeout: cfg.SearchTimeout,
		maxInterests:  cfg.MaxInterests,
		timers:        make(map[string]*clock.Timer),
	}
}

// Identify registers or replaces the session for userID. Replacing a paired
// session notifies the abandoned partner the same way a disconnect would.
func (e *Engine) Identify(userID string, conn session.Conn) {
	ended := e.reg.Upsert(userID, conn)
	e.stopTimer(userID)
	e.notifyEnded(ended)
	e.syncGauges()
	log.Printf("session %s connected", userID)
}

// Search begins matchmaking for userID. Either the searcher pairs with the
// first eligible candidate immediately, or it stays in Searching with a
// timeout armed.
func (e *Engine) Search(userID string, conn session.Conn, interests []string) {
	if e.maxInterests > 0 && len(interests) > e.maxInterests {
		log.Printf("session %s sent %d interests, keeping first %d", userID, len(interests), e.maxInterests)
		interests = interests[:e.maxInterests]
	}

	metrics.SearchesTotal.Inc()
	deadline := e.clock.Now().Add(e.searchTimeout)
	res, err := e.reg.BeginSearch(userID, interests, deadline)
	if err != nil {
		metrics.DroppedTotal.WithLabelValues("unknown_session").Inc()
		log.Printf("search from unknown session %s", userID)
		return
	}

	e.stopTimer(userID)
	e.notifyEnded(res.Ended)

	if res.Matched {
		e.stopTimer(res.PartnerID)
		metrics.PairingsTotal.Inc()

		shared := res.Shared
		if shared == nil {
			shared = []string{} // clients expect a list, not null
		}
		payload := protocol.MatchedPayload{SharedInterests: shared}
		e.send(userID, conn, protocol.TypeMatched, payload)
		e.send(res.PartnerID, res.PartnerConn, protocol.TypeMatched, payload)
		log.Printf("paired %s with %s, shared interests %v", userID, res.PartnerID, shared)
	} else {
		e.armSearchTimeout(userID, conn, res.Seq)
		log.Printf("session %s searching with interests %v", userID, interests)
	}

	e.syncGauges()
}

func (e *Engine) armSearchTimeout(userID string, conn session.Conn, seq uint64) {
	t := e.clock.AfterFunc(e.searchTimeout, func() {
		if !e.reg.ExpireSearch(userID, seq) {
			return // paired, superseded, or removed in the meantime
		}
		metrics.SearchTimeoutsTotal.Inc()
		e.send(userID, conn, protocol.TypeNotFound, nil)
		log.Printf("session %s found no stranger in %s", userID, e.searchTimeout)
	})
	e.setTimer(userID, t)
}

// Message forwards opaque ciphertext to the sender's current partner and
// appends it to the sender's local log.
func (e *Engine) Message(userID string, conn session.Conn, payload []byte) {
	partnerID, partnerConn, err := e.reg.RelayMessage(userID, payload)
	if err != nil {
		e.handleRelayError("message", userID, conn, err)
		return
	}

	metrics.RelayedTotal.WithLabelValues("message").Inc()
	e.send(partnerID, partnerConn, protocol.TypeMessageReceived, protocol.RelayPayload{Data: payload})
}

// KeyExchange forwards opaque key material to the sender's current partner.
// The payload is never inspected. Unlike Message, a failure here is fully
// silent to the sender: the client retries key exchange on its own.
func (e *Engine) KeyExchange(userID string, conn session.Conn, payload []byte) {
	partnerID, partnerConn, err := e.reg.Partner(userID)
	if err != nil {
		e.dropRelay("key_exchange", userID, err)
		if err == session.ErrStalePartner {
			e.cleanupStalePairing(userID, conn)
		}
		return
	}

	metrics.RelayedTotal.WithLabelValues("key").Inc()
	e.send(partnerID, partnerConn, protocol.TypeKeyExchangeReceived, protocol.RelayPayload{Data: payload})
}

// Disconnect removes the session and notifies its partner, if one survives.
// When conn is non-nil, removal only applies if that connection still owns
// the session; the late close of a replaced connection is a no-op.
func (e *Engine) Disconnect(userID string, conn session.Conn) {
	removed, ended, ok := e.reg.Remove(userID, conn)
	if !ok {
		return
	}
	e.stopTimer(userID)
	e.notifyEnded(ended)
	e.syncGauges()
	log.Printf("session %s disconnected", removed.ID)
}

func (e *Engine) handleRelayError(kind, userID string, conn session.Conn, err error) {
	e.dropRelay(kind, userID, err)
	switch err {
	case session.ErrNotPaired:
		e.send(userID, conn, protocol.TypeNotPaired, nil)
	case session.ErrStalePartner:
		e.cleanupStalePairing(userID, conn)
	}
}

func (e *Engine) dropRelay(kind, userID string, err error) {
	reason := "unknown_session"
	switch err {
	case session.ErrNotPaired:
		reason = "not_paired"
	case session.ErrStalePartner:
		reason = "stale_partner"
	}
	metrics.DroppedTotal.WithLabelValues(reason).Inc()
	log.Printf("dropping %s from %s: %v", kind, userID, err)
}

// cleanupStalePairing heals a sender whose partner reference went bad and
// tells the sender the pairing is over.
func (e *Engine) cleanupStalePairing(userID string, conn session.Conn) {
	if e.reg.ClearStalePairing(userID) {
		e.send(userID, conn, protocol.TypePartnerDisconnected, nil)
		e.syncGauges()
	}
}

// notifyEnded tells the surviving partner of a broken pairing that it is
// back to Idle.
func (e *Engine) notifyEnded(td *session.Teardown) {
	if td == nil {
		return
	}
	e.send(td.PartnerID, td.Conn, protocol.TypePartnerDisconnected, nil)
}

// send marshals an event and writes it to conn. A connection that cannot
// accept the write is treated as disconnected and cleaned up in full.
func (e *Engine) send(id string, conn session.Conn, t protocol.EventType, payload any) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		log.Printf("encoding %s for %s: %v", t, id, err)
		return
	}
	if !conn.Send(data) {
		metrics.DroppedTotal.WithLabelValues("slow_client").Inc()
		log.Printf("session %s not writable, treating as disconnected", id)
		e.Disconnect(id, conn)
	}
}

func (e *Engine) setTimer(id string, t *clock.Timer) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if old, ok := e.timers[id]; ok {
		old.Stop()
	}
	e.timers[id] = t
}

func (e *Engine) stopTimer(id string) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) syncGauges() {
	connected, _, paired := e.reg.Counts()
	metrics.ConnectedSessions.Set(float64(connected))
	metrics.ActivePairs.Set(float64(paired / 2))
}

// Counts exposes registry totals for the HTTP status surface.
func (e *Engine) Counts() (connected, searching, paired int) {
	return e.reg.Counts()
}
