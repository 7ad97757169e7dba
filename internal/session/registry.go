package session

import (
	"errors"
	"sync"
	"time"

	"github.com/darkerchat/backend/internal/match"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotPaired      = errors.New("session not paired")
	ErrStalePartner   = errors.New("stale partner reference")
)

// Teardown identifies a partner whose pairing was just broken and who needs
// a partner-disconnected notification. The registry never writes to
// connections itself; it returns the conn for the caller to notify.
type Teardown struct {
	PartnerID string
	Conn      Conn
}

// SearchResult is the outcome of one atomic search attempt.
type SearchResult struct {
	Matched     bool
	PartnerID   string
	PartnerConn Conn
	Shared      []string

	// Seq identifies this search generation when Matched is false; the
	// caller hands it back to ExpireSearch when the timeout fires.
	Seq uint64

	// Ended is non-nil when entering the search broke an existing
	// pairing (the searcher was Paired and walked away from it).
	Ended *Teardown
}

// Registry is the sole owner of all connected-participant state. Every
// mutation runs under one mutex, so candidate selection and the two-sided
// pairing flip are a single indivisible step and no caller can observe a
// half-paired session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // insertion order, defines candidate scan order
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Upsert creates the session for id, replacing any existing one. A replaced
// session that was paired has its pairing torn down exactly as a disconnect
// would: the returned Teardown names the old partner to notify.
func (r *Registry) Upsert(id string, conn Conn) *Teardown {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ended *Teardown
	if old, ok := r.sessions[id]; ok {
		ended = r.breakPairingLocked(old)
		old.seq++ // stale search timers for the replaced session become no-ops
		r.removeFromOrderLocked(id)
	}

	r.sessions[id] = &Session{ID: id, Conn: conn, State: Idle}
	r.order = append(r.order, id)
	return ended
}

// Get returns a detached copy of the session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(), true
}

// Counts reports how many sessions are connected, currently searching, and
// currently paired.
func (r *Registry) Counts() (connected, searching, paired int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		switch s.State {
		case Searching:
			searching++
		case Paired:
			paired++
		}
	}
	return len(r.sessions), searching, paired
}

// BeginSearch moves the session into Searching and immediately scans for
// the first eligible candidate in insertion order. If one is found, both
// sessions flip to Paired with reciprocal partner ids before the lock is
// released; no concurrent search can claim either of them in between.
func (r *Registry) BeginSearch(id string, interests []string, deadline time.Time) (SearchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return SearchResult{}, ErrUnknownSession
	}

	ended := r.breakPairingLocked(s)

	s.Interests = cloneStrings(interests)
	s.State = Searching
	s.PartnerID = ""
	s.SearchDeadline = deadline
	s.seq++

	for _, oid := range r.order {
		if oid == id {
			continue
		}
		cand := r.sessions[oid]
		if cand.State != Searching {
			continue
		}
		shared, ok := match.Eligible(s.Interests, cand.Interests)
		if !ok {
			continue
		}

		s.State = Paired
		s.PartnerID = cand.ID
		s.SearchDeadline = time.Time{}
		s.seq++
		cand.State = Paired
		cand.PartnerID = s.ID
		cand.SearchDeadline = time.Time{}
		cand.seq++

		return SearchResult{
			Matched:     true,
			PartnerID:   cand.ID,
			PartnerConn: cand.Conn,
			Shared:      shared,
			Ended:       ended,
		}, nil
	}

	return SearchResult{Seq: s.seq, Ended: ended}, nil
}

// ExpireSearch transitions the session back to Idle if, and only if, it is
// still in the search generation the timeout was armed for. Reports whether
// the transition happened; a false return means the timer lost the race to
// a pairing, a newer search, or a disconnect.
func (r *Registry) ExpireSearch(id string, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.State != Searching || s.seq != seq {
		return false
	}
	s.State = Idle
	s.SearchDeadline = time.Time{}
	s.seq++
	return true
}

// Partner resolves the sender's current partner for a relay. It validates
// the pairing both ways: the partner must exist and must still point back
// at the sender.
func (r *Registry) Partner(senderID string) (partnerID string, conn Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partnerLocked(senderID)
}

// RelayMessage resolves the partner like Partner and, in the same critical
// section, appends the payload to the sender's local message log.
func (r *Registry) RelayMessage(senderID string, payload []byte) (partnerID string, conn Conn, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	partnerID, conn, err = r.partnerLocked(senderID)
	if err != nil {
		return "", nil, err
	}

	s := r.sessions[senderID]
	logged := make([]byte, len(payload))
	copy(logged, payload)
	s.Messages = append(s.Messages, logged)
	return partnerID, conn, nil
}

func (r *Registry) partnerLocked(senderID string) (string, Conn, error) {
	s, ok := r.sessions[senderID]
	if !ok {
		return "", nil, ErrUnknownSession
	}
	if s.State != Paired || s.PartnerID == "" {
		return "", nil, ErrNotPaired
	}
	p, ok := r.sessions[s.PartnerID]
	if !ok || p.PartnerID != senderID {
		return s.PartnerID, nil, ErrStalePartner
	}
	return p.ID, p.Conn, nil
}

// ClearStalePairing resets a session whose partner reference no longer
// resolves to a reciprocal pairing. This should be unreachable given the
// registry's invariants; it exists so a detected inconsistency heals
// instead of spreading. Reports whether anything was cleared.
func (r *Registry) ClearStalePairing(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.State != Paired {
		return false
	}
	p, ok := r.sessions[s.PartnerID]
	if ok && p.PartnerID == id {
		return false // pairing is healthy
	}
	s.State = Idle
	s.PartnerID = ""
	s.seq++
	return true
}

// Remove deletes the session and tears down its pairing. When conn is
// non-nil the removal only happens if the stored connection is the same
// one: the close of a connection that was already replaced by a reconnect
// must not take down the successor session. Returns the removed session
// and the partner to notify, if any.
func (r *Registry) Remove(id string, conn Conn) (Session, *Teardown, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, nil, false
	}
	if conn != nil && s.Conn != conn {
		return Session{}, nil, false
	}

	ended := r.breakPairingLocked(s)
	s.seq++
	delete(r.sessions, id)
	r.removeFromOrderLocked(id)
	return s.snapshot(), ended, true
}

// breakPairingLocked resets the partner of a paired session back to Idle
// and reports who needs notifying. No-op for unpaired sessions or when the
// partner is already gone (simultaneous disconnect).
func (r *Registry) breakPairingLocked(s *Session) *Teardown {
	if s.State != Paired || s.PartnerID == "" {
		return nil
	}
	p, ok := r.sessions[s.PartnerID]
	s.State = Idle
	s.PartnerID = ""
	if !ok || p.PartnerID != s.ID {
		return nil
	}
	p.State = Idle
	p.PartnerID = ""
	p.seq++
	return &Teardown{PartnerID: p.ID, Conn: p.Conn}
}

func (r *Registry) removeFromOrderLocked(id string) {
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
