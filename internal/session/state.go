package session

import (
	"encoding/json"
	"time"
)

// State tracks where a session is in the pairing lifecycle.
type State int

const (
	Idle State = iota
	Searching
	Paired
)

var stateNames = map[State]string{
	Idle:      "idle",
	Searching: "searching",
	Paired:    "paired",
}

var stateFromName = map[string]State{
	"idle":      Idle,
	"searching": Searching,
	"paired":    Paired,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}

// Conn is the write side of one participant's transport connection. Send
// reports false when the connection can no longer accept writes, which the
// caller must treat as the target having disconnected.
type Conn interface {
	Send(data []byte) bool
}

// Session is the registry's record of one connected participant. The
// registry hands out copies; the canonical struct is only ever touched
// under the registry lock.
type Session struct {
	ID             string    `json:"id"`
	Conn           Conn      `json:"-"`
	State          State     `json:"state"`
	Interests      []string  `json:"interests,omitempty"`
	PartnerID      string    `json:"partnerId,omitempty"`
	SearchDeadline time.Time `json:"searchDeadline,omitzero"`

	// Messages is the sender-side log of forwarded payloads, local
	// bookkeeping only and never shared with the partner.
	Messages [][]byte `json:"-"`

	// seq is bumped on every transition into or out of Searching. A
	// timeout armed for an older search compares its captured seq and
	// becomes a no-op.
	seq uint64
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

// snapshot returns a detached copy safe to hand outside the lock.
func (s *Session) snapshot() Session {
	cp := *s
	cp.Interests = cloneStrings(s.Interests)
	if s.Messages != nil {
		cp.Messages = make([][]byte, len(s.Messages))
		copy(cp.Messages, s.Messages)
	}
	return cp
}
