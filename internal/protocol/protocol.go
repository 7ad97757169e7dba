package protocol

import (
	"encoding/json"
	"fmt"
)

type EventType string

// Client -> server events.
const (
	TypeIdentify    EventType = "identify"
	TypeSearch      EventType = "search"
	TypeMessage     EventType = "message"
	TypeKeyExchange EventType = "key_exchange"
)

// Server -> client events.
const (
	TypeMatched             EventType = "matched"
	TypeNotFound            EventType = "not_found"
	TypePartnerDisconnected EventType = "partner_disconnected"
	TypeMessageReceived     EventType = "message_received"
	TypeKeyExchangeReceived EventType = "key_exchange_received"
	TypeNotPaired           EventType = "not_paired"
	TypeError               EventType = "error"
)

// Event is the wire envelope for every message in either direction.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type IdentifyPayload struct {
	UserID string `json:"userId"`
}

type SearchPayload struct {
	UserID    string   `json:"userId"`
	Interests []string `json:"interests"`
}

// RelayPayload carries opaque client data (ciphertext or key material).
// Data is base64 on the wire and is never inspected by the server.
type RelayPayload struct {
	UserID string `json:"userId,omitempty"`
	Data   []byte `json:"data"`
}

type MatchedPayload struct {
	SharedInterests []string `json:"sharedInterests"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode parses an inbound envelope. The payload stays raw; callers decode
// it with DecodePayload once they have switched on the type.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("decoding event: missing type")
	}
	return ev, nil
}

func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %q has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %q payload: %w", e.Type, err)
	}
	return nil
}

// Encode builds an outbound envelope. A nil payload produces a bare event.
func Encode(t EventType, payload any) ([]byte, error) {
	ev := Event{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %q payload: %w", t, err)
		}
		ev.Payload = raw
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %q event: %w", t, err)
	}
	return data, nil
}
