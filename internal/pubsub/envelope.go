// Package pubsub carries room events between server instances over a shared
// bus. Each instance publishes the events its local participants produce and
// relays events published by other instances to its own participants.
package pubsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the bus wire format for one room event
type Envelope struct {
	RoomID          string          `json:"room_id"`
	OriginInstance  string          `json:"origin_instance_id"`
	SenderSessionID string          `json:"sender_session_id"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	ServerTime      time.Time       `json:"server_time"`
}

// Encode serializes the envelope for the bus
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return b, nil
}

// DecodeEnvelope parses a bus message and checks its required fields
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if e.RoomID == "" || e.OriginInstance == "" || e.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing room_id, origin_instance_id or type")
	}
	return e, nil
}
