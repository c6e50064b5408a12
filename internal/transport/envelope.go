package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/httptim/rednetd/internal/rederr"
)

// Protocol tags carried on the wire. Higher layers pick the tag; the
// transport only routes on it.
const (
	ProtocolDNS      = "dns"
	ProtocolSearch   = "search"
	ProtocolHTTP     = "http-like"
	ProtocolBatch    = "batch"
	ProtocolPrefetch = "prefetch"
	ProtocolUrgent   = "urgent"
)

// Envelope is the unit every protocol exchanges. Payload stays opaque to
// the transport; Type, SenderID, and TS are validated on receive.
type Envelope struct {
	Type     string          `json:"type"`
	SenderID int             `json:"sender_id"`
	TS       int64           `json:"ts"` // unix milliseconds
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with the current timestamp, marshaling
// payload to JSON. A nil payload is allowed.
func NewEnvelope(msgType string, senderID int, payload any) (Envelope, error) {
	env := Envelope{Type: msgType, SenderID: senderID, TS: time.Now().UnixMilli()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload: %w", e.Type, rederr.ErrIntegrity)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w: %v", e.Type, rederr.ErrIntegrity, err)
	}
	return nil
}

// Time returns the envelope timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.TS)
}

// Validator checks envelope integrity: well-formed fields and a timestamp
// inside the accepted window. Stale and far-future envelopes are rejected
// so replayed or misdated messages never reach protocol handlers.
type Validator struct {
	MaxAge  time.Duration // oldest accepted envelope
	MaxSkew time.Duration // how far ahead of local clock is tolerated
}

// Validate reports whether env passes the integrity check at time now.
func (v Validator) Validate(env Envelope, now time.Time) error {
	if env.Type == "" {
		return fmt.Errorf("envelope without type: %w", rederr.ErrIntegrity)
	}
	if env.SenderID < 0 {
		return fmt.Errorf("envelope with negative sender: %w", rederr.ErrIntegrity)
	}
	ts := env.Time()
	if v.MaxAge > 0 && now.Sub(ts) > v.MaxAge {
		return fmt.Errorf("stale envelope %s (age %s): %w", env.Type, now.Sub(ts), rederr.ErrIntegrity)
	}
	if v.MaxSkew > 0 && ts.Sub(now) > v.MaxSkew {
		return fmt.Errorf("far-future envelope %s: %w", env.Type, rederr.ErrIntegrity)
	}
	return nil
}

// Message is a received envelope together with its protocol tag.
type Message struct {
	Protocol string
	Envelope Envelope
}
