// Package messages defines the records exchanged between pipeline stages and agents
package messages

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBadSignature is returned when a message fails HMAC verification
var ErrBadSignature = errors.New("message signature mismatch")

// Envelope contains metadata common to all bus messages for tracing and security
type Envelope struct {
	// Identity
	MessageID     string `json:"message_id"`
	CorrelationID string `json:"correlation_id"` // One hotspot assessment across stages
	CausationID   string `json:"causation_id"`   // Parent message that caused this

	// Routing
	Source     string `json:"source"`      // Agent ID that sent this message
	SourceType string `json:"source_type"` // satellite, fusion, responder, gateway

	Timestamp time.Time `json:"timestamp"`

	// Security
	Signature     string `json:"signature"`
	PolicyVersion string `json:"policy_version,omitempty"`

	// Tracing (OpenTelemetry)
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// NewEnvelope creates a new envelope with a generated message ID
func NewEnvelope(source, sourceType string) Envelope {
	return Envelope{
		MessageID:  uuid.New().String(),
		Source:     source,
		SourceType: sourceType,
		Timestamp:  time.Now().UTC(),
	}
}

// WithCorrelation sets the correlation and causation IDs
func (e Envelope) WithCorrelation(correlationID, causationID string) Envelope {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// WithTracing sets OpenTelemetry trace context
func (e Envelope) WithTracing(traceID, spanID string) Envelope {
	e.TraceID = traceID
	e.SpanID = spanID
	return e
}

// Correlation returns the correlation ID, falling back to the message ID for
// the first message of a chain.
func (e Envelope) Correlation() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.MessageID
}

// Sign generates an HMAC signature for the payload
func (e *Envelope) Sign(payload []byte, secret []byte) {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	e.Signature = hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks the HMAC signature
func (e *Envelope) VerifySignature(payload []byte, secret []byte) bool {
	expected := hmac.New(sha256.New, secret)
	expected.Write(payload)
	expectedSig := hex.EncodeToString(expected.Sum(nil))
	return hmac.Equal([]byte(e.Signature), []byte(expectedSig))
}

// Message is implemented by every record published on the bus
type Message interface {
	GetEnvelope() Envelope
	SetEnvelope(Envelope)
	Subject() string
}

// MarshalWithSignature marshals the message with an empty signature, signs
// those bytes and marshals again with the signature in place.
func MarshalWithSignature(msg Message, secret []byte) ([]byte, error) {
	env := msg.GetEnvelope()
	env.Signature = ""
	msg.SetEnvelope(env)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	env.Sign(data, secret)
	msg.SetEnvelope(env)

	return json.Marshal(msg)
}

// UnmarshalVerified decodes data into msg and checks its signature against
// the re-marshalled unsigned form. An empty secret skips verification.
func UnmarshalVerified(data []byte, msg Message, secret []byte) error {
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", msg, err)
	}
	if len(secret) == 0 {
		return nil
	}

	env := msg.GetEnvelope()
	signed := env
	env.Signature = ""
	msg.SetEnvelope(env)
	payload, err := json.Marshal(msg)
	msg.SetEnvelope(signed)
	if err != nil {
		return fmt.Errorf("failed to re-marshal %T: %w", msg, err)
	}

	if !signed.VerifySignature(payload, secret) {
		return ErrBadSignature
	}
	return nil
}

// PolicyDecision captures a dispatch policy evaluation result
type PolicyDecision struct {
	Allowed    bool              `json:"allowed"`
	Reasons    []string          `json:"reasons,omitempty"`
	Violations []string          `json:"violations,omitempty"`
	Warnings   []string          `json:"warnings,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Position is a geographic point in decimal degrees
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Wind is the surface wind used for spread projection
type Wind struct {
	SpeedKmh   float64 `json:"speed_kmh" yaml:"speed_kmh"`
	BearingDeg float64 `json:"bearing_deg" yaml:"bearing_deg"` // Direction the fire is pushed toward, 0 = north
}
