// Package protocol defines the relay wire protocol: versioned JSON envelopes
// exchanged between agent wrappers and the daemon over a local socket.
//
// Every message is an Envelope whose Type field determines the shape of its
// Payload. A connection opens with HELLO/WELCOME; after that, SEND envelopes
// flow toward the daemon and DELIVER envelopes flow toward wrappers, with
// ACK/NACK closing the loop for blocking sends.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the current protocol version carried in every envelope.
const Version = 1

// Broadcast is the reserved address that fans a SEND out to every
// connected recipient.
const Broadcast = "*"

// DaemonAddress is the reserved address for admin queries answered by the
// daemon itself. A blocking SEND to it resolves with an ACK whose
// ResponseData carries the query result; it is never delivered to an agent.
const DaemonAddress = "@daemon"

// EnvelopeType identifies the payload shape of an envelope.
type EnvelopeType string

const (
	TypeHello   EnvelopeType = "HELLO"
	TypeWelcome EnvelopeType = "WELCOME"
	TypeSend    EnvelopeType = "SEND"
	TypeDeliver EnvelopeType = "DELIVER"
	TypeAck     EnvelopeType = "ACK"
	TypeNack    EnvelopeType = "NACK"
	TypeBusy    EnvelopeType = "BUSY"
	TypePing    EnvelopeType = "PING"
	TypePong    EnvelopeType = "PONG"
	TypeError   EnvelopeType = "ERROR"
	TypeBye     EnvelopeType = "BYE"
)

// Envelope is one protocol message. Envelopes are created per exchange and
// never mutated after construction.
type Envelope struct {
	Version   int             `json:"version"`
	Type      EnvelopeType    `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope of the given type with the payload
// marshaled in place.
func NewEnvelope(t EnvelopeType, payload any) (*Envelope, error) {
	env := &Envelope{
		Version:   Version,
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst, which must be a
// pointer to the payload type matching the envelope's Type.
func (e *Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// IsBroadcast reports whether the envelope is addressed to every recipient.
func (e *Envelope) IsBroadcast() bool { return e.To == Broadcast }

// Capabilities declares what a connecting agent supports.
type Capabilities struct {
	Ack         bool `json:"ack"`
	Resume      bool `json:"resume"`
	MaxInFlight int  `json:"max_in_flight,omitempty"`
	Topics      bool `json:"topics,omitempty"`
}

// HelloPayload opens a connection. Any other envelope type received before
// HELLO is a fatal protocol error.
type HelloPayload struct {
	Agent        string       `json:"agent"`
	Capabilities Capabilities `json:"capabilities"`
	ResumeToken  string       `json:"resume_token,omitempty"`
}

// Limits are the server-side constraints advertised in WELCOME.
type Limits struct {
	MaxFrameBytes     int `json:"max_frame_bytes"`
	HeartbeatInterval int `json:"heartbeat_interval_ms"`
}

// WelcomePayload answers HELLO and completes the handshake.
type WelcomePayload struct {
	SessionID   string `json:"session_id"`
	ResumeToken string `json:"resume_token,omitempty"`
	Limits      Limits `json:"limits"`
}

// SyncMeta marks a SEND as blocking: the caller suspends until a correlated
// ACK or NACK arrives, or the timeout elapses.
type SyncMeta struct {
	Blocking  bool  `json:"blocking"`
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// SendPayload carries an outbound message from a wrapper to the daemon.
type SendPayload struct {
	Body          string            `json:"body"`
	Thread        string            `json:"thread,omitempty"`
	Importance    *int              `json:"importance,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Sync          *SyncMeta         `json:"sync,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// DeliveryInfo is the per-delivery bookkeeping attached to DELIVER.
// Seq increases monotonically per session. OriginalTo preserves the literal
// addressing of the SEND so recipients can tell a direct message from a
// broadcast or channel echo.
type DeliveryInfo struct {
	Seq        uint64 `json:"seq"`
	OriginalTo string `json:"original_to,omitempty"`
}

// DeliverPayload carries a message from the daemon into a wrapper's
// injection queue.
type DeliverPayload struct {
	MessageID     string            `json:"message_id"`
	Body          string            `json:"body"`
	Thread        string            `json:"thread,omitempty"`
	Importance    *int              `json:"importance,omitempty"`
	Data          map[string]string `json:"data,omitempty"`
	Delivery      DeliveryInfo      `json:"delivery"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// AckPayload acknowledges delivery. CumulativeSeq acknowledges everything up
// to and including that sequence number; Sack acknowledges specific sequence
// numbers. Response and ResponseData support request/response interactions
// layered over the fire-and-forget protocol.
type AckPayload struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	CumulativeSeq uint64            `json:"cumulative_seq,omitempty"`
	Sack          []uint64          `json:"sack,omitempty"`
	Response      string            `json:"response,omitempty"`
	ResponseData  map[string]string `json:"response_data,omitempty"`
}

// RejectCode classifies a NACK. BUSY is retryable after the advisory delay;
// the other codes are terminal.
type RejectCode string

const (
	RejectBusy      RejectCode = "BUSY"
	RejectInvalid   RejectCode = "INVALID"
	RejectForbidden RejectCode = "FORBIDDEN"
	RejectStale     RejectCode = "STALE"
)

// Retryable reports whether the caller may retry after a delay.
func (c RejectCode) Retryable() bool { return c == RejectBusy }

// NackPayload rejects a SEND.
type NackPayload struct {
	CorrelationID string     `json:"correlation_id,omitempty"`
	Code          RejectCode `json:"code"`
	Reason        string     `json:"reason,omitempty"`
	RetryAfterMs  int64      `json:"retry_after_ms,omitempty"`
}

// BusyPayload is advisory backpressure: the recipient cannot accept more
// traffic yet. It is not an error.
type BusyPayload struct {
	RetryAfterMs int64 `json:"retry_after_ms"`
	QueueDepth   int   `json:"queue_depth"`
}

// ErrorPayload reports a fatal protocol error before the connection closes.
type ErrorPayload struct {
	Message string `json:"message"`
}
