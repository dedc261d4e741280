// Package events provides pub/sub distribution and JSONL persistence for
// relay activity: agent lifecycle, message flow, and health transitions.
package events

import (
	"time"
)

// EventType represents the type of event being logged.
type EventType string

const (
	// Agent lifecycle events
	EventAgentRegister   EventType = "agent_register"
	EventAgentDisconnect EventType = "agent_disconnect"
	EventAgentResume     EventType = "agent_resume"
	EventSpawnRequest    EventType = "spawn_request"
	EventReleaseRequest  EventType = "release_request"

	// Message flow events
	EventMessageSent      EventType = "message_sent"
	EventMessageDelivered EventType = "message_delivered"
	EventMessageAcked     EventType = "message_acked"
	EventMessageNacked    EventType = "message_nacked"
	EventMessageBusy      EventType = "message_busy"
	EventBroadcast        EventType = "broadcast"

	// Injection and mailbox events
	EventInjection      EventType = "injection"
	EventMailboxClaimed EventType = "mailbox_claimed"
	EventMailboxMerged  EventType = "mailbox_merged"

	// Health events
	EventAgentStuck   EventType = "agent_stuck"
	EventAgentUnstuck EventType = "agent_unstuck"

	// Error events
	EventError EventType = "error"
)

// Event represents a single logged event.
type Event struct {
	// Timestamp when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Type of the event
	Type EventType `json:"type"`

	// Agent name the event concerns (if applicable)
	Agent string `json:"agent,omitempty"`

	// Additional data specific to the event type
	Data map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, agent string, data map[string]interface{}) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Agent:     agent,
		Data:      data,
	}
}

// MessageData contains data for message flow events.
type MessageData struct {
	MessageID  string `json:"message_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Thread     string `json:"thread,omitempty"`
	Importance int    `json:"importance,omitempty"`
	BodyLength int    `json:"body_length,omitempty"`
	Seq        uint64 `json:"seq,omitempty"`
}

// StuckData contains data for agent health events.
type StuckData struct {
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
	IdleSec int    `json:"idle_sec,omitempty"`
}

// InjectionData contains data for injection events.
type InjectionData struct {
	MessageID string `json:"message_id"`
	Attempt   int    `json:"attempt"`
	Band      int    `json:"band"`
	Delivered bool   `json:"delivered"`
}

// ErrorData contains data for error events.
type ErrorData struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// ToMap converts a struct to a map[string]interface{} for event data.
func ToMap(v interface{}) map[string]interface{} {
	switch d := v.(type) {
	case MessageData:
		return map[string]interface{}{
			"message_id":  d.MessageID,
			"from":        d.From,
			"to":          d.To,
			"thread":      d.Thread,
			"importance":  d.Importance,
			"body_length": d.BodyLength,
			"seq":         d.Seq,
		}
	case StuckData:
		return map[string]interface{}{
			"reason":   d.Reason,
			"details":  d.Details,
			"idle_sec": d.IdleSec,
		}
	case InjectionData:
		return map[string]interface{}{
			"message_id": d.MessageID,
			"attempt":    d.Attempt,
			"band":       d.Band,
			"delivered":  d.Delivered,
		}
	case ErrorData:
		return map[string]interface{}{
			"error_type": d.ErrorType,
			"message":    d.Message,
		}
	case map[string]interface{}:
		return d
	default:
		return nil
	}
}
