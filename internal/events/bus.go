package events

import (
	"container/ring"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// BusEvent is the interface that all bus events must implement.
type BusEvent interface {
	EventType() string
	EventTimestamp() time.Time
	EventAgent() string
}

// EventHandler is a callback function for event subscriptions.
type EventHandler func(BusEvent)

// UnsubscribeFunc is returned from Subscribe and can be called to unsubscribe.
type UnsubscribeFunc func()

// handlerEntry wraps a handler with a unique ID for safe unsubscription.
type handlerEntry struct {
	id      uint64
	handler EventHandler
}

// EventBus provides a centralized pub/sub system for relay events.
type EventBus struct {
	subscribers map[string][]handlerEntry
	nextID      atomic.Uint64
	mu          sync.RWMutex
	history     *ring.Ring
	historySize int
	historyMu   sync.RWMutex
}

// NewEventBus creates a new event bus with the specified history size.
func NewEventBus(historySize int) *EventBus {
	if historySize < 1 {
		historySize = 100
	}
	return &EventBus{
		subscribers: make(map[string][]handlerEntry),
		history:     ring.New(historySize),
		historySize: historySize,
	}
}

// DefaultBus is the global default event bus.
var DefaultBus = NewEventBus(100)

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	entry := handlerEntry{id: id, handler: handler}
	b.subscribers[eventType] = append(b.subscribers[eventType], entry)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subscribers[eventType]
		for i, h := range handlers {
			if h.id == id {
				handlers[i] = handlers[len(handlers)-1]
				b.subscribers[eventType] = handlers[:len(handlers)-1]
				return
			}
		}
	}
}

// SubscribeAll registers a handler for all events (wildcard).
func (b *EventBus) SubscribeAll(handler EventHandler) UnsubscribeFunc {
	return b.Subscribe("*", handler)
}

// Publish sends an event to all matching subscribers without waiting for
// handlers to run.
func (b *EventBus) Publish(event BusEvent) {
	b.historyMu.Lock()
	b.history.Value = event
	b.history = b.history.Next()
	b.historyMu.Unlock()

	b.mu.RLock()
	eventType := event.EventType()
	entries := make([]handlerEntry, 0, len(b.subscribers[eventType])+len(b.subscribers["*"]))
	entries = append(entries, b.subscribers[eventType]...)
	entries = append(entries, b.subscribers["*"]...)
	b.mu.RUnlock()

	for _, entry := range entries {
		go func(h EventHandler) {
			h(event)
		}(entry.handler)
	}
}

// PublishSync sends an event and waits for all handlers to complete.
func (b *EventBus) PublishSync(event BusEvent) {
	b.historyMu.Lock()
	b.history.Value = event
	b.history = b.history.Next()
	b.historyMu.Unlock()

	b.mu.RLock()
	eventType := event.EventType()
	entries := make([]handlerEntry, 0, len(b.subscribers[eventType])+len(b.subscribers["*"]))
	entries = append(entries, b.subscribers[eventType]...)
	entries = append(entries, b.subscribers["*"]...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			h(event)
		}(entry.handler)
	}
	wg.Wait()
}

// History returns recent events (newest first).
func (b *EventBus) History(limit int) []BusEvent {
	if limit <= 0 || limit > b.historySize {
		limit = b.historySize
	}

	b.historyMu.RLock()
	defer b.historyMu.RUnlock()

	events := make([]BusEvent, 0, limit)
	r := b.history.Prev()
	for i := 0; i < limit; i++ {
		if r.Value != nil {
			if event, ok := r.Value.(BusEvent); ok {
				events = append(events, event)
			}
		}
		r = r.Prev()
	}
	return events
}

// EnableStreamMode enables JSON streaming of all events to a writer. Used by
// `relay watch --json` to feed dashboards and scripts.
func (b *EventBus) EnableStreamMode(w io.Writer) UnsubscribeFunc {
	enc := json.NewEncoder(w)
	return b.SubscribeAll(func(e BusEvent) {
		enc.Encode(e)
	})
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *EventBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// ----------------------------------------------------------------
// Base Event Implementation
// ----------------------------------------------------------------

// BaseEvent provides common fields for all events.
type BaseEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent,omitempty"`
}

// EventType returns the event type.
func (e BaseEvent) EventType() string { return e.Type }

// EventTimestamp returns the event timestamp.
func (e BaseEvent) EventTimestamp() time.Time { return e.Timestamp }

// EventAgent returns the agent name.
func (e BaseEvent) EventAgent() string { return e.Agent }

// ----------------------------------------------------------------
// Agent Lifecycle Events
// ----------------------------------------------------------------

// AgentRegisteredEvent is emitted when an agent completes a handshake.
type AgentRegisteredEvent struct {
	BaseEvent
	Capabilities []string `json:"capabilities,omitempty"`
	Resumed      bool     `json:"resumed,omitempty"`
}

// NewAgentRegisteredEvent creates a new agent registered event.
func NewAgentRegisteredEvent(agent string, capabilities []string, resumed bool) AgentRegisteredEvent {
	return AgentRegisteredEvent{
		BaseEvent: BaseEvent{
			Type:      string(EventAgentRegister),
			Timestamp: time.Now().UTC(),
			Agent:     agent,
		},
		Capabilities: capabilities,
		Resumed:      resumed,
	}
}

// AgentDisconnectedEvent is emitted when an agent's connection drops.
type AgentDisconnectedEvent struct {
	BaseEvent
	Reason string `json:"reason,omitempty"`
}

// NewAgentDisconnectedEvent creates a new agent disconnected event.
func NewAgentDisconnectedEvent(agent, reason string) AgentDisconnectedEvent {
	return AgentDisconnectedEvent{
		BaseEvent: BaseEvent{
			Type:      string(EventAgentDisconnect),
			Timestamp: time.Now().UTC(),
			Agent:     agent,
		},
		Reason: reason,
	}
}

// SpawnRequestedEvent is emitted when an agent asks for a new worker.
type SpawnRequestedEvent struct {
	BaseEvent
	Name string `json:"name"`
	CLI  string `json:"cli,omitempty"`
	Task string `json:"task,omitempty"`
}

// NewSpawnRequestedEvent creates a new spawn requested event.
func NewSpawnRequestedEvent(agent, name, cli, task string) SpawnRequestedEvent {
	return SpawnRequestedEvent{
		BaseEvent: BaseEvent{
			Type:      string(EventSpawnRequest),
			Timestamp: time.Now().UTC(),
			Agent:     agent,
		},
		Name: name,
		CLI:  cli,
		Task: task,
	}
}

// ReleaseRequestedEvent is emitted when an agent asks to release a worker.
type ReleaseRequestedEvent struct {
	BaseEvent
	Name string `json:"name"`
}

// NewReleaseRequestedEvent creates a new release requested event.
func NewReleaseRequestedEvent(agent, name string) ReleaseRequestedEvent {
	return ReleaseRequestedEvent{
		BaseEvent: BaseEvent{
			Type:      string(EventReleaseRequest),
			Timestamp: time.Now().UTC(),
			Agent:     agent,
		},
		Name: name,
	}
}

// ----------------------------------------------------------------
// Message Flow Events
// ----------------------------------------------------------------

// MessageDeliveredEvent is emitted when a message reaches a recipient session.
type MessageDeliveredEvent struct {
	BaseEvent
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Thread    string `json:"thread,omitempty"`
	Seq       uint64 `json:"seq"`
	Broadcast bool   `json:"broadcast,omitempty"`
}

// NewMessageDeliveredEvent creates a new message delivered event.
func NewMessageDeliveredEvent(agent, messageID, from, thread string, seq uint64, broadcast bool) MessageDeliveredEvent {
	return MessageDeliveredEvent{
		BaseEvent: BaseEvent{
			Type:      string(EventMessageDelivered),
			Timestamp: time.Now().UTC(),
			Agent:     agent,
		},
		MessageID: messageID,
		From:      from,
		Thread:    thread,
		Seq:       seq,
		Broadcast: broadcast,
	}
}

// MessageRejectedEvent is emitted when a message is refused with NACK or BUSY.
type MessageRejectedEvent struct {
	BaseEvent
	MessageID string `json:"message_id"`
	Code      string `json:"code"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
}

// NewMessageRejectedEvent creates a new message rejected event.
func NewMessageRejectedEvent(agent, messageID, code, reason string, retryable bool) MessageRejectedEvent {
	return MessageRejectedEvent{
		BaseEvent: BaseEvent{
			Type:      string(EventMessageNacked),
			Timestamp: time.Now().UTC(),
			Agent:     agent,
		},
		MessageID: messageID,
		Code:      code,
		Reason:    reason,
		Retryable: retryable,
	}
}

// ----------------------------------------------------------------
// Health Events
// ----------------------------------------------------------------

// AgentStuckEvent is emitted when the health detector flags an agent.
type AgentStuckEvent struct {
	BaseEvent
	Reason  string  `json:"reason"`
	Details string  `json:"details,omitempty"`
	IdleSec float64 `json:"idle_sec,omitempty"`
}

// NewAgentStuckEvent creates a new agent stuck event.
func NewAgentStuckEvent(agent, reason, details string, idleSec float64) AgentStuckEvent {
	return AgentStuckEvent{
		BaseEvent: BaseEvent{
			Type:      string(EventAgentStuck),
			Timestamp: time.Now().UTC(),
			Agent:     agent,
		},
		Reason:  reason,
		Details: details,
		IdleSec: idleSec,
	}
}

// AgentUnstuckEvent is emitted when a flagged agent produces output again.
type AgentUnstuckEvent struct {
	BaseEvent
	StuckFor float64 `json:"stuck_for_sec,omitempty"`
}

// NewAgentUnstuckEvent creates a new agent unstuck event.
func NewAgentUnstuckEvent(agent string, stuckFor float64) AgentUnstuckEvent {
	return AgentUnstuckEvent{
		BaseEvent: BaseEvent{
			Type:      string(EventAgentUnstuck),
			Timestamp: time.Now().UTC(),
			Agent:     agent,
		},
		StuckFor: stuckFor,
	}
}

// ----------------------------------------------------------------
// Global Functions (using DefaultBus)
// ----------------------------------------------------------------

// Subscribe registers a handler on the default bus.
func Subscribe(eventType string, handler EventHandler) UnsubscribeFunc {
	return DefaultBus.Subscribe(eventType, handler)
}

// SubscribeAll registers a handler for all events on the default bus.
func SubscribeAll(handler EventHandler) UnsubscribeFunc {
	return DefaultBus.SubscribeAll(handler)
}

// Publish sends an event to the default bus.
func Publish(event BusEvent) {
	DefaultBus.Publish(event)
}

// PublishSync sends an event to the default bus and waits for handlers.
func PublishSync(event BusEvent) {
	DefaultBus.PublishSync(event)
}

// History returns recent events from the default bus.
func History(limit int) []BusEvent {
	return DefaultBus.History(limit)
}
