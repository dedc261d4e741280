package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/Dicklesworthstone/relay/internal/events"
	"github.com/Dicklesworthstone/relay/internal/protocol"
)

// DefaultSyncTimeout bounds how long the router remembers a blocking send
// awaiting its correlated ACK/NACK when the sender declared no timeout.
const DefaultSyncTimeout = 30 * time.Second

// DefaultRetryAfter is the advisory delay attached to BUSY backpressure.
const DefaultRetryAfter = 2 * time.Second

// errCloseRequested signals a clean BYE-initiated shutdown of a connection.
var errCloseRequested = errors.New("close requested")

// pendingSend tracks one blocking send awaiting a correlated ACK or NACK.
// Entries expire independently of the receive loop; the sender runs its own
// local timeout, so expiry here is bookkeeping, not failure delivery.
type pendingSend struct {
	origin string
	timer  *time.Timer
}

// Router translates SEND envelopes into DELIVER envelopes and relays
// ACK/NACK back to blocked senders. It owns the pending-correlation table;
// the Registry owns the session table.
type Router struct {
	registry *Registry
	logger   *slog.Logger
	bus      *events.EventBus

	mu      sync.Mutex
	pending map[string]pendingSend
}

// NewRouter creates a router over the given registry. The bus may be nil to
// disable event publication.
func NewRouter(registry *Registry, bus *events.EventBus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		logger:   logger,
		bus:      bus,
		pending:  make(map[string]pendingSend),
	}
}

// HandleEnvelope processes one post-handshake envelope from a session.
// Returning errCloseRequested tells the connection loop to shut down cleanly.
func (r *Router) HandleEnvelope(sess *Session, env *protocol.Envelope) error {
	sess.Touch()

	switch env.Type {
	case protocol.TypeSend:
		return r.handleSend(sess, env)
	case protocol.TypeAck:
		return r.handleAck(sess, env)
	case protocol.TypeNack:
		return r.handleNack(sess, env)
	case protocol.TypePing:
		return r.handlePing(sess, env)
	case protocol.TypeBye:
		return errCloseRequested
	default:
		r.logger.Warn("unexpected envelope type", "agent", sess.Name, "type", env.Type)
		return r.sendError(sess, fmt.Sprintf("unexpected envelope type %s", env.Type))
	}
}

func (r *Router) handleSend(origin *Session, env *protocol.Envelope) error {
	var payload protocol.SendPayload
	if err := env.DecodePayload(&payload); err != nil {
		return r.sendNack(origin, "", protocol.NackPayload{
			Code:   protocol.RejectInvalid,
			Reason: err.Error(),
		})
	}

	sync := payload.Sync != nil && payload.Sync.Blocking
	correlationID := payload.CorrelationID
	if sync && correlationID == "" {
		correlationID = env.ID
	}

	if env.To == protocol.Broadcast {
		return r.broadcast(origin, env, &payload)
	}

	if env.To == protocol.DaemonAddress {
		return r.handleAdminQuery(origin, env, &payload, correlationID)
	}

	target, ok := r.registry.Get(env.To)
	if !ok {
		return r.sendNack(origin, correlationID, protocol.NackPayload{
			Code:   protocol.RejectInvalid,
			Reason: fmt.Sprintf("unknown agent %q", env.To),
		})
	}

	if target.Saturated() {
		retryAfter := DefaultRetryAfter.Milliseconds()
		if sync {
			// Resolve the blocking caller immediately with a retryable code.
			return r.sendNack(origin, correlationID, protocol.NackPayload{
				Code:         protocol.RejectBusy,
				Reason:       fmt.Sprintf("agent %q is saturated", env.To),
				RetryAfterMs: retryAfter,
			})
		}
		busy, err := protocol.NewEnvelope(protocol.TypeBusy, protocol.BusyPayload{
			RetryAfterMs: retryAfter,
			QueueDepth:   target.InFlight(),
		})
		if err != nil {
			return err
		}
		busy.From = env.To
		busy.To = origin.Name
		return origin.Send(busy)
	}

	if sync {
		r.trackPending(correlationID, origin.Name, payload.Sync.TimeoutMs)
	}

	if err := r.deliver(origin, target, env, &payload, env.To, correlationID); err != nil {
		if sync {
			r.resolvePending(correlationID)
		}
		return r.sendNack(origin, correlationID, protocol.NackPayload{
			Code:   protocol.RejectStale,
			Reason: fmt.Sprintf("delivery to %q failed: %v", env.To, err),
		})
	}
	return nil
}

// broadcast fans a SEND out to every connected recipient except the sender.
// Backpressure never blocks a broadcast: saturated recipients are skipped
// rather than stalling the rest of the fanout.
func (r *Router) broadcast(origin *Session, env *protocol.Envelope, payload *protocol.SendPayload) error {
	delivered := 0
	for _, target := range r.registry.All() {
		if target.Name == origin.Name {
			continue
		}
		if target.Saturated() {
			r.logger.Debug("broadcast skipping saturated agent", "agent", target.Name)
			continue
		}
		if err := r.deliver(origin, target, env, payload, protocol.Broadcast, ""); err != nil {
			r.logger.Warn("broadcast delivery failed", "agent", target.Name, "error", err)
			continue
		}
		delivered++
	}
	r.logger.Debug("broadcast complete", "from", origin.Name, "delivered", delivered)
	return nil
}

// deliver issues a DELIVER envelope to the target with fresh sequence
// bookkeeping. originalTo preserves the literal SEND addressing.
func (r *Router) deliver(origin, target *Session, env *protocol.Envelope, payload *protocol.SendPayload, originalTo, correlationID string) error {
	seq := target.NextSeq()
	deliver, err := protocol.NewEnvelope(protocol.TypeDeliver, protocol.DeliverPayload{
		MessageID:  env.ID,
		Body:       payload.Body,
		Thread:     payload.Thread,
		Importance: payload.Importance,
		Data:       payload.Data,
		Delivery: protocol.DeliveryInfo{
			Seq:        seq,
			OriginalTo: originalTo,
		},
		CorrelationID: correlationID,
	})
	if err != nil {
		return err
	}
	deliver.From = origin.Name
	deliver.To = target.Name

	if err := target.Send(deliver); err != nil {
		return err
	}

	if r.bus != nil {
		r.bus.Publish(events.NewMessageDeliveredEvent(
			target.Name, env.ID, origin.Name, payload.Thread, seq,
			originalTo == protocol.Broadcast,
		))
	}
	return nil
}

// handleAdminQuery answers a SEND addressed to the daemon itself. The query
// name travels in Data["query"]; the answer comes back as the correlated
// ACK's Response. Only blocking sends make sense here.
func (r *Router) handleAdminQuery(origin *Session, env *protocol.Envelope, payload *protocol.SendPayload, correlationID string) error {
	if correlationID == "" {
		correlationID = env.ID
	}

	switch query := payload.Data["query"]; query {
	case "agents":
		infos := r.registry.List()
		encoded, err := json.Marshal(infos)
		if err != nil {
			return r.sendNack(origin, correlationID, protocol.NackPayload{
				Code:   protocol.RejectInvalid,
				Reason: err.Error(),
			})
		}
		ack, err := protocol.NewEnvelope(protocol.TypeAck, protocol.AckPayload{
			CorrelationID: correlationID,
			Response:      string(encoded),
			ResponseData:  map[string]string{"count": strconv.Itoa(len(infos))},
		})
		if err != nil {
			return err
		}
		ack.From = protocol.DaemonAddress
		ack.To = origin.Name
		return origin.Send(ack)
	default:
		return r.sendNack(origin, correlationID, protocol.NackPayload{
			Code:   protocol.RejectInvalid,
			Reason: fmt.Sprintf("unknown daemon query %q", query),
		})
	}
}

func (r *Router) handleAck(origin *Session, env *protocol.Envelope) error {
	var payload protocol.AckPayload
	if err := env.DecodePayload(&payload); err != nil {
		return r.sendError(origin, err.Error())
	}

	// The acking session is the delivery recipient; settle its in-flight
	// window first.
	origin.Acknowledge(payload.CumulativeSeq, payload.Sack)

	if payload.CorrelationID == "" {
		return nil
	}
	return r.forwardResolution(origin, env, payload.CorrelationID)
}

func (r *Router) handleNack(origin *Session, env *protocol.Envelope) error {
	var payload protocol.NackPayload
	if err := env.DecodePayload(&payload); err != nil {
		return r.sendError(origin, err.Error())
	}

	if r.bus != nil {
		r.bus.Publish(events.NewMessageRejectedEvent(
			origin.Name, env.ID, string(payload.Code), payload.Reason,
			payload.Code.Retryable(),
		))
	}

	if payload.CorrelationID == "" {
		return nil
	}
	return r.forwardResolution(origin, env, payload.CorrelationID)
}

// forwardResolution relays a correlated ACK/NACK back to the agent that
// issued the blocking send.
func (r *Router) forwardResolution(origin *Session, env *protocol.Envelope, correlationID string) error {
	originName, ok := r.resolvePending(correlationID)
	if !ok {
		r.logger.Debug("resolution for unknown correlation",
			"agent", origin.Name, "correlation_id", correlationID)
		return nil
	}

	sender, ok := r.registry.Get(originName)
	if !ok {
		r.logger.Debug("blocking sender gone before resolution",
			"agent", originName, "correlation_id", correlationID)
		return nil
	}

	forwarded := *env
	forwarded.From = origin.Name
	forwarded.To = originName
	return sender.Send(&forwarded)
}

func (r *Router) handlePing(sess *Session, env *protocol.Envelope) error {
	pong, err := protocol.NewEnvelope(protocol.TypePong, nil)
	if err != nil {
		return err
	}
	pong.To = sess.Name
	return sess.Send(pong)
}

// trackPending records a blocking send so the eventual ACK/NACK can find its
// way back. Entries self-expire; the sender enforces its own timeout locally.
func (r *Router) trackPending(correlationID, origin string, timeoutMs int64) {
	timeout := DefaultSyncTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, exists := r.pending[correlationID]; exists {
		prev.timer.Stop()
	}
	r.pending[correlationID] = pendingSend{
		origin: origin,
		timer: time.AfterFunc(timeout, func() {
			r.resolvePending(correlationID)
		}),
	}
}

// resolvePending removes and returns a pending entry.
func (r *Router) resolvePending(correlationID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.pending[correlationID]
	if !ok {
		return "", false
	}
	entry.timer.Stop()
	delete(r.pending, correlationID)
	return entry.origin, true
}

// PendingCount returns the number of unresolved blocking sends.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops all pending-send timers.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.pending {
		entry.timer.Stop()
		delete(r.pending, id)
	}
}

func (r *Router) sendNack(sess *Session, correlationID string, payload protocol.NackPayload) error {
	payload.CorrelationID = correlationID
	nack, err := protocol.NewEnvelope(protocol.TypeNack, payload)
	if err != nil {
		return err
	}
	nack.To = sess.Name
	return sess.Send(nack)
}

func (r *Router) sendError(sess *Session, message string) error {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{Message: message})
	if err != nil {
		return err
	}
	env.To = sess.Name
	return sess.Send(env)
}
