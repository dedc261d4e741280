// Package daemon implements the central broker: a Unix-socket listener that
// registers agent wrappers via HELLO/WELCOME and routes SEND envelopes to
// DELIVER envelopes with sequence, acknowledgement, and backpressure
// bookkeeping.
package daemon

import (
	"net"
	"sync"
	"time"

	"github.com/Dicklesworthstone/relay/internal/protocol"
)

// DefaultMaxInFlight caps unacknowledged deliveries per session when the
// agent's HELLO does not declare its own limit.
const DefaultMaxInFlight = 32

// Session is one registered agent connection. All delivery bookkeeping for
// the agent lives here; the Registry owns the name → Session table.
type Session struct {
	Name         string
	ID           string
	ResumeToken  string
	Capabilities protocol.Capabilities

	conn   net.Conn
	writer *protocol.FrameWriter

	mu          sync.Mutex
	seq         uint64          // last delivery sequence issued
	ackedThru   uint64          // cumulative acknowledgement high-water mark
	sacked      map[uint64]bool // selective acks above ackedThru
	lastSeen    time.Time
	maxInFlight int
}

func newSession(name, id, token string, caps protocol.Capabilities, conn net.Conn) *Session {
	maxInFlight := caps.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Session{
		Name:         name,
		ID:           id,
		ResumeToken:  token,
		Capabilities: caps,
		conn:         conn,
		writer:       protocol.NewFrameWriter(conn),
		sacked:       make(map[uint64]bool),
		lastSeen:     time.Now(),
		maxInFlight:  maxInFlight,
	}
}

// Send writes an envelope to the agent. Safe for concurrent use; the frame
// writer serializes writes.
func (s *Session) Send(env *protocol.Envelope) error {
	return s.writer.Write(env)
}

// NextSeq issues the next delivery sequence number for this session.
func (s *Session) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Acknowledge applies an ACK's cumulative and selective sequence numbers.
func (s *Session) Acknowledge(cumulative uint64, sack []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Sequence numbers the session never issued must not drive the
	// in-flight count negative.
	if cumulative > s.seq {
		cumulative = s.seq
	}
	if cumulative > s.ackedThru {
		s.ackedThru = cumulative
	}
	for _, seq := range sack {
		if seq > s.ackedThru && seq <= s.seq {
			s.sacked[seq] = true
		}
	}
	// Collapse selective acks absorbed by the cumulative mark.
	for seq := range s.sacked {
		if seq <= s.ackedThru {
			delete(s.sacked, seq)
		}
	}
}

// InFlight returns the number of unacknowledged deliveries.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.seq-s.ackedThru) - len(s.sacked)
}

// Saturated reports whether the session has reached its in-flight cap and
// should be given BUSY backpressure instead of another delivery.
func (s *Session) Saturated() bool {
	return s.InFlight() >= s.maxInFlight
}

// Touch records activity on the connection for heartbeat accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the most recent envelope from the agent.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// snapshotSeq returns the current sequence counter, used when saving resume
// state at disconnect.
func (s *Session) snapshotSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// restoreSeq seeds the sequence counter from saved resume state.
func (s *Session) restoreSeq(seq uint64) {
	s.mu.Lock()
	s.seq = seq
	s.ackedThru = seq
	s.mu.Unlock()
}

// Info is a point-in-time public view of a session for `relay agents`.
type Info struct {
	Name         string    `json:"name"`
	SessionID    string    `json:"session_id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	InFlight     int       `json:"in_flight"`
	LastSeen     time.Time `json:"last_seen"`
}

func (s *Session) info() Info {
	caps := make([]string, 0, 4)
	if s.Capabilities.Ack {
		caps = append(caps, "ack")
	}
	if s.Capabilities.Resume {
		caps = append(caps, "resume")
	}
	if s.Capabilities.Topics {
		caps = append(caps, "topics")
	}
	return Info{
		Name:         s.Name,
		SessionID:    s.ID,
		Capabilities: caps,
		InFlight:     s.InFlight(),
		LastSeen:     s.LastSeen(),
	}
}
