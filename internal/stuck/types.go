// Package stuck watches one agent's output stream for signs that the agent
// is no longer making progress. It only detects and emits events; all
// remediation belongs to an external supervisor.
package stuck

import "time"

// Reason classifies why an agent was declared stuck.
type Reason string

const (
	// ReasonExtendedIdle means no output for longer than the configured
	// idle duration.
	ReasonExtendedIdle Reason = "extended_idle"
	// ReasonErrorLoop means the same error line keeps recurring.
	ReasonErrorLoop Reason = "error_loop"
	// ReasonOutputLoop means the same output line keeps recurring.
	ReasonOutputLoop Reason = "output_loop"
	// ReasonToolLoop means the same file or command target keeps being
	// touched inside the sliding window.
	ReasonToolLoop Reason = "tool_loop"
	// ReasonOutputFlood means output volume exceeds the allowed rate.
	ReasonOutputFlood Reason = "output_flood"
)

// EventType distinguishes stuck from unstuck transitions.
type EventType string

const (
	EventStuck   EventType = "stuck"
	EventUnstuck EventType = "unstuck"
)

// Event is a liveness transition. Events are pure signals and are never
// stored by the detector.
type Event struct {
	Type      EventType
	Reason    Reason
	Details   string
	Timestamp time.Time

	// Reason-specific fields.
	IdleFor        time.Duration // extended_idle
	Line           string        // error_loop, output_loop
	Count          int           // error_loop, output_loop, tool_loop
	Target         string        // tool_loop
	LinesPerMinute float64       // output_flood
}

// ToolInvocation records one detected file/tool operation in output.
// Invocations older than the sliding window are pruned on every new output
// event and are never persisted.
type ToolInvocation struct {
	Tool      string
	Target    string
	Timestamp time.Time
}
