// Package parser extracts relay commands from the raw output stream of a
// wrapped agent. The scanner is resumable: input may arrive in chunks of any
// size and state (open fence, buffered partial line, open thinking region)
// carries across calls.
package parser

import "github.com/Dicklesworthstone/relay/internal/protocol"

// CommandKind classifies a parsed relay command.
type CommandKind string

const (
	// KindMessage addresses a message to another agent.
	KindMessage CommandKind = "message"
	// KindSpawn requests a new agent on the spawn/release channel.
	KindSpawn CommandKind = "spawn"
	// KindRelease requests teardown of an agent on the spawn/release channel.
	KindRelease CommandKind = "release"
	// KindContinuity carries a session-continuity note to the named target.
	KindContinuity CommandKind = "continuity"
)

// ParsedCommand is a structured directive recognized in agent output. It is
// consumed immediately by the translation into a SEND envelope and never
// persisted.
type ParsedCommand struct {
	Kind   CommandKind
	Target string
	Body   string
	Thread string
	Sync   *protocol.SyncMeta

	// Spawn/release channel fields.
	SpawnName string
	SpawnCLI  string
	SpawnTask string
	ReleaseName string
}

// Result is the outcome of feeding one chunk to the parser. Output is the
// chunk's visible text after ANSI stripping and thinking-region removal.
type Result struct {
	Commands []ParsedCommand
	Output   string
}
