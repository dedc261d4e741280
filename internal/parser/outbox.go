package parser

import (
	"strings"

	"github.com/Dicklesworthstone/relay/internal/protocol"
	"github.com/Dicklesworthstone/relay/internal/util"
)

// The supervised (non-live-PTY) path uses two structured front ends instead
// of inline triggers: outbox files and [[RELAY]] blocks embedded in output.
// Both normalize into the same ParsedCommand representation the live parser
// produces.

const (
	blockOpen  = "[[RELAY]]"
	blockClose = "[[/RELAY]]"
)

// ParseOutbox parses an outbox file: case-insensitive header lines
// ("TO: name", "KIND: message", "AWAIT: 30s", ...), a blank line, then a
// free-form body. A malformed header section falls back to treating the
// whole content as the body of an unaddressed message rather than failing.
func ParseOutbox(content string) (ParsedCommand, error) {
	headers, body := splitHeaders(content)

	cmd := ParsedCommand{Kind: KindMessage, Body: body}

	kind := strings.ToLower(headers["kind"])
	switch kind {
	case "", "message":
		cmd.Kind = KindMessage
	case "spawn":
		cmd.Kind = KindSpawn
	case "release":
		cmd.Kind = KindRelease
	case "continuity":
		cmd.Kind = KindContinuity
	default:
		// Unknown kind: keep the text as a message rather than dropping it.
		cmd.Kind = KindMessage
	}

	cmd.Target = headers["to"]
	cmd.Thread = headers["thread"]

	switch cmd.Kind {
	case KindSpawn:
		cmd.SpawnName = headers["name"]
		cmd.SpawnCLI = headers["cli"]
		cmd.SpawnTask = body
		if cmd.SpawnName == "" && headers["action"] != "" {
			cmd.SpawnName = headers["action"]
		}
	case KindRelease:
		cmd.ReleaseName = headers["name"]
	}

	if await := headers["await"]; await != "" {
		timeout, blocking, err := util.ParseAwait(await)
		if err != nil {
			return cmd, err
		}
		if blocking {
			cmd.Sync = &protocol.SyncMeta{
				Blocking:  true,
				TimeoutMs: timeout.Milliseconds(),
			}
		}
	}

	return cmd, nil
}

// splitHeaders separates "KEY: value" header lines from the body. The body
// begins after the first blank line, or at the first line that does not look
// like a header.
func splitHeaders(content string) (map[string]string, string) {
	headers := make(map[string]string)
	lines := strings.Split(content, "\n")

	known := map[string]bool{
		"to": true, "kind": true, "action": true, "name": true,
		"cli": true, "thread": true, "await": true,
	}

	i := 0
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if strings.TrimSpace(line) == "" {
			i++
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if !known[key] {
			break
		}
		headers[key] = strings.TrimSpace(value)
	}

	body := strings.TrimRight(strings.Join(lines[i:], "\n"), "\n")
	return headers, body
}

// BlockScanner extracts [[RELAY]] ... [[/RELAY]] blocks from supervised
// agent output. The block interior uses the outbox header format. Like the
// live parser, it accepts arbitrarily chunked input.
type BlockScanner struct {
	pending string
	inBlock bool
	lines   []string
}

// NewBlockScanner creates a BlockScanner.
func NewBlockScanner() *BlockScanner {
	return &BlockScanner{}
}

// Scan consumes one chunk and returns completed commands plus pass-through
// text. Block markers and interiors are removed from the pass-through.
func (s *BlockScanner) Scan(chunk string) Result {
	var res Result

	data := s.pending + chunk
	s.pending = ""

	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			s.pending = data
			break
		}
		line := strings.TrimSuffix(data[:idx], "\r")
		data = data[idx+1:]
		s.scanLine(StripANSI(line), &res)
	}

	return res
}

// Flush force-closes an open block with whatever accumulated.
func (s *BlockScanner) Flush() Result {
	var res Result
	if s.pending != "" {
		s.scanLine(StripANSI(strings.TrimSuffix(s.pending, "\r")), &res)
		s.pending = ""
	}
	if s.inBlock {
		s.closeBlock(&res)
	}
	return res
}

func (s *BlockScanner) scanLine(line string, res *Result) {
	trimmed := strings.TrimSpace(line)

	if s.inBlock {
		if trimmed == blockClose {
			s.closeBlock(res)
			return
		}
		if trimmed == blockOpen {
			// New block while one is open: close the old one first so its
			// content is not lost.
			s.closeBlock(res)
			s.inBlock = true
			return
		}
		s.lines = append(s.lines, line)
		return
	}

	if trimmed == blockOpen {
		s.inBlock = true
		s.lines = nil
		return
	}

	// Inline form for the supervised path.
	if strings.HasPrefix(trimmed, AltPrefix) {
		rest := trimmed[len(AltPrefix):]
		target, body, _ := strings.Cut(rest, " ")
		body = strings.TrimSpace(body)
		if target != "" && body != "" {
			res.Commands = append(res.Commands, ParsedCommand{
				Kind:   KindMessage,
				Target: target,
				Body:   body,
			})
			return
		}
	}

	res.Output += line + "\n"
}

func (s *BlockScanner) closeBlock(res *Result) {
	content := strings.Join(s.lines, "\n")
	s.inBlock = false
	s.lines = nil

	cmd, err := ParseOutbox(content)
	if err != nil {
		// Malformed structure: fall back to the raw text as the body.
		cmd = ParsedCommand{Kind: KindMessage, Body: content}
	}
	res.Commands = append(res.Commands, cmd)
}
