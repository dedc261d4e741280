package parser

import (
	"strings"
)

const (
	thinkingOpen  = "<thinking>"
	thinkingClose = "</thinking>"
	fenceOpen     = "<<<"
	fenceClose    = ">>>"
)

// DefaultPrefix is the live-PTY trigger prefix.
const DefaultPrefix = "->relay:"

// AltPrefix is the supervised-path inline trigger prefix. Both syntaxes
// produce the same ParsedCommand representation; which prefixes a wrapper
// scans for is a configuration choice.
const AltPrefix = "@relay:"

// Options configures a Parser.
type Options struct {
	// Prefixes are the trigger prefixes recognized at line start.
	// Empty means DefaultPrefix only.
	Prefixes []string
}

// Parser is a single-pass scanner over streaming agent output. It is not
// safe for concurrent use; each wrapped agent owns one Parser.
type Parser struct {
	prefixes []string

	pending    string // partial line carried across Parse calls
	inThinking bool

	inFence     bool
	fenceTarget string
	fenceLines  []string
}

// New creates a Parser with the given options.
func New(opts Options) *Parser {
	prefixes := opts.Prefixes
	if len(prefixes) == 0 {
		prefixes = []string{DefaultPrefix}
	}
	return &Parser{prefixes: prefixes}
}

// Parse consumes one chunk of raw terminal output. Chunks may split lines,
// escape sequences, and fenced blocks at arbitrary byte boundaries. A bare
// carriage return counts as a line boundary: progress bars that redraw with
// \r and never emit \n must not pile up in the pending buffer, and each
// repaint still counts as output for idle accounting.
func (p *Parser) Parse(chunk string) Result {
	var res Result

	data := p.pending + chunk
	p.pending = ""

	for {
		idx := strings.IndexAny(data, "\r\n")
		if idx < 0 {
			p.pending = data
			break
		}
		line := data[:idx]
		if data[idx] == '\r' {
			if idx+1 == len(data) {
				// The chunk ends on a CR; an LF may follow in the next
				// chunk, so hold the line until we can tell.
				p.pending = data
				break
			}
			if data[idx+1] == '\n' {
				data = data[idx+2:]
			} else {
				data = data[idx+1:]
			}
		} else {
			data = data[idx+1:]
		}
		p.processLine(line, &res)
	}

	return res
}

// Flush processes any buffered partial line and force-closes an open fence.
// Call it when the agent's stream ends.
func (p *Parser) Flush() Result {
	var res Result
	if p.pending != "" {
		line := strings.TrimSuffix(p.pending, "\r")
		p.pending = ""
		p.processLine(line, &res)
	}
	if p.inFence {
		p.closeFence(&res)
	}
	return res
}

// processLine handles one complete line: ANSI stripping, thinking removal,
// then trigger scanning.
func (p *Parser) processLine(raw string, res *Result) {
	visible, startedHidden := p.stripThinking(StripANSI(raw))

	// A line that was entirely inside a thinking region produces no output
	// and is never scanned for triggers.
	if visible == "" && (startedHidden || p.inThinking) {
		return
	}

	if p.inFence {
		// A new trigger force-closes the open fence: an unterminated block
		// must never silently discard content.
		if p.triggerPrefix(visible) != "" {
			p.closeFence(res)
			p.scanLine(visible, res)
			return
		}
		if idx := strings.Index(visible, fenceClose); idx >= 0 {
			before := strings.TrimRight(visible[:idx], " \t")
			if before != "" {
				p.fenceLines = append(p.fenceLines, before)
			}
			p.closeFence(res)
			after := strings.TrimSpace(visible[idx+len(fenceClose):])
			if after != "" {
				res.Output += after + "\n"
			}
			return
		}
		p.fenceLines = append(p.fenceLines, visible)
		return
	}

	p.scanLine(visible, res)
}

// triggerPrefix returns the matched trigger prefix if the line starts with
// one, or "".
func (p *Parser) triggerPrefix(line string) string {
	for _, pre := range p.prefixes {
		if strings.HasPrefix(line, pre) {
			return pre
		}
	}
	return ""
}

// scanLine handles a visible line in the normal state.
func (p *Parser) scanLine(line string, res *Result) {
	pre := p.triggerPrefix(line)
	if pre == "" {
		res.Output += line + "\n"
		return
	}

	rest := line[len(pre):]
	target, body, _ := strings.Cut(rest, " ")
	body = strings.TrimSpace(body)

	switch target {
	case "spawn":
		// Passthrough token for the spawn/release channel, not a message to
		// an agent named "spawn". The line stays visible.
		res.Output += line + "\n"
		if cmd, ok := parseSpawnBody(body); ok {
			res.Commands = append(res.Commands, cmd)
		}
		return
	case "release":
		res.Output += line + "\n"
		if body != "" {
			name, _, _ := strings.Cut(body, " ")
			res.Commands = append(res.Commands, ParsedCommand{
				Kind:        KindRelease,
				ReleaseName: name,
			})
		}
		return
	}

	if target == "" {
		res.Output += line + "\n"
		return
	}

	if strings.TrimRight(body, " \t") == fenceOpen {
		p.inFence = true
		p.fenceTarget = target
		p.fenceLines = nil
		return
	}

	if body == "" {
		// A bare "->relay:Name" with no body is not a command.
		res.Output += line + "\n"
		return
	}

	res.Commands = append(res.Commands, ParsedCommand{
		Kind:   KindMessage,
		Target: target,
		Body:   body,
	})
}

// closeFence emits the accumulated fenced block as one message command.
func (p *Parser) closeFence(res *Result) {
	res.Commands = append(res.Commands, ParsedCommand{
		Kind:   KindMessage,
		Target: p.fenceTarget,
		Body:   strings.Join(p.fenceLines, "\n"),
	})
	p.inFence = false
	p.fenceTarget = ""
	p.fenceLines = nil
}

// stripThinking removes <thinking>...</thinking> regions from a line,
// carrying the open-region state across lines. The second return value
// reports whether the line began inside a thinking region.
func (p *Parser) stripThinking(line string) (string, bool) {
	startedHidden := p.inThinking
	var sb strings.Builder

	for line != "" {
		if p.inThinking {
			idx := strings.Index(line, thinkingClose)
			if idx < 0 {
				return sb.String(), startedHidden
			}
			line = line[idx+len(thinkingClose):]
			p.inThinking = false
			continue
		}
		idx := strings.Index(line, thinkingOpen)
		if idx < 0 {
			sb.WriteString(line)
			break
		}
		sb.WriteString(line[:idx])
		line = line[idx+len(thinkingOpen):]
		p.inThinking = true
	}

	return sb.String(), startedHidden
}

// parseSpawnBody parses "Name [cli=claude] [task...]" from a spawn trigger.
func parseSpawnBody(body string) (ParsedCommand, bool) {
	if body == "" {
		return ParsedCommand{}, false
	}
	name, rest, _ := strings.Cut(body, " ")
	cmd := ParsedCommand{Kind: KindSpawn, SpawnName: name}

	rest = strings.TrimSpace(rest)
	if cli, after, ok := cutKeyValue(rest, "cli="); ok {
		cmd.SpawnCLI = cli
		rest = after
	}
	cmd.SpawnTask = strings.TrimSpace(rest)
	return cmd, true
}

// cutKeyValue extracts a leading key=value token from s.
func cutKeyValue(s, key string) (value, rest string, ok bool) {
	if !strings.HasPrefix(s, key) {
		return "", s, false
	}
	v, after, _ := strings.Cut(s[len(key):], " ")
	return v, after, true
}
