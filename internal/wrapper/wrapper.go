// Package wrapper runs the per-agent supervision loop. One Wrapper owns one
// agent's terminal: it scans the output stream for relay triggers, translates
// them into daemon sends, feeds the liveness detector, and injects inbound
// deliveries into the agent's input when the terminal looks idle.
//
// The loop is cooperative and single-threaded with respect to the output
// stream: parsing and liveness bookkeeping happen synchronously as bytes
// arrive, while injection is deferred to a drain tick that only fires when
// the idle heuristic clears the configured confidence threshold.
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Dicklesworthstone/relay/internal/daemon"
	"github.com/Dicklesworthstone/relay/internal/events"
	"github.com/Dicklesworthstone/relay/internal/inject"
	"github.com/Dicklesworthstone/relay/internal/parser"
	"github.com/Dicklesworthstone/relay/internal/protocol"
	"github.com/Dicklesworthstone/relay/internal/stuck"
)

// DefaultDrainInterval is how often the injection drain considers writing.
const DefaultDrainInterval = 250 * time.Millisecond

// DefaultMaxRetries bounds redelivery attempts for a single queued message.
const DefaultMaxRetries = 3

// Config assembles a Wrapper. Agent, SocketPath, and Input are required.
type Config struct {
	// Agent is the name announced to the daemon in the handshake.
	Agent string
	// SocketPath is the daemon's unix socket.
	SocketPath string

	// Input receives injected delivery text. Usually the agent's stdin or
	// the PTY master.
	Input io.Writer
	// Display receives the visible (ANSI-stripped, thinking-free) output
	// pass-through. Nil discards it.
	Display io.Writer

	// TriggerPrefixes overrides the parser trigger set. Empty means the
	// default live-PTY prefix only.
	TriggerPrefixes []string

	// Strategy decides when the terminal is idle enough for injection.
	// Nil uses the quiet-window default.
	Strategy inject.IdleStrategy
	// ConfidenceThreshold gates the drain. Zero uses the default.
	ConfidenceThreshold float64
	// MaxRetries bounds redelivery attempts per message. Zero uses the
	// default.
	MaxRetries int
	// DrainInterval is the injection tick. Zero uses the default.
	DrainInterval time.Duration

	// Detector, when set, is fed output and started alongside the loop.
	// Its stuck/unstuck events are republished on Bus.
	Detector *stuck.Detector

	// OnSpawn and OnRelease handle spawn-channel commands. Nil handlers
	// log and drop the request.
	OnSpawn   func(name, cli, task string)
	OnRelease func(name string)

	// Capabilities and ResumeToken are passed through to the handshake.
	Capabilities protocol.Capabilities
	ResumeToken  string

	Bus    *events.EventBus
	Logger *slog.Logger
}

func (c *Config) withDefaults() error {
	if c.Agent == "" && c.ResumeToken == "" {
		return errors.New("wrapper: agent name required")
	}
	if c.SocketPath == "" {
		return errors.New("wrapper: socket path required")
	}
	if c.Input == nil {
		return errors.New("wrapper: input writer required")
	}
	if c.Display == nil {
		c.Display = io.Discard
	}
	if c.Strategy == nil {
		c.Strategy = inject.NewQuietWindowStrategy()
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = inject.DefaultConfidenceThreshold
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.Bus == nil {
		c.Bus = events.DefaultBus
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Wrapper supervises one agent. Create with New, drive with Run.
type Wrapper struct {
	cfg    Config
	client *daemon.Client
	parser *parser.Parser
	queue  *inject.Queue
	logger *slog.Logger

	mu         sync.Mutex
	lastOutput time.Time
	lastLine   string

	wg sync.WaitGroup
}

// New dials the daemon and prepares the supervision loop. Call Run to start
// processing output.
func New(cfg Config) (*Wrapper, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}

	caps := cfg.Capabilities
	caps.Ack = true
	client, err := daemon.Dial(cfg.SocketPath, cfg.Agent, daemon.ClientOptions{
		Capabilities: caps,
		ResumeToken:  cfg.ResumeToken,
		Logger:       cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Wrapper{
		cfg:        cfg,
		client:     client,
		parser:     parser.New(parser.Options{Prefixes: cfg.TriggerPrefixes}),
		queue:      inject.NewQueue(),
		logger:     cfg.Logger.With("agent", client.Agent()),
		lastOutput: time.Now(),
	}, nil
}

// Client exposes the daemon connection, mainly for tests and for callers
// that need the resume token from the WELCOME payload.
func (w *Wrapper) Client() *daemon.Client { return w.client }

// QueueLen reports how many deliveries are waiting for injection.
func (w *Wrapper) QueueLen() int { return w.queue.Len() }

// Run processes the agent's output stream until it ends or ctx is canceled.
// It owns the delivery receive loop and the injection drain for its
// duration and closes the daemon connection on the way out.
func (w *Wrapper) Run(ctx context.Context, output io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer w.client.Close()

	if d := w.cfg.Detector; d != nil {
		d.Start(ctx)
		defer d.Stop()
		w.wg.Add(1)
		go w.watchLiveness(ctx, d)
	}

	w.wg.Add(2)
	go w.receiveLoop(ctx)
	go w.drainLoop(ctx)

	err := w.pump(ctx, output)

	cancel()
	w.wg.Wait()
	return err
}

// pump is the synchronous read side: every chunk is parsed, mirrored to the
// display, and fed to the liveness detector before the next read.
func (w *Wrapper) pump(ctx context.Context, output io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := output.Read(buf)
		if n > 0 {
			w.processChunk(string(buf[:n]))
		}
		if err != nil {
			w.finishStream()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			w.finishStream()
			return ctx.Err()
		default:
		}
	}
}

func (w *Wrapper) processChunk(chunk string) {
	res := w.parser.Parse(chunk)
	w.handleResult(res)
}

// finishStream flushes the parser's carried partial line when the stream
// ends.
func (w *Wrapper) finishStream() {
	w.handleResult(w.parser.Flush())
}

func (w *Wrapper) handleResult(res parser.Result) {
	if res.Output != "" {
		if _, err := io.WriteString(w.cfg.Display, res.Output); err != nil {
			w.logger.Warn("display write failed", "error", err)
		}
		w.noteOutput(res.Output)
		if d := w.cfg.Detector; d != nil {
			d.RecordOutput(res.Output)
		}
	}
	for _, cmd := range res.Commands {
		w.dispatch(cmd)
	}
}

// noteOutput updates the idle snapshot inputs.
func (w *Wrapper) noteOutput(visible string) {
	last := lastNonEmptyLine(visible)
	w.mu.Lock()
	w.lastOutput = time.Now()
	if last != "" {
		w.lastLine = last
	}
	w.mu.Unlock()
}

func lastNonEmptyLine(s string) string {
	for len(s) > 0 {
		idx := len(s) - 1
		for idx >= 0 && (s[idx] == '\n' || s[idx] == '\r') {
			idx--
		}
		if idx < 0 {
			return ""
		}
		start := idx
		for start > 0 && s[start-1] != '\n' {
			start--
		}
		line := s[start : idx+1]
		if line != "" {
			return line
		}
		s = s[:start]
	}
	return ""
}

func (w *Wrapper) snapshot() inject.ActivitySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return inject.ActivitySnapshot{
		LastOutput: w.lastOutput,
		LastLine:   w.lastLine,
		Now:        time.Now(),
	}
}

// dispatch routes one parsed command. Message sends never block the read
// loop: sync sends wait in their own goroutine.
func (w *Wrapper) dispatch(cmd parser.ParsedCommand) {
	switch cmd.Kind {
	case parser.KindMessage, parser.KindContinuity:
		w.sendMessage(cmd)
	case parser.KindSpawn:
		w.cfg.Bus.Publish(events.NewSpawnRequestedEvent(w.client.Agent(), cmd.SpawnName, cmd.SpawnCLI, cmd.SpawnTask))
		if w.cfg.OnSpawn == nil {
			w.logger.Warn("spawn requested but no handler configured", "name", cmd.SpawnName)
			return
		}
		w.cfg.OnSpawn(cmd.SpawnName, cmd.SpawnCLI, cmd.SpawnTask)
	case parser.KindRelease:
		w.cfg.Bus.Publish(events.NewReleaseRequestedEvent(w.client.Agent(), cmd.ReleaseName))
		if w.cfg.OnRelease == nil {
			w.logger.Warn("release requested but no handler configured", "name", cmd.ReleaseName)
			return
		}
		w.cfg.OnRelease(cmd.ReleaseName)
	default:
		w.logger.Warn("unrecognized command kind", "kind", cmd.Kind)
	}
}

func (w *Wrapper) sendMessage(cmd parser.ParsedCommand) {
	opts := daemon.SendOptions{Thread: cmd.Thread}
	if cmd.Kind == parser.KindContinuity {
		opts.Data = map[string]string{"continuity": "true"}
	}

	if cmd.Sync != nil && cmd.Sync.Blocking {
		timeout := time.Duration(cmd.Sync.TimeoutMs) * time.Millisecond
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			ack, err := w.client.SendSync(context.Background(), cmd.Target, cmd.Body, timeout, opts)
			switch {
			case err == nil:
				w.logger.Info("sync send acknowledged", "to", cmd.Target, "response", ack.Response)
			case isRejected(err):
				w.logger.Warn("sync send rejected", "to", cmd.Target, "error", err)
			default:
				w.logger.Warn("sync send failed", "to", cmd.Target, "error", err)
			}
		}()
		return
	}

	if err := w.client.Send(cmd.Target, cmd.Body, opts); err != nil {
		w.logger.Warn("send failed", "to", cmd.Target, "error", err)
	}
}

func isRejected(err error) bool {
	var rej *daemon.Rejected
	return errors.As(err, &rej)
}

// Enqueue implements inject.Sink for the injection socket server.
func (w *Wrapper) Enqueue(m inject.QueuedMessage) {
	w.queue.Push(m)
}

// Status implements inject.Sink.
func (w *Wrapper) Status() inject.StatusInfo {
	snap := w.snapshot()
	return inject.StatusInfo{
		AgentIdle:    w.cfg.Strategy.Score(snap) >= w.cfg.ConfidenceThreshold,
		QueueLength:  w.queue.Len(),
		LastOutputMs: snap.Now.Sub(snap.LastOutput).Milliseconds(),
	}
}

// SendEnter implements inject.Sink.
func (w *Wrapper) SendEnter() error {
	_, err := io.WriteString(w.cfg.Input, "\n")
	return err
}

// HandleOutbox processes one claimed outbox file from the supervised path.
// The content uses the header/body outbox format; the resulting command goes
// through the same dispatch as live-PTY triggers. An unparseable outbox is
// an error so the mailbox supervisor merges it back.
func (w *Wrapper) HandleOutbox(_ context.Context, content string) error {
	cmd, err := parser.ParseOutbox(content)
	if err != nil {
		return err
	}
	w.dispatch(cmd)
	return nil
}

// receiveLoop moves inbound deliveries into the injection queue.
// Non-blocking deliveries are acknowledged on receipt; blocking ones hold
// their acknowledgement until injection succeeds.
func (w *Wrapper) receiveLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.client.Done():
			return
		case d, ok := <-w.client.Deliveries():
			if !ok {
				return
			}
			w.enqueue(d)
		}
	}
}

func (w *Wrapper) enqueue(d daemon.Delivery) {
	p := d.Payload
	msg := inject.QueuedMessage{
		From:       d.From,
		Body:       p.Body,
		MessageID:  p.MessageID,
		Thread:     p.Thread,
		OriginalTo: p.Delivery.OriginalTo,
		Importance: p.Importance,
		Data:       p.Data,
	}

	if p.CorrelationID != "" {
		// The sender is blocked on this one: the ack goes out only once
		// the text is actually in front of the agent. A duplicate of a
		// still-queued message is acked right away; the original will be
		// injected in its place.
		if !w.queue.Push(withPendingAck(msg, p.CorrelationID, p.Delivery.Seq)) {
			w.logger.Debug("duplicate delivery", "message_id", p.MessageID)
			if err := w.client.Ack(p.CorrelationID, p.Delivery.Seq, ""); err != nil {
				w.logger.Warn("ack failed", "seq", p.Delivery.Seq, "error", err)
			}
		}
	} else {
		if !w.queue.Push(msg) {
			w.logger.Debug("duplicate delivery", "message_id", p.MessageID)
		}
		if err := w.client.Ack("", p.Delivery.Seq, ""); err != nil {
			w.logger.Warn("ack failed", "seq", p.Delivery.Seq, "error", err)
		}
	}
}

// Injection-side bookkeeping rides in Data under reserved keys so the queue
// stays a plain message queue.
const (
	dataKeyCorrelation = "relay.correlation_id"
	dataKeySeq         = "relay.seq"
)

func withPendingAck(m inject.QueuedMessage, correlationID string, seq uint64) inject.QueuedMessage {
	data := make(map[string]string, len(m.Data)+2)
	for k, v := range m.Data {
		data[k] = v
	}
	data[dataKeyCorrelation] = correlationID
	data[dataKeySeq] = fmt.Sprintf("%d", seq)
	m.Data = data
	return m
}

func pendingAck(m inject.QueuedMessage) (correlationID string, seq uint64, ok bool) {
	correlationID, ok = m.Data[dataKeyCorrelation]
	if !ok {
		return "", 0, false
	}
	fmt.Sscanf(m.Data[dataKeySeq], "%d", &seq)
	return correlationID, seq, true
}

// drainLoop is the deferred injection side. Each tick it re-evaluates the
// idle heuristic; nothing is written while the terminal is busy.
func (w *Wrapper) drainLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce()
		}
	}
}

func (w *Wrapper) drainOnce() {
	if w.queue.Len() == 0 {
		return
	}
	score := w.cfg.Strategy.Score(w.snapshot())
	if score < w.cfg.ConfidenceThreshold {
		return
	}

	for {
		msg, attempts, ok := w.queue.Pop()
		if !ok {
			return
		}
		if err := w.injectMessage(msg, attempts); err != nil {
			if attempts+1 >= w.cfg.MaxRetries {
				w.logger.Error("dropping message after repeated injection failures",
					"message_id", msg.MessageID, "attempts", attempts+1, "error", err)
				w.nackPending(msg, err)
				continue
			}
			w.queue.Requeue(msg, attempts)
			return
		}
	}
}

func (w *Wrapper) injectMessage(msg inject.QueuedMessage, attempts int) error {
	text := inject.FormatAttempt(msg, attempts)
	if _, err := io.WriteString(w.cfg.Input, text+"\n"); err != nil {
		return err
	}

	w.logger.Debug("injected message", "from", msg.From, "message_id", msg.MessageID, "attempt", attempts)

	if correlationID, seq, ok := pendingAck(msg); ok {
		if err := w.client.Ack(correlationID, seq, ""); err != nil {
			w.logger.Warn("ack failed", "correlation_id", correlationID, "error", err)
		}
	}
	return nil
}

// nackPending tells a blocked sender its message was dropped instead of
// leaving it to time out.
func (w *Wrapper) nackPending(msg inject.QueuedMessage, cause error) {
	correlationID, _, ok := pendingAck(msg)
	if !ok {
		return
	}
	if err := w.client.Nack(correlationID, protocol.RejectStale, cause.Error()); err != nil {
		w.logger.Warn("nack failed", "correlation_id", correlationID, "error", err)
	}
}

// watchLiveness republishes detector transitions on the event bus.
func (w *Wrapper) watchLiveness(ctx context.Context, d *stuck.Detector) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-d.Events():
			if !ok {
				return
			}
			switch e.Type {
			case stuck.EventStuck:
				w.logger.Warn("agent appears stuck", "reason", e.Reason, "details", e.Details)
				w.cfg.Bus.Publish(events.NewAgentStuckEvent(
					w.client.Agent(), string(e.Reason), e.Details, e.IdleFor.Seconds()))
			case stuck.EventUnstuck:
				w.logger.Info("agent recovered", "reason", e.Reason)
				w.cfg.Bus.Publish(events.NewAgentUnstuckEvent(w.client.Agent(), e.IdleFor.Seconds()))
			}
		}
	}
}
