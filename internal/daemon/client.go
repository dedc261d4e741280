package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/relay/internal/protocol"
)

// ErrSendTimeout indicates a blocking send saw neither ACK nor NACK within
// its timeout. The protocol layer performs no retry; that is the caller's
// decision.
var ErrSendTimeout = errors.New("blocking send timed out")

// ErrClientClosed indicates an operation on a closed client.
var ErrClientClosed = errors.New("client closed")

// Rejected wraps a NACK so callers can inspect the code and retry hint.
type Rejected struct {
	Code         protocol.RejectCode
	Reason       string
	RetryAfterMs int64
}

func (r *Rejected) Error() string {
	return fmt.Sprintf("rejected (%s): %s", r.Code, r.Reason)
}

// Retryable reports whether the rejection permits a retry after a delay.
func (r *Rejected) Retryable() bool { return r.Code.Retryable() }

// Delivery is an inbound message surfaced to the client owner.
type Delivery struct {
	From    string
	Topic   string
	Payload protocol.DeliverPayload
}

// ClientOptions tunes Dial.
type ClientOptions struct {
	// Capabilities declared in HELLO. Zero value declares nothing.
	Capabilities protocol.Capabilities
	// ResumeToken reconnects an earlier session, keeping name and sequence.
	ResumeToken string
	Logger      *slog.Logger
}

// Client is a wrapper-side connection to the daemon. It performs the
// HELLO/WELCOME handshake on dial and then demultiplexes inbound traffic:
// DELIVER envelopes surface on Deliveries(), correlated ACK/NACK resolve
// blocking sends via the pending table.
type Client struct {
	agent   string
	conn    net.Conn
	reader  *protocol.FrameReader
	writer  *protocol.FrameWriter
	welcome protocol.WelcomePayload
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope
	closed  bool

	deliveries chan Delivery
	done       chan struct{}
}

// Dial connects to the daemon, completes the handshake, and starts the read
// loop.
func Dial(socketPath, agent string, opts ClientOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing daemon at %s: %w", socketPath, err)
	}

	c := &Client{
		agent:      agent,
		conn:       conn,
		reader:     protocol.NewFrameReader(conn),
		writer:     protocol.NewFrameWriter(conn),
		logger:     opts.Logger,
		pending:    make(map[string]chan *protocol.Envelope),
		deliveries: make(chan Delivery, 64),
		done:       make(chan struct{}),
	}

	hello, err := protocol.NewEnvelope(protocol.TypeHello, protocol.HelloPayload{
		Agent:        agent,
		Capabilities: opts.Capabilities,
		ResumeToken:  opts.ResumeToken,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	hello.From = agent
	if err := c.writer.Write(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reply, err := c.reader.Read()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading welcome: %w", err)
	}
	switch reply.Type {
	case protocol.TypeWelcome:
		if err := reply.DecodePayload(&c.welcome); err != nil {
			conn.Close()
			return nil, err
		}
	case protocol.TypeError:
		var ep protocol.ErrorPayload
		reply.DecodePayload(&ep)
		conn.Close()
		return nil, fmt.Errorf("daemon rejected handshake: %s", ep.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %s", reply.Type)
	}

	if c.welcome.Limits.MaxFrameBytes > 0 {
		c.reader.SetMaxFrameBytes(c.welcome.Limits.MaxFrameBytes)
	}

	go c.readLoop()
	if c.welcome.Limits.HeartbeatInterval > 0 {
		go c.keepalive(time.Duration(c.welcome.Limits.HeartbeatInterval) * time.Millisecond)
	}
	return c, nil
}

// keepalive pings at the daemon-advertised heartbeat interval so an idle
// connection is not reaped as silent. Stops when the read loop exits.
func (c *Client) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.logger.Debug("heartbeat ping failed", "error", err)
				return
			}
		}
	}
}

// Welcome returns the handshake result: session id, resume token, limits.
func (c *Client) Welcome() protocol.WelcomePayload { return c.welcome }

// Agent returns the agent name this client registered as.
func (c *Client) Agent() string { return c.agent }

// Deliveries surfaces inbound DELIVER payloads. The channel closes when the
// connection drops.
func (c *Client) Deliveries() <-chan Delivery { return c.deliveries }

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.deliveries)
	defer c.failPending()

	for {
		env, err := c.reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Warn("daemon connection read failed", "error", err)
			}
			return
		}

		switch env.Type {
		case protocol.TypeDeliver:
			var payload protocol.DeliverPayload
			if err := env.DecodePayload(&payload); err != nil {
				c.logger.Warn("bad deliver payload", "error", err)
				continue
			}
			select {
			case c.deliveries <- Delivery{From: env.From, Topic: env.Topic, Payload: payload}:
			default:
				c.logger.Warn("delivery channel full, dropping message",
					"message_id", payload.MessageID)
			}

		case protocol.TypeAck, protocol.TypeNack, protocol.TypeBusy:
			c.resolve(env)

		case protocol.TypePong:
			// Heartbeat answered; nothing to do.

		case protocol.TypeError:
			var ep protocol.ErrorPayload
			env.DecodePayload(&ep)
			c.logger.Error("daemon protocol error", "message", ep.Message)
			return

		default:
			c.logger.Warn("unexpected envelope from daemon", "type", env.Type)
		}
	}
}

// resolve matches a correlated response to its waiting blocking send.
func (c *Client) resolve(env *protocol.Envelope) {
	var correlationID string
	switch env.Type {
	case protocol.TypeAck:
		var p protocol.AckPayload
		if env.DecodePayload(&p) == nil {
			correlationID = p.CorrelationID
		}
	case protocol.TypeNack:
		var p protocol.NackPayload
		if env.DecodePayload(&p) == nil {
			correlationID = p.CorrelationID
		}
	}
	if correlationID == "" {
		// Uncorrelated BUSY/ACK: advisory, logged at debug only.
		c.logger.Debug("uncorrelated response", "type", env.Type)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[correlationID]
	delete(c.pending, correlationID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response for unknown correlation", "correlation_id", correlationID)
		return
	}
	ch <- env
}

// failPending closes out all waiting blocking sends when the connection
// drops.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// SendOptions carries the optional fields of a SEND.
type SendOptions struct {
	Thread     string
	Importance *int
	Data       map[string]string
}

// Send fires a message at the target without waiting for acknowledgement.
func (c *Client) Send(to, body string, opts SendOptions) error {
	env, err := c.buildSend(to, body, opts, nil, "")
	if err != nil {
		return err
	}
	return c.writer.Write(env)
}

// SendSync sends a blocking message and waits for the correlated ACK or
// NACK. A NACK is returned as *Rejected. Timeout or connection loss is a
// local failure; no retry is attempted.
func (c *Client) SendSync(ctx context.Context, to, body string, timeout time.Duration, opts SendOptions) (*protocol.AckPayload, error) {
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	correlationID := uuid.New().String()

	ch := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[correlationID] = ch
	c.mu.Unlock()

	sync := &protocol.SyncMeta{Blocking: true, TimeoutMs: timeout.Milliseconds()}
	env, err := c.buildSend(to, body, opts, sync, correlationID)
	if err != nil {
		c.dropPending(correlationID)
		return nil, err
	}
	if err := c.writer.Write(env); err != nil {
		c.dropPending(correlationID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.dropPending(correlationID)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(correlationID)
		return nil, ErrSendTimeout
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		switch resp.Type {
		case protocol.TypeAck:
			var ack protocol.AckPayload
			if err := resp.DecodePayload(&ack); err != nil {
				return nil, err
			}
			return &ack, nil
		case protocol.TypeNack:
			var nack protocol.NackPayload
			if err := resp.DecodePayload(&nack); err != nil {
				return nil, err
			}
			return nil, &Rejected{
				Code:         nack.Code,
				Reason:       nack.Reason,
				RetryAfterMs: nack.RetryAfterMs,
			}
		default:
			return nil, fmt.Errorf("unexpected resolution type %s", resp.Type)
		}
	}
}

// ListAgents asks the daemon for its registry snapshot.
func (c *Client) ListAgents(ctx context.Context) ([]Info, error) {
	ack, err := c.SendSync(ctx, protocol.DaemonAddress, "", 10*time.Second, SendOptions{
		Data: map[string]string{"query": "agents"},
	})
	if err != nil {
		return nil, err
	}
	var infos []Info
	if err := json.Unmarshal([]byte(ack.Response), &infos); err != nil {
		return nil, fmt.Errorf("decoding agent list: %w", err)
	}
	return infos, nil
}

func (c *Client) dropPending(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

func (c *Client) buildSend(to, body string, opts SendOptions, sync *protocol.SyncMeta, correlationID string) (*protocol.Envelope, error) {
	env, err := protocol.NewEnvelope(protocol.TypeSend, protocol.SendPayload{
		Body:          body,
		Thread:        opts.Thread,
		Importance:    opts.Importance,
		Data:          opts.Data,
		Sync:          sync,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, err
	}
	env.From = c.agent
	env.To = to
	return env, nil
}

// Ack acknowledges deliveries up to cumulativeSeq, optionally answering a
// blocking sender through its correlation id.
func (c *Client) Ack(correlationID string, cumulativeSeq uint64, response string) error {
	env, err := protocol.NewEnvelope(protocol.TypeAck, protocol.AckPayload{
		CorrelationID: correlationID,
		CumulativeSeq: cumulativeSeq,
		Response:      response,
	})
	if err != nil {
		return err
	}
	env.From = c.agent
	return c.writer.Write(env)
}

// Nack rejects a delivery.
func (c *Client) Nack(correlationID string, code protocol.RejectCode, reason string) error {
	env, err := protocol.NewEnvelope(protocol.TypeNack, protocol.NackPayload{
		CorrelationID: correlationID,
		Code:          code,
		Reason:        reason,
	})
	if err != nil {
		return err
	}
	env.From = c.agent
	return c.writer.Write(env)
}

// Ping sends a heartbeat.
func (c *Client) Ping() error {
	env, err := protocol.NewEnvelope(protocol.TypePing, nil)
	if err != nil {
		return err
	}
	env.From = c.agent
	return c.writer.Write(env)
}

// Close sends BYE and tears down the connection.
func (c *Client) Close() error {
	if bye, err := protocol.NewEnvelope(protocol.TypeBye, nil); err == nil {
		bye.From = c.agent
		c.writer.Write(bye)
	}
	return c.conn.Close()
}
