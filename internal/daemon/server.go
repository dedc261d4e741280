package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/relay/internal/events"
	"github.com/Dicklesworthstone/relay/internal/protocol"
)

const (
	// DefaultHeartbeatInterval is advertised in WELCOME; connections silent
	// for several intervals are dropped.
	DefaultHeartbeatInterval = 15 * time.Second

	// handshakeTimeout bounds how long a fresh connection may sit without
	// sending HELLO.
	handshakeTimeout = 5 * time.Second

	// missedHeartbeats is how many silent intervals a session survives.
	missedHeartbeats = 3
)

// Config tunes the daemon server.
type Config struct {
	// SocketPath is the Unix socket the daemon listens on.
	SocketPath string

	// MaxFrameBytes caps inbound frame size. Defaults to the protocol limit.
	MaxFrameBytes int

	// HeartbeatInterval is advertised to agents in WELCOME.
	HeartbeatInterval time.Duration

	Logger *slog.Logger
	Bus    *events.EventBus
}

func (c Config) withDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server is the relay daemon: it accepts wrapper connections on a Unix
// socket, performs the HELLO/WELCOME handshake, and hands post-handshake
// traffic to the Router.
type Server struct {
	cfg      Config
	registry *Registry
	router   *Router

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// NewServer creates a daemon server.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	registry := NewRegistry(cfg.Logger)
	return &Server{
		cfg:      cfg,
		registry: registry,
		router:   NewRouter(registry, cfg.Bus, cfg.Logger),
	}
}

// Registry exposes the session table for status commands.
func (s *Server) Registry() *Registry { return s.registry }

// Start begins listening and serving connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server already started")
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}
	// A stale socket from a dead daemon blocks the listen; remove it.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.SocketPath, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.listener = listener
	s.cancel = cancel
	s.started = true

	s.wg.Add(2)
	go s.acceptLoop(ctx)
	go s.heartbeatLoop(ctx)

	s.cfg.Logger.Info("daemon listening", "socket", s.cfg.SocketPath)
	return nil
}

// Addr returns the listening socket path, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the server and disconnects all sessions.
func (s *Server) Close() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, listener := s.cancel, s.listener
	s.mu.Unlock()

	cancel()
	listener.Close()
	for _, sess := range s.registry.All() {
		sess.Close()
	}
	s.wg.Wait()
	s.router.Close()
	os.Remove(s.cfg.SocketPath)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.cfg.Logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn runs one connection: handshake, then the envelope loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := protocol.NewFrameReader(conn)
	reader.SetMaxFrameBytes(s.cfg.MaxFrameBytes)

	sess, err := s.handshake(conn, reader)
	if err != nil {
		s.cfg.Logger.Warn("handshake failed", "error", err)
		return
	}
	defer func() {
		s.registry.Unregister(sess.Name)
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(events.NewAgentDisconnectedEvent(sess.Name, ""))
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		env, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.cfg.Logger.Warn("read failed", "agent", sess.Name, "error", err)
			}
			return
		}
		if err := s.router.HandleEnvelope(sess, env); err != nil {
			if errors.Is(err, errCloseRequested) {
				return
			}
			s.cfg.Logger.Warn("envelope handling failed",
				"agent", sess.Name, "type", env.Type, "error", err)
		}
	}
}

// handshake enforces HELLO-first: any other envelope type draws a fatal
// ERROR before the connection closes.
func (s *Server) handshake(conn net.Conn, reader *protocol.FrameReader) (*Session, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	env, err := reader.Read()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}

	if env.Type != protocol.TypeHello {
		s.rejectConn(conn, fmt.Sprintf("expected HELLO, got %s", env.Type))
		return nil, fmt.Errorf("first envelope was %s, not HELLO", env.Type)
	}

	var hello protocol.HelloPayload
	if err := env.DecodePayload(&hello); err != nil {
		s.rejectConn(conn, err.Error())
		return nil, err
	}
	if hello.Agent == "" && hello.ResumeToken == "" {
		s.rejectConn(conn, "agent name required")
		return nil, errors.New("hello carried no agent name")
	}

	sessionID := uuid.New().String()
	var token string
	if hello.Capabilities.Resume {
		token = uuid.New().String()
	}
	sess := newSession(hello.Agent, sessionID, token, hello.Capabilities, conn)

	resumed := false
	if hello.ResumeToken != "" {
		if err := s.registry.Resume(hello.ResumeToken, sess); err != nil {
			s.rejectConn(conn, err.Error())
			return nil, fmt.Errorf("resume: %w", err)
		}
		resumed = true
	} else if err := s.registry.Register(sess); err != nil {
		s.rejectConn(conn, err.Error())
		return nil, fmt.Errorf("register %q: %w", hello.Agent, err)
	}

	welcome, err := protocol.NewEnvelope(protocol.TypeWelcome, protocol.WelcomePayload{
		SessionID:   sessionID,
		ResumeToken: token,
		Limits: protocol.Limits{
			MaxFrameBytes:     s.cfg.MaxFrameBytes,
			HeartbeatInterval: int(s.cfg.HeartbeatInterval.Milliseconds()),
		},
	})
	if err != nil {
		s.registry.Unregister(sess.Name)
		return nil, err
	}
	welcome.To = sess.Name
	if err := sess.Send(welcome); err != nil {
		s.registry.Unregister(sess.Name)
		return nil, fmt.Errorf("sending welcome: %w", err)
	}

	if s.cfg.Bus != nil {
		var caps []string
		if hello.Capabilities.Ack {
			caps = append(caps, "ack")
		}
		if hello.Capabilities.Resume {
			caps = append(caps, "resume")
		}
		s.cfg.Bus.Publish(events.NewAgentRegisteredEvent(sess.Name, caps, resumed))
	}
	return sess, nil
}

// rejectConn sends a best-effort ERROR envelope before the caller closes the
// connection.
func (s *Server) rejectConn(conn net.Conn, message string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	protocol.NewFrameWriter(conn).Write(env)
}

// heartbeatLoop drops sessions that miss too many heartbeat intervals.
func (s *Server) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-time.Duration(missedHeartbeats) * s.cfg.HeartbeatInterval)
			for _, sess := range s.registry.All() {
				if sess.LastSeen().Before(cutoff) {
					s.cfg.Logger.Warn("dropping silent agent",
						"agent", sess.Name, "last_seen", sess.LastSeen())
					sess.Close()
				}
			}
		}
	}
}
