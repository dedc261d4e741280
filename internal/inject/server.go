package inject

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// InjectStatus is the lifecycle state reported for an inject request.
type InjectStatus string

const (
	StatusQueued    InjectStatus = "queued"
	StatusInjecting InjectStatus = "injecting"
	StatusDelivered InjectStatus = "delivered"
	StatusFailed    InjectStatus = "failed"
)

// Request is one JSON object received on the injection socket.
type Request struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	From     string `json:"from,omitempty"`
	Body     string `json:"body,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

// Response is one JSON object written back on the injection socket.
type Response struct {
	Type           string       `json:"type"`
	ID             string       `json:"id,omitempty"`
	Status         InjectStatus `json:"status,omitempty"`
	Timestamp      *time.Time   `json:"timestamp,omitempty"`
	Error          string       `json:"error,omitempty"`
	AgentIdle      *bool        `json:"agent_idle,omitempty"`
	QueueLength    *int         `json:"queue_length,omitempty"`
	CursorPosition string       `json:"cursor_position,omitempty"`
	LastOutputMs   *int64       `json:"last_output_ms,omitempty"`
	Success        *bool        `json:"success,omitempty"`
	Accept         *bool        `json:"accept,omitempty"`
	Message        string       `json:"message,omitempty"`
}

// StatusInfo is the wrapper-side answer to a status request.
type StatusInfo struct {
	AgentIdle      bool
	QueueLength    int
	CursorPosition string
	LastOutputMs   int64
}

// Sink is the wrapper-side surface the injection server drives.
type Sink interface {
	// Enqueue adds a message to the injection queue.
	Enqueue(m QueuedMessage)
	// Status reports current terminal and queue state.
	Status() StatusInfo
	// SendEnter writes a bare newline to the terminal.
	SendEnter() error
}

// Server accepts injection requests over a local Unix-domain socket, one
// JSON object per line.
type Server struct {
	path     string
	sink     Sink
	maxQueue int
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	shutdown chan struct{}
	once     sync.Once
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMaxQueue sets the queue depth past which inject requests get a
// backpressure response instead of being accepted.
func WithMaxQueue(n int) ServerOption {
	return func(s *Server) { s.maxQueue = n }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates an injection server listening at the given socket path.
func NewServer(path string, sink Sink, opts ...ServerOption) *Server {
	s := &Server{
		path:     path,
		sink:     sink,
		maxQueue: 256,
		logger:   slog.Default(),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve listens on the socket until ctx is cancelled or a shutdown request
// arrives. A stale socket file from a previous run is removed first.
func (s *Server) Serve(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		ln.Close()
		os.Remove(s.path)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.shutdown:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Close stops the server.
func (s *Server) Close() {
	s.once.Do(func() { close(s.shutdown) })
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(enc, Response{Type: "error", Message: "malformed request: " + err.Error()})
			continue
		}

		resp, quit := s.handle(req)
		s.write(enc, resp)
		if quit {
			s.Close()
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("injection connection read error", "error", err)
	}
}

func (s *Server) handle(req Request) (Response, bool) {
	now := time.Now().UTC()

	switch req.Type {
	case "inject":
		depth := s.sink.Status().QueueLength
		if depth >= s.maxQueue {
			accept := false
			return Response{Type: "backpressure", QueueLength: &depth, Accept: &accept}, false
		}
		s.sink.Enqueue(QueuedMessage{
			From:       req.From,
			Body:       req.Body,
			MessageID:  req.ID,
			Importance: req.Priority,
		})
		s.logger.Debug("message queued for injection", "id", req.ID, "from", req.From)
		return Response{Type: "inject_result", ID: req.ID, Status: StatusQueued, Timestamp: &now}, false

	case "status":
		info := s.sink.Status()
		return Response{
			Type:           "status",
			AgentIdle:      &info.AgentIdle,
			QueueLength:    &info.QueueLength,
			CursorPosition: info.CursorPosition,
			LastOutputMs:   &info.LastOutputMs,
		}, false

	case "send_enter":
		err := s.sink.SendEnter()
		success := err == nil
		resp := Response{Type: "send_enter_result", ID: req.ID, Success: &success, Timestamp: &now}
		if err != nil {
			resp.Error = err.Error()
		}
		return resp, false

	case "shutdown":
		return Response{Type: "shutdown_ack"}, true

	default:
		return Response{Type: "error", Message: "unknown request type: " + req.Type}, false
	}
}

func (s *Server) write(enc *json.Encoder, resp Response) {
	if err := enc.Encode(resp); err != nil {
		s.logger.Debug("injection response write failed", "error", err)
	}
}
