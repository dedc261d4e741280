package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handler processes one claimed batch of mailbox content. A non-nil error
// triggers merge-back of the content so nothing is lost.
type Handler func(ctx context.Context, content string) error

// SupervisorConfig tunes a Supervisor.
type SupervisorConfig struct {
	// PollInterval is the fallback scan cadence for when filesystem events
	// are dropped or unavailable. Default 5s.
	PollInterval time.Duration
	// Debounce coalesces bursts of filesystem events before claiming.
	// Default 100ms.
	Debounce time.Duration

	Logger *slog.Logger
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Debounce <= 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Supervisor watches a mailbox file and drains it through a Handler whenever
// content appears. It combines an fsnotify watch on the mailbox's directory
// with a slow polling sweep so a missed event can only delay delivery, never
// lose it.
type Supervisor struct {
	mailbox *Mailbox
	handler Handler
	cfg     SupervisorConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewSupervisor creates a Supervisor for the mailbox.
func NewSupervisor(m *Mailbox, handler Handler, cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		mailbox: m,
		handler: handler,
		cfg:     cfg.withDefaults(),
	}
}

// Start begins watching. It returns an error if the mailbox directory cannot
// be created or watched.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("supervisor already started")
	}

	dir := filepath.Dir(s.mailbox.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating mailbox dir %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.run(ctx, watcher)
	return nil
}

// Stop halts the supervisor and waits for the watch loop to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Supervisor) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(s.done)
	defer watcher.Close()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	// Drain anything already waiting before the first event.
	s.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.mailbox.Path()) {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(s.cfg.Debounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(s.cfg.Debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.cfg.Logger.Warn("mailbox watch error", "error", err)
		case <-debounceC:
			debounce = nil
			debounceC = nil
			s.drain(ctx)
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain claims and processes mailbox content until the mailbox is empty.
func (s *Supervisor) drain(ctx context.Context) {
	for ctx.Err() == nil {
		claim, err := s.mailbox.Claim()
		if err != nil {
			s.cfg.Logger.Warn("mailbox claim failed", "path", s.mailbox.Path(), "error", err)
			return
		}
		if claim == nil {
			return
		}
		if err := s.handler(ctx, claim.Content); err != nil {
			s.cfg.Logger.Warn("mailbox handler failed, merging content back",
				"path", s.mailbox.Path(), "error", err)
			claim.Fail()
			return
		}
		if err := claim.Complete(); err != nil {
			s.cfg.Logger.Warn("mailbox claim cleanup failed", "error", err)
			return
		}
	}
}
