// Package mailbox implements the file-based delivery substrate used when an
// agent runs without a live terminal session. A mailbox is claimed by
// atomically renaming it to a processing file; the filesystem rename is the
// sole synchronization primitive, so concurrent supervisors can never both
// claim the same mailbox.
package mailbox

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"syscall"
)

// processingSuffix is appended to the mailbox path while its content is
// being processed.
const processingSuffix = ".processing"

// Mailbox is one agent's file-based inbox.
type Mailbox struct {
	path   string
	logger *slog.Logger
}

// New creates a Mailbox for the given file path.
func New(path string, logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{path: path, logger: logger}
}

// Path returns the mailbox file path.
func (m *Mailbox) Path() string { return m.path }

// Claim atomically takes ownership of the mailbox content. It returns
// (nil, nil) when there is no work: the mailbox does not exist, or another
// supervisor claimed it first. Those rename races are normal operation, not
// errors.
func (m *Mailbox) Claim() (*Claim, error) {
	processing := m.path + processingSuffix

	if err := os.Rename(m.path, processing); err != nil {
		if isNoWork(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming mailbox %s: %w", m.path, err)
	}

	content, err := os.ReadFile(processing)
	if err != nil {
		// Give the content back before reporting; the claim succeeded but
		// we cannot process what we cannot read.
		if rerr := os.Rename(processing, m.path); rerr != nil {
			m.logger.Warn("failed to return unreadable mailbox", "path", m.path, "error", rerr)
		}
		return nil, fmt.Errorf("reading claimed mailbox %s: %w", processing, err)
	}

	return &Claim{
		mailbox:        m,
		processingPath: processing,
		Content:        string(content),
	}, nil
}

// Claim is ownership of one mailbox's content while it is processed.
type Claim struct {
	mailbox        *Mailbox
	processingPath string
	Content        string
}

// ProcessingPath returns the path the claimed content currently lives at.
func (c *Claim) ProcessingPath() string { return c.processingPath }

// Complete finishes a successful claim by deleting the processing file.
func (c *Claim) Complete() error {
	if err := os.Remove(c.processingPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing processing file %s: %w", c.processingPath, err)
	}
	return nil
}

// Fail merges the claimed content back into the mailbox. If new messages
// arrived during processing, the claimed (older) content is prepended so
// chronological order survives. Fail runs in a best-effort cleanup position:
// merge errors are logged, never raised.
func (c *Claim) Fail() {
	m := c.mailbox

	current, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		// Nothing arrived while we were processing: put the file back.
		if rerr := os.Rename(c.processingPath, m.path); rerr != nil {
			m.logger.Warn("mailbox merge-back rename failed", "path", m.path, "error", rerr)
		}
		return
	}
	if err != nil {
		m.logger.Warn("mailbox merge-back read failed", "path", m.path, "error", err)
		return
	}

	// New mail exists: write claimed content first, then the new content,
	// to a temp file renamed over the mailbox.
	tmp := m.path + ".merge"
	merged := append([]byte(c.Content), current...)
	if werr := os.WriteFile(tmp, merged, 0o644); werr != nil {
		m.logger.Warn("mailbox merge-back write failed", "path", tmp, "error", werr)
		return
	}
	if rerr := os.Rename(tmp, m.path); rerr != nil {
		m.logger.Warn("mailbox merge-back rename failed", "path", m.path, "error", rerr)
		os.Remove(tmp)
		return
	}
	if derr := os.Remove(c.processingPath); derr != nil && !errors.Is(derr, fs.ErrNotExist) {
		m.logger.Warn("removing processing file after merge failed", "path", c.processingPath, "error", derr)
	}
}

// isNoWork reports whether a rename error means "nothing to claim" rather
// than a real failure: the mailbox is missing or already claimed.
func isNoWork(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EBUSY)
}
