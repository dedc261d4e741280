package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultLogPath is the default location for the events log.
	DefaultLogPath = "~/.config/relay/events.jsonl"

	// DefaultRetentionDays is the number of days to retain log entries.
	DefaultRetentionDays = 30

	// RotationCheckInterval is how often to check for rotation (in events).
	RotationCheckInterval = 100
)

// Logger writes events to a JSONL file with automatic rotation.
type Logger struct {
	path          string
	retentionDays int
	enabled       bool
	mu            sync.Mutex
	file          *os.File
	eventCount    int
	lastRotation  time.Time
}

// LoggerOptions configures the event logger.
type LoggerOptions struct {
	Path          string
	RetentionDays int
	Enabled       bool
}

// DefaultOptions returns the default logger options.
func DefaultOptions() LoggerOptions {
	return LoggerOptions{
		Path:          expandPath(DefaultLogPath),
		RetentionDays: DefaultRetentionDays,
		Enabled:       true,
	}
}

// NewLogger creates a new event logger.
func NewLogger(opts LoggerOptions) (*Logger, error) {
	if opts.Path == "" {
		opts.Path = expandPath(DefaultLogPath)
	}
	if opts.RetentionDays == 0 {
		opts.RetentionDays = DefaultRetentionDays
	}

	l := &Logger{
		path:          opts.Path,
		retentionDays: opts.RetentionDays,
		enabled:       opts.Enabled,
		lastRotation:  time.Now(),
	}

	if !l.enabled {
		return l, nil
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	l.file = f

	return l, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	if !l.enabled || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}

	l.eventCount++

	if l.eventCount%RotationCheckInterval == 0 {
		go l.maybeRotate()
	}

	return nil
}

// LogEvent is a convenience method to create and log an event in one call.
func (l *Logger) LogEvent(eventType EventType, agent string, data interface{}) error {
	event := NewEvent(eventType, agent, ToMap(data))
	return l.Log(event)
}

// LogBusEvent persists a bus event, flattening its JSON form into the event
// data map. Subscribing this to a bus gives the daemon its JSONL audit
// trail.
func (l *Logger) LogBusEvent(e BusEvent) error {
	if !l.enabled {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling bus event: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("flattening bus event: %w", err)
	}
	// The envelope fields live on Event itself.
	delete(data, "type")
	delete(data, "timestamp")
	delete(data, "agent")
	return l.Log(NewEvent(EventType(e.EventType()), e.EventAgent(), data))
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// maybeRotate checks if rotation is needed and performs it.
func (l *Logger) maybeRotate() {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Only rotate once per day at most (check under lock to avoid TOCTOU)
	if time.Since(l.lastRotation) < 24*time.Hour {
		return
	}

	l.lastRotation = time.Now()

	if err := l.rotateOldEntries(); err != nil {
		fmt.Fprintf(os.Stderr, "event log rotation error: %v\n", err)
	}
}

// rotateOldEntries removes entries older than retention period using streaming.
func (l *Logger) rotateOldEntries() error {
	tmpFile, err := os.CreateTemp(filepath.Dir(l.path), "events-rotate-*.jsonl")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	// l.file is the append handle; rotation reads through a separate handle.
	srcFile, err := os.Open(l.path)
	if err != nil {
		tmpFile.Close()
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening source file: %w", err)
	}
	defer srcFile.Close()

	cutoff := time.Now().AddDate(0, 0, -l.retentionDays)
	scanner := bufio.NewScanner(srcFile)
	writer := bufio.NewWriter(tmpFile)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			// Keep malformed entries
			if _, err := writer.Write(line); err != nil {
				tmpFile.Close()
				return err
			}
			writer.WriteByte('\n')
			continue
		}

		if event.Timestamp.After(cutoff) {
			if _, err := writer.Write(line); err != nil {
				tmpFile.Close()
				return err
			}
			writer.WriteByte('\n')
		}
	}

	if err := scanner.Err(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("scanning log file: %w", err)
	}

	if err := writer.Flush(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("flushing temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	// Rename temp to target (atomic replace)
	if err := os.Rename(tmpPath, l.path); err != nil {
		if f, openErr := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); openErr == nil {
			l.file = f
		}
		return fmt.Errorf("renaming temp file: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("reopening log file: %w", err)
	}
	l.file = f

	return nil
}

// expandPath expands ~ in a path to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// Global logger instance
var (
	globalLogger     *Logger
	globalLoggerOnce sync.Once
)

// DefaultLogger returns the global default logger instance.
func DefaultLogger() *Logger {
	globalLoggerOnce.Do(func() {
		var err error
		globalLogger, err = NewLogger(DefaultOptions())
		if err != nil {
			// If we can't create the logger, create a disabled one
			globalLogger = &Logger{enabled: false}
		}
	})
	return globalLogger
}

// Emit logs an event using the default logger.
func Emit(eventType EventType, agent string, data interface{}) {
	DefaultLogger().LogEvent(eventType, agent, data)
}

// EmitDelivery logs a message delivery event.
func EmitDelivery(agent, messageID, from, thread string, seq uint64) {
	Emit(EventMessageDelivered, agent, MessageData{
		MessageID: messageID,
		From:      from,
		To:        agent,
		Thread:    thread,
		Seq:       seq,
	})
}

// EmitStuck logs an agent stuck event.
func EmitStuck(agent, reason, details string, idle time.Duration) {
	Emit(EventAgentStuck, agent, StuckData{
		Reason:  reason,
		Details: details,
		IdleSec: int(idle.Seconds()),
	})
}

// EmitError logs an error event.
func EmitError(agent, errorType, message string) {
	Emit(EventError, agent, ErrorData{
		ErrorType: errorType,
		Message:   message,
	})
}
