// Package output provides unified output formatting for text and JSON
// output. All relay commands route their results through this package so
// that --json, piped, and interactive invocations stay consistent.
package output

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// Format represents the output format type
type Format int

const (
	// FormatText is human-readable formatted text (default)
	FormatText Format = iota
	// FormatJSON is machine-readable JSON output
	FormatJSON
)

// String returns the string representation of the format
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	default:
		return "text"
	}
}

// Formatter handles output formatting for commands
type Formatter struct {
	format Format
	writer io.Writer
	pretty bool // For JSON: whether to indent
}

// New creates a new Formatter with the given options
func New(opts ...Option) *Formatter {
	f := &Formatter{
		format: FormatText,
		writer: os.Stdout,
		pretty: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Option is a functional option for Formatter
type Option func(*Formatter)

// WithFormat sets the output format
func WithFormat(format Format) Option {
	return func(f *Formatter) {
		f.format = format
	}
}

// WithJSON sets the output format to JSON
func WithJSON(enabled bool) Option {
	return func(f *Formatter) {
		if enabled {
			f.format = FormatJSON
		} else {
			f.format = FormatText
		}
	}
}

// WithWriter sets the output writer
func WithWriter(w io.Writer) Option {
	return func(f *Formatter) {
		f.writer = w
	}
}

// WithPretty sets whether JSON should be indented
func WithPretty(pretty bool) Option {
	return func(f *Formatter) {
		f.pretty = pretty
	}
}

// Format returns the current output format
func (f *Formatter) Format() Format {
	return f.format
}

// IsJSON returns true if the output format is JSON
func (f *Formatter) IsJSON() bool {
	return f.format == FormatJSON
}

// Writer returns the output writer
func (f *Formatter) Writer() io.Writer {
	return f.writer
}

// Result represents a command result that can be output in multiple formats
type Result interface {
	// Text returns the text representation
	Text(w io.Writer) error
	// JSON returns the JSON-serializable data
	JSON() interface{}
}

// Output writes a Result in the appropriate format
func (f *Formatter) Output(r Result) error {
	if f.IsJSON() {
		return f.JSON(r.JSON())
	}
	return r.Text(f.writer)
}

// OutputData outputs either JSON or calls the text function
func (f *Formatter) OutputData(jsonData interface{}, textFn func(w io.Writer) error) error {
	if f.IsJSON() {
		return f.JSON(jsonData)
	}
	return textFn(f.writer)
}

// DefaultFormatter returns a formatter based on the JSON flag
func DefaultFormatter(jsonFlag bool) *Formatter {
	return New(WithJSON(jsonFlag))
}

// DetectFormat determines the output format based on environment.
// Priority: explicit flag > env var > pipe detection > default text
func DetectFormat(jsonFlag bool) Format {
	if jsonFlag {
		return FormatJSON
	}

	// RELAY_OUTPUT_FORMAT supports "json" and "text".
	switch os.Getenv("RELAY_OUTPUT_FORMAT") {
	case "json", "JSON":
		return FormatJSON
	case "text", "TEXT":
		return FormatText
	}

	// Piped stdout gets JSON so that relay agents | jq . works.
	if !IsTerminal() {
		return FormatJSON
	}

	return FormatText
}

// IsTerminal returns true if stdout is a terminal
func IsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
