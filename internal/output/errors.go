package output

import (
	"fmt"
	"strings"
)

// CLIError represents a structured CLI error with remediation hints.
type CLIError struct {
	Message string // What failed
	Cause   string // Why it failed (optional)
	Hint    string // Fastest command/action to fix it (optional)
	Code    string // Error code for programmatic handling (optional)
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	return e.Message
}

// NewCLIError creates a new CLI error with just a message.
func NewCLIError(msg string) *CLIError {
	return &CLIError{Message: msg}
}

// WithCause adds a cause to the error.
func (e *CLIError) WithCause(cause string) *CLIError {
	e.Cause = cause
	return e
}

// WithHint adds a remediation hint to the error.
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

// WithCode adds an error code to the error.
func (e *CLIError) WithCode(code string) *CLIError {
	e.Code = code
	return e
}

// FormatCLIError renders a CLIError for terminal output, styled when the
// terminal supports it.
func FormatCLIError(e *CLIError) string {
	styles := DefaultStyles()

	var sb strings.Builder
	sb.WriteString(styles.Error.Render("error:"))
	sb.WriteString(" ")
	sb.WriteString(e.Message)
	sb.WriteString("\n")
	if e.Cause != "" {
		fmt.Fprintf(&sb, "  %s %s\n", styles.Muted.Render("cause:"), e.Cause)
	}
	if e.Hint != "" {
		fmt.Fprintf(&sb, "  %s %s\n", styles.Info.Render("hint:"), e.Hint)
	}
	return sb.String()
}

// JSON returns the machine-readable form of the error.
func (e *CLIError) JSON() ErrorResponse {
	return ErrorResponse{Error: e.Message, Code: e.Code, Hint: e.Hint}
}
