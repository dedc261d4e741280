package output

import (
	"encoding/json"
	"io"
	"os"
	"time"
)

// JSON outputs data as JSON to the formatter's writer
func (f *Formatter) JSON(v interface{}) error {
	return WriteJSON(f.writer, v, f.pretty)
}

// WriteJSON writes data as JSON to the given writer
func WriteJSON(w io.Writer, v interface{}, pretty bool) error {
	encoder := json.NewEncoder(w)
	if pretty {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(v)
}

// PrintJSON writes data as JSON to stdout
func PrintJSON(v interface{}) error {
	return WriteJSON(os.Stdout, v, true)
}

// FormatTime formats a time for JSON output as ISO 8601
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ErrorResponse is the standard JSON error format
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

// SuccessResponse is a simple success indicator
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// NewError creates a new error response
func NewError(msg string) ErrorResponse {
	return ErrorResponse{Error: msg}
}

// NewErrorWithHint creates a new error response with a remediation hint
func NewErrorWithHint(msg, hint string) ErrorResponse {
	return ErrorResponse{Error: msg, Hint: hint}
}

// NewSuccess creates a new success response
func NewSuccess(msg string) SuccessResponse {
	return SuccessResponse{Success: true, Message: msg}
}
