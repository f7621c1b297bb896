package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the document or a scenario failed verification, or sync stopped
	ExitCommandError = 2 // the command could not run: bad flags, unreadable keys, missing database
)

// Codes reported in CLIError.Code. E0xx are input problems, E2xx are
// document problems and E3xx are scenario runs.
const (
	ErrCodeKeys        = "E003"
	ErrCodeStore       = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeWriteFailed = "E007"

	ErrCodeChainBroken = "E201"
	ErrCodeSync        = "E203"

	ErrCodeTestFailed = "E301"
)

// ExitError carries the process exit code a command failed with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without an underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError that unwraps to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors that are not
// ExitErrors exit with ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or as one JSON object per
// call. Diagnostics go to ErrWriter so JSON on Writer stays parseable.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool

	// DocumentID is echoed in JSON responses when set.
	DocumentID string
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status     string    `json:"status"` // "ok" or "error"
	Data       any       `json:"data,omitempty"`
	Error      *CLIError `json:"error,omitempty"`
	DocumentID string    `json:"document_id,omitempty"`
}

// CLIError describes a failed command in a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func (f *OutputFormatter) isJSON() bool { return f.Format == "json" }

func (f *OutputFormatter) respond(resp CLIResponse) error {
	resp.DocumentID = f.DocumentID
	return json.NewEncoder(f.Writer).Encode(resp)
}

// Success reports data. Text output prints data with its default format.
func (f *OutputFormatter) Success(data any) error {
	if f.isJSON() {
		return f.respond(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error reports a failure. Text output shows details only when verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.isJSON() {
		return f.respond(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog prints a diagnostic line when verbose output is on.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if f.Verbose {
		fmt.Fprintf(f.diag(), format+"\n", args...)
	}
}

func (f *OutputFormatter) diag() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
