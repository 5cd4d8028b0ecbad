package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/roach88/aura/internal/errs"
)

// Exit codes for the CLI's own outcomes. Domain failures exit with the
// per-kind codes of errs.ExitCode.
const (
	ExitSuccess      = errs.ExitSuccess
	ExitFailure      = errs.ExitUnknown       // golden mismatch, unmet scenario expectation
	ExitCommandError = errs.ExitConfiguration // bad flags or arguments
)

// codeCommand labels failures that carry no domain code.
const codeCommand = "CLI_COMMAND"

// ExitError is a CLI failure with the exit code the process ends with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// WrapDomainError wraps err with the exit code of its kind.
func WrapDomainError(message string, err error) *ExitError {
	return &ExitError{Code: errs.ExitCode(err), Message: message, Err: err}
}

// GetExitCode is the exit code for err: an ExitError's own, otherwise the
// code of its kind.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return errs.ExitCode(err)
}

// Response is the JSON envelope every command writes with --format json.
type Response struct {
	Status  string     `json:"status"` // "ok" | "error"
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	TraceID string     `json:"trace_id,omitempty"`
}

// ErrorBody describes a failed command. Code, Kind and Metadata come from
// the first structured error in the chain.
type ErrorBody struct {
	Code     string            `json:"code"`
	Kind     string            `json:"kind,omitempty"`
	Message  string            `json:"message"`
	ExitCode int               `json:"exit_code"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Describe renders err as an ErrorBody.
func Describe(err error) ErrorBody {
	body := ErrorBody{Code: codeCommand, Message: err.Error(), ExitCode: GetExitCode(err)}
	if e, ok := errs.As(err); ok {
		body.Code, body.Kind = string(e.Code), string(e.Kind)
		body.Metadata = maps.Clone(e.Metadata)
	}
	return body
}

// OutputFormatter writes command results as text or as a JSON Response.
// Diagnostics go to ErrWriter when set so JSON on Writer stays parseable.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
	TraceID   string
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

func (f *OutputFormatter) diagnostics() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// Success writes data.
func (f *OutputFormatter) Success(data any) error {
	if f.json() {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data, TraceID: f.TraceID})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Fail reports err. JSON output is an error Response on Writer; text goes
// to the diagnostics writer, with the error's metadata when verbose.
func (f *OutputFormatter) Fail(err error) error {
	body := Describe(err)
	if f.json() {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "error", Error: &body, TraceID: f.TraceID})
	}
	w := f.diagnostics()
	if _, werr := fmt.Fprintf(w, "Error [%s]: %s\n", body.Code, body.Message); werr != nil {
		return werr
	}
	if !f.Verbose {
		return nil
	}
	for _, k := range slices.Sorted(maps.Keys(body.Metadata)) {
		fmt.Fprintf(w, "  %s=%s\n", k, body.Metadata[k])
	}
	return nil
}

// VerboseLog writes a diagnostic line when verbose.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.diagnostics(), format+"\n", args...)
}
