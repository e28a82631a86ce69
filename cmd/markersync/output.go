package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/markersync/markersync/internal/geo"
	"github.com/markersync/markersync/pkg/core"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failed (remote error, rejected change)
	ExitCommandError = 2 // Command error (bad flags, unreadable config)
)

// ExitError represents an error with a specific exit code.
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

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, core.ErrValidation) {
		return ExitCommandError
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
}

// CLIResponse is the JSON envelope of every command result.
type CLIResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}

	switch v := data.(type) {
	case core.Record:
		return f.records([]core.Record{v})
	case []core.Record:
		return f.records(v)
	case nil:
		return nil
	default:
		_, err := fmt.Fprintln(f.Writer, v)
		return err
	}
}

// Event writes one line per replica change.
func (f *OutputFormatter) Event(kind string, rec *core.Record, id string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(struct {
			Kind   string       `json:"kind"`
			ID     string       `json:"id,omitempty"`
			Record *core.Record `json:"record,omitempty"`
		}{kind, id, rec})
	}
	if rec == nil {
		_, err := fmt.Fprintf(f.Writer, "%-7s %s\n", kind, id)
		return err
	}
	_, err := fmt.Fprintf(f.Writer, "%-7s %s\n", kind, recordLine(*rec))
	return err
}

func (f *OutputFormatter) records(recs []core.Record) error {
	if len(recs) == 0 {
		_, err := fmt.Fprintln(f.Writer, "No markers.")
		return err
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPOSITION\tLABEL\tVISIBILITY\tOWNER\tATTACHMENT")
	for _, r := range recs {
		att := "-"
		if r.Attachment != nil {
			att = r.Attachment.URL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, geo.Format(r.Position), r.Label, r.Visibility, r.OwnerID, att)
	}
	return tw.Flush()
}

func recordLine(r core.Record) string {
	parts := []string{r.ID, geo.Format(r.Position), fmt.Sprintf("%q", r.Label), string(r.Visibility)}
	return strings.Join(parts, " ")
}
