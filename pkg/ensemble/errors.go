package ensemble

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidYAML indicates YAML decoding failed
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates the document violated the ensemble schema
	ErrValidationFailed = errors.New("ensemble validation failed")

	// ErrInvalidReference indicates a malformed agent reference
	ErrInvalidReference = errors.New("invalid agent reference")

	// ErrUnknownAgent indicates a flow step references an agent that is not
	// available in the registry or the user-registered map
	ErrUnknownAgent = errors.New("unknown agent reference")
)

// Issue is a single path-annotated validation problem.
type Issue struct {
	Path   string
	Reason string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Path, i.Reason)
}

// ParseError reports why an ensemble document could not be turned into a
// valid Ensemble. Ensemble is the document's name, or "unknown" when the
// name itself could not be read.
type ParseError struct {
	Ensemble string
	Issues   []Issue
	Err      error
}

// Error returns the issue summary, one "path: reason" line per issue.
func (e *ParseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ensemble %q: parse failed", e.Ensemble)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	for _, issue := range e.Issues {
		b.WriteString("\n  ")
		b.WriteString(issue.String())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *ParseError) Unwrap() error {
	return e.Err
}

func newParseError(name string, issues []Issue, err error) *ParseError {
	if name == "" {
		name = "unknown"
	}
	return &ParseError{Ensemble: name, Issues: issues, Err: err}
}
