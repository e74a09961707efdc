package flow

import (
	"errors"
	"fmt"
	"strings"
)

// Parse error kinds.
var (
	ErrMissingField    = errors.New("missing field")
	ErrInvalidType     = errors.New("invalid type")
	ErrEmptyCollection = errors.New("empty collection")
)

// Validation error kinds.
var (
	ErrUnknownStartStep     = errors.New("unknown start step")
	ErrDanglingReference    = errors.New("dangling reference")
	ErrDuplicateStepID      = errors.New("duplicate step id")
	ErrDuplicateOptionValue = errors.New("duplicate option value")
	ErrInputlessCycle       = errors.New("cycle without input step")
)

// Execution error kinds.
var (
	ErrUnrecognizedChoice = errors.New("unrecognized choice")
	ErrUnknownStep        = errors.New("unknown step")
	ErrChainLimit         = errors.New("auto-chain limit exceeded")
	ErrConversationEnded  = errors.New("conversation already complete")
	ErrUnsupportedStep    = errors.New("unsupported step type")
)

// ParseError describes why a raw flow document could not be parsed.
// Kind is one of ErrMissingField, ErrInvalidType or ErrEmptyCollection.
type ParseError struct {
	Kind   error
	Field  string
	StepID string
	Index  int // position of the step in the document, -1 for document-level fields
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Field != "" {
		fmt.Fprintf(&b, " %q", e.Field)
	}
	switch {
	case e.StepID != "":
		fmt.Fprintf(&b, " in step %q", e.StepID)
	case e.Index >= 0:
		fmt.Fprintf(&b, " in steps[%d]", e.Index)
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Kind }

// ValidationError describes a structural problem in a parsed flow.
type ValidationError struct {
	Kind   error
	StepID string
	Target string
}

func (e *ValidationError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrDanglingReference):
		return fmt.Sprintf("%s: step %q references missing step %q", e.Kind, e.StepID, e.Target)
	case errors.Is(e.Kind, ErrDuplicateOptionValue):
		return fmt.Sprintf("%s: step %q has option value %q more than once", e.Kind, e.StepID, e.Target)
	case errors.Is(e.Kind, ErrInputlessCycle):
		return fmt.Sprintf("%s: %s", e.Kind, e.Target)
	default:
		return fmt.Sprintf("%s: %q", e.Kind, e.StepID)
	}
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// ExecError is carried by failure results. Kind is one of the execution error
// kinds above.
type ExecError struct {
	Kind   error
	StepID string
	Input  string
}

func (e *ExecError) Error() string {
	if errors.Is(e.Kind, ErrUnrecognizedChoice) {
		return fmt.Sprintf("%s %q at step %q", e.Kind, e.Input, e.StepID)
	}
	if e.StepID == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %q", e.Kind, e.StepID)
}

func (e *ExecError) Unwrap() error { return e.Kind }

// IsUserError reports whether err is an expected, recoverable user mistake
// that should be answered with a re-prompt rather than logged as a failure.
func IsUserError(err error) bool {
	return errors.Is(err, ErrUnrecognizedChoice)
}
