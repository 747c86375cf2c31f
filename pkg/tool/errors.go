package tool

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Construction errors
// ──────────────────────────────────────────────────────────────────────────────

// SignatureError reports a callable or input type that cannot back a Tool.
type SignatureError struct {
	Tool   string
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("tool %q: invalid signature: %s", e.Tool, e.Reason)
}

// PolicyError reports an input type whose extra-field policy is not Ignore.
type PolicyError struct {
	Tool   string
	Type   string
	Policy ExtraFields
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("tool %q: input type %s declares extra-field policy %q; tool inputs must ignore unknown fields",
		e.Tool, e.Type, e.Policy)
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution errors
// ──────────────────────────────────────────────────────────────────────────────

// FieldError is a single failing input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (f FieldError) String() string {
	return fmt.Sprintf("Field '%s': %s", f.Field, f.Reason)
}

// ValidationError aggregates every field that failed the input contract.
// The bound callable is never invoked when this is returned.
type ValidationError struct {
	Tool   string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		lines[i] = f.String()
	}
	return strings.Join(lines, "\n")
}

// TimeoutError is returned when the bound callable outlives the Tool timeout.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Tool '%s' timed out after %s. Try narrowing the query scope "+
		"(fewer targets or a shorter time range) or requesting fewer results.", e.Tool, e.Timeout)
}

// ──────────────────────────────────────────────────────────────────────────────
// Classification
// ──────────────────────────────────────────────────────────────────────────────

// Kind classifies an error returned by Execute.
type Kind int

const (
	KindNone Kind = iota
	KindInvalidInput
	KindTimeout
	KindExecution
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidInput:
		return "invalid_input"
	case KindTimeout:
		return "timeout"
	default:
		return "execution"
	}
}

// KindOf classifies err. Errors raised by a connector callable are returned
// unwrapped by Execute and classify as KindExecution.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindInvalidInput
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return KindTimeout
	}
	return KindExecution
}
