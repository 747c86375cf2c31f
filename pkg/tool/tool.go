// Package tool turns typed callables into independently invocable Tools with
// a derived input contract, a bounded execution time and a normalized output.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

// DefaultTimeout bounds a Tool invocation unless WithTimeout overrides it.
const DefaultTimeout = 60 * time.Second

// Specialization advertises extra capability metadata for a Tool.
type Specialization struct {
	// Guidance is appended to the tool description shown to agents.
	Guidance string
	// DatasetPaths lists the hierarchical dataset paths the tool reads.
	DatasetPaths [][]string
	// FetchSchema returns the live schema of the targeted datasets.
	FetchSchema func(ctx context.Context) (any, error)
}

// Declaration is the serializable description of a Tool.
type Declaration struct {
	Name         string          `json:"name"`
	Connector    string          `json:"connector"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	Guidance     string          `json:"guidance,omitempty"`
	DatasetPaths [][]string      `json:"dataset_paths,omitempty"`
	TimeoutMS    int64           `json:"timeout_ms"`
}

type callFunc func(ctx context.Context, in any) (any, error)

// Tool is one invocable capability exposed by a connector. It is immutable
// once constructed and safe for concurrent use.
type Tool struct {
	name        string
	connector   string
	description string
	contract    *InputContract
	call        callFunc
	timeout     time.Duration
	spec        *Specialization
	log         *slog.Logger
}

// Option configures a Tool at construction.
type Option func(*Tool)

// WithTimeout sets the execution bound. Zero or negative means unbounded.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d < 0 {
			d = 0
		}
		t.timeout = d
	}
}

// WithSpecialization attaches capability metadata.
func WithSpecialization(s Specialization) Option {
	return func(t *Tool) {
		t.spec = &s
	}
}

func WithDescription(d string) Option {
	return func(t *Tool) {
		t.description = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) {
		if l != nil {
			t.log = l
		}
	}
}

// New builds a Tool whose input contract is derived from In, which must be a
// struct or a pointer to a struct.
func New[In any](name, connector string, fn func(context.Context, In) (any, error), opts ...Option) (*Tool, error) {
	if fn == nil {
		return nil, &SignatureError{Tool: name, Reason: "callable is nil"}
	}
	contract, err := deriveContract(name, reflect.TypeFor[In]())
	if err != nil {
		return nil, err
	}
	call := func(ctx context.Context, in any) (any, error) {
		return fn(ctx, in.(In))
	}
	return build(name, connector, contract, call, opts), nil
}

func build(name, connector string, contract *InputContract, call callFunc, opts []Option) *Tool {
	t := &Tool{
		name:      name,
		connector: connector,
		contract:  contract,
		call:      call,
		timeout:   DefaultTimeout,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.spec != nil {
		paths := make([][]string, len(t.spec.DatasetPaths))
		for i, p := range t.spec.DatasetPaths {
			paths[i] = append([]string(nil), p...)
		}
		t.spec.DatasetPaths = paths
	}
	return t
}

func (t *Tool) Name() string                 { return t.name }
func (t *Tool) Connector() string            { return t.connector }
func (t *Tool) Description() string          { return t.description }
func (t *Tool) Contract() *InputContract     { return t.contract }
func (t *Tool) InputSchema() json.RawMessage { return t.contract.JSONSchema() }

// Timeout returns the execution bound; zero means unbounded.
func (t *Tool) Timeout() time.Duration { return t.timeout }

// Specialization returns a copy of the capability metadata, or nil.
func (t *Tool) Specialization() *Specialization {
	if t.spec == nil {
		return nil
	}
	s := *t.spec
	return &s
}

// Declaration describes the Tool for listings and LLM tool declarations.
func (t *Tool) Declaration() Declaration {
	d := Declaration{
		Name:        t.name,
		Connector:   t.connector,
		Description: t.description,
		InputSchema: t.InputSchema(),
		TimeoutMS:   t.timeout.Milliseconds(),
	}
	if t.spec != nil {
		d.Guidance = t.spec.Guidance
		d.DatasetPaths = t.spec.DatasetPaths
	}
	return d
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution
// ──────────────────────────────────────────────────────────────────────────────

type outcome struct {
	value any
	err   error
}

// Execute validates args against the input contract, runs the callable under
// the Tool timeout and shapes its return value.
//
// Validation failures return *ValidationError and the callable is not run.
// Expiry of the Tool timeout returns *TimeoutError. Errors returned by the
// callable are logged and returned unchanged.
func (t *Tool) Execute(ctx context.Context, args map[string]any) (*Output, error) {
	in, err := t.contract.decode(t.name, args)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if t.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %q panicked: %v", t.name, r)}
			}
		}()
		v, err := t.call(callCtx, in)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if t.expired(ctx, callCtx) {
				return nil, &TimeoutError{Tool: t.name, Timeout: t.timeout}
			}
			t.log.ErrorContext(ctx, "tool execution failed",
				"tool", t.name, "connector", t.connector, "error", o.err)
			return nil, o.err
		}
		return Shape(o.value), nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Tool: t.name, Timeout: t.timeout}
	}
}

// expired reports whether callCtx ended because of the Tool's own deadline
// rather than the caller's.
func (t *Tool) expired(parent, callCtx context.Context) bool {
	return t.timeout > 0 && parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
}

// ExecuteJSON decodes raw as a JSON object of arguments and calls Execute.
// An empty body or null is treated as no arguments.
func (t *Tool) ExecuteJSON(ctx context.Context, raw json.RawMessage) (*Output, error) {
	args := map[string]any{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			return nil, &ValidationError{
				Tool:   t.name,
				Fields: []FieldError{{Field: "input", Reason: "arguments must be a JSON object"}},
			}
		}
	}
	return t.Execute(ctx, args)
}
