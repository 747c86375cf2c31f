package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bturcanu/toolmesh/pkg/dictionary"
	"github.com/bturcanu/toolmesh/pkg/tool"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateRegistered State = iota
	StateInitialized
	StateTargetScoped
	StateToolResolved
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateInitialized:
		return "initialized"
	case StateTargetScoped:
		return "target_scoped"
	case StateToolResolved:
		return "tool_resolved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session binds one connector to one deployment configuration and one
// (user, encryption-context) pair. Sessions never move back to Registered.
type Session interface {
	Info() Info
	State() State

	// Initialize resolves secrets. Calling it again logs a warning and does
	// nothing.
	Initialize(ctx context.Context, encryptionKey, userToken string) error

	// Available reports whether usable secrets were resolved.
	Available() bool

	CheckConnection(ctx context.Context) bool
	QueryTargetOptions(ctx context.Context) (*QueryTargetOptions, error)

	// Tools decodes target into the connector's query-target type and
	// returns the tools scoped to it.
	Tools(ctx context.Context, target json.RawMessage, cache any) ([]*tool.Tool, error)

	MergeDataDictionary(ctx context.Context, existing []dictionary.Path, prefix []string) ([]dictionary.Path, error)
}

type session[C any, Q QueryTarget, S any] struct {
	conn *Connector[C, Q, S]
	cfg  C
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	secrets *S
}

func (s *session[C, Q, S]) Info() Info { return s.conn.Info() }

func (s *session[C, Q, S]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session[C, Q, S]) Initialize(ctx context.Context, encryptionKey, userToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRegistered {
		s.log.WarnContext(ctx, "connector session already initialized, ignoring", "state", s.state.String())
		return nil
	}
	secrets, err := s.conn.GetSecrets(ctx, s.cfg, encryptionKey, userToken)
	if err != nil {
		return err
	}
	s.secrets = secrets
	s.state = StateInitialized
	if secrets == nil {
		s.log.InfoContext(ctx, "connector not configured for this session")
	}
	return nil
}

func (s *session[C, Q, S]) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state >= StateInitialized && s.secrets != nil
}

// resolved returns the secrets or the reason they cannot be used.
func (s *session[C, Q, S]) resolved() (S, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero S
	if s.state == StateRegistered {
		return zero, ErrNotInitialized
	}
	if s.secrets == nil {
		return zero, ErrUnavailable
	}
	return *s.secrets, nil
}

func (s *session[C, Q, S]) advance(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to > s.state {
		s.state = to
	}
}

func (s *session[C, Q, S]) CheckConnection(ctx context.Context) (ok bool) {
	secrets, err := s.resolved()
	if err != nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "connection check panicked", "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	return s.conn.CheckConnection(ctx, s.cfg, secrets)
}

func (s *session[C, Q, S]) QueryTargetOptions(ctx context.Context) (*QueryTargetOptions, error) {
	secrets, err := s.resolved()
	if err != nil {
		return nil, err
	}
	return s.conn.GetQueryTargetOptions(ctx, s.cfg, secrets)
}

func (s *session[C, Q, S]) Tools(ctx context.Context, rawTarget json.RawMessage, cache any) ([]*tool.Tool, error) {
	secrets, err := s.resolved()
	if err != nil {
		return nil, err
	}
	var target Q
	if len(rawTarget) > 0 {
		if err := json.Unmarshal(rawTarget, &target); err != nil {
			return nil, &TargetError{Reason: "cannot decode target: " + err.Error()}
		}
	}
	s.advance(StateTargetScoped)

	tools, err := s.conn.GetTools(ctx, s.cfg, target, secrets, cache)
	if err != nil {
		return nil, err
	}
	for _, t := range tools {
		if t.Connector() != s.conn.ID {
			return nil, fmt.Errorf("connectors: tool %q belongs to %q, not %q", t.Name(), t.Connector(), s.conn.ID)
		}
	}
	s.advance(StateToolResolved)
	return tools, nil
}

func (s *session[C, Q, S]) MergeDataDictionary(ctx context.Context, existing []dictionary.Path, prefix []string) ([]dictionary.Path, error) {
	if s.conn.MergeDataDictionary == nil {
		return nil, ErrNotSupported
	}
	secrets, err := s.resolved()
	if err != nil {
		return nil, err
	}
	return s.conn.MergeDataDictionary(ctx, s.cfg, secrets, existing, prefix)
}
