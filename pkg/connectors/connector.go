// Package connectors defines the composition contract every vendor
// integration satisfies and the registry the dispatcher resolves them from.
package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bturcanu/toolmesh/pkg/dictionary"
	"github.com/bturcanu/toolmesh/pkg/tool"
)

var (
	// ErrUnavailable is returned when a connector has no usable secrets for
	// the current session.
	ErrUnavailable = errors.New("connectors: connector unavailable: no usable credentials")
	// ErrNotSupported is returned for optional operations a connector omits.
	ErrNotSupported = errors.New("connectors: operation not supported")
	// ErrUnknownConnector is returned by Registry.Get for an unregistered id.
	ErrUnknownConnector = errors.New("connectors: unknown connector")
	// ErrNotInitialized is returned when a session is used before Initialize.
	ErrNotInitialized = errors.New("connectors: session not initialized")
)

// Info is the static, serializable description of a connector.
type Info struct {
	ID                 string `json:"id"`
	DisplayName        string `json:"display_name"`
	Description        string `json:"description,omitempty"`
	SupportsDictionary bool   `json:"supports_dictionary"`
}

// Connector is the registration record of one vendor integration. C is the
// deployment configuration, Q the query-target type and S the resolved
// secrets bundle. A Connector is built once at startup and never mutated.
type Connector[C any, Q QueryTarget, S any] struct {
	ID          string
	DisplayName string
	Description string

	// GetSecrets resolves credentials. A userToken, when given, takes
	// precedence over stored secrets. It returns nil, nil when the connector
	// is not configured.
	GetSecrets func(ctx context.Context, cfg C, encryptionKey, userToken string) (*S, error)

	// GetTools is the only place Tools are built. The result must be scoped
	// to target.
	GetTools func(ctx context.Context, cfg C, target Q, secrets S, cache any) ([]*tool.Tool, error)

	// CheckConnection is a side-effect-free check. Failures return false.
	CheckConnection func(ctx context.Context, cfg C, secrets S) bool

	// GetQueryTargetOptions enumerates the legal scoping dimensions and their
	// current values.
	GetQueryTargetOptions func(ctx context.Context, cfg C, secrets S) (*QueryTargetOptions, error)

	// MergeDataDictionary is optional. It walks the vendor namespace and
	// reconciles it against existing descriptions.
	MergeDataDictionary func(ctx context.Context, cfg C, secrets S, existing []dictionary.Path, prefix []string) ([]dictionary.Path, error)
}

// Registration is the type-erased view of a Connector held by the Registry.
type Registration interface {
	Info() Info
	SupportsDataDictionary() bool
	// NewSession decodes a deployment configuration and returns a session in
	// the Registered state.
	NewSession(rawConfig json.RawMessage, log *slog.Logger) (Session, error)
}

func (c *Connector[C, Q, S]) Info() Info {
	return Info{
		ID:                 c.ID,
		DisplayName:        c.DisplayName,
		Description:        c.Description,
		SupportsDictionary: c.SupportsDataDictionary(),
	}
}

func (c *Connector[C, Q, S]) SupportsDataDictionary() bool {
	return c.MergeDataDictionary != nil
}

func (c *Connector[C, Q, S]) NewSession(rawConfig json.RawMessage, log *slog.Logger) (Session, error) {
	var cfg C
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("connectors.NewSession %s decode config: %w", c.ID, err)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &session[C, Q, S]{
		conn: c,
		cfg:  cfg,
		log:  log.With("connector", c.ID),
	}, nil
}

// validate checks that every required function is present.
func (c *Connector[C, Q, S]) validate() error {
	var missing []string
	if c.GetSecrets == nil {
		missing = append(missing, "GetSecrets")
	}
	if c.GetTools == nil {
		missing = append(missing, "GetTools")
	}
	if c.CheckConnection == nil {
		missing = append(missing, "CheckConnection")
	}
	if c.GetQueryTargetOptions == nil {
		missing = append(missing, "GetQueryTargetOptions")
	}
	if len(missing) > 0 {
		return fmt.Errorf("connectors: %q missing %v", c.ID, missing)
	}
	return nil
}
