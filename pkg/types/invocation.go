// Package types defines the request, response and audit shapes shared by the
// gateway, the dispatcher and the client SDK.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bturcanu/toolmesh/pkg/dictionary"
	"github.com/bturcanu/toolmesh/pkg/tool"
)

// ──────────────────────────────────────────────────────────────────────────────
// Limits
// ──────────────────────────────────────────────────────────────────────────────

const (
	MaxArgsBytes           = 64 * 1024 // 64 KB
	MaxTargetBytes         = 16 * 1024 // 16 KB
	MaxUserTokenBytes      = 4 * 1024
	MaxIdempotencyKeyBytes = 256
	MaxPathPrefixDepth     = 16
	MaxDescriptionBytes    = 4 * 1024
	CurrentSchemaVer       = "1.0"
)

// ──────────────────────────────────────────────────────────────────────────────
// InvokeRequest: the payload sent by an agent to run one tool.
// ──────────────────────────────────────────────────────────────────────────────

type InvokeRequest struct {
	// Identity; TenantID is filled from the authenticated API key.
	TenantID string `json:"tenant_id,omitempty"`
	AgentID  string `json:"agent_id"`
	UserID   string `json:"user_id,omitempty"`

	// Scope and inputs
	Target json.RawMessage `json:"target,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`

	// UserToken overrides the deployment's stored credential. It is never
	// recorded.
	UserToken string `json:"user_token,omitempty"`

	// Metadata
	SessionID string `json:"session_id,omitempty"`
	SourceIP  string `json:"source_ip,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	// Control
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
	SchemaVersion  string    `json:"schema_version"`
}

// NormalizeAndValidate trims identifiers, enforces size limits and fills
// defaults.
func (r *InvokeRequest) NormalizeAndValidate() error {
	r.AgentID = strings.TrimSpace(r.AgentID)
	r.UserID = strings.TrimSpace(r.UserID)

	if r.TenantID == "" {
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	}
	if r.AgentID == "" {
		return &ValidationError{Field: "agent_id", Reason: "required"}
	}
	if len(r.IdempotencyKey) > MaxIdempotencyKeyBytes {
		return &ValidationError{Field: "idempotency_key", Reason: fmt.Sprintf("exceeds %d bytes", MaxIdempotencyKeyBytes)}
	}
	if len(r.Args) > MaxArgsBytes {
		return &ValidationError{Field: "args", Reason: fmt.Sprintf("exceeds %d bytes", MaxArgsBytes)}
	}
	if !isObjectOrNull(r.Args) {
		return &ValidationError{Field: "args", Reason: "must be a JSON object"}
	}
	if err := validateScope(r.Target, r.UserToken); err != nil {
		return err
	}
	if r.SchemaVersion == "" {
		r.SchemaVersion = CurrentSchemaVer
	} else if r.SchemaVersion != CurrentSchemaVer {
		return &ValidationError{Field: "schema_version", Reason: fmt.Sprintf("unsupported version %q, expected %q", r.SchemaVersion, CurrentSchemaVer)}
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now().UTC()
	}
	return nil
}

// Payload returns the audited part of the request. The user token is
// deliberately absent.
func (r *InvokeRequest) Payload(deploymentID, connector, toolName string) InvocationPayload {
	return InvocationPayload{
		TenantID:       r.TenantID,
		AgentID:        r.AgentID,
		UserID:         r.UserID,
		DeploymentID:   deploymentID,
		Connector:      connector,
		Tool:           toolName,
		Target:         r.Target,
		Args:           r.Args,
		SessionID:      r.SessionID,
		SourceIP:       r.SourceIP,
		TraceID:        r.TraceID,
		IdempotencyKey: r.IdempotencyKey,
		RequestedAt:    r.RequestedAt,
	}
}

// ToolsRequest asks for the tools of a deployment scoped to a target.
type ToolsRequest struct {
	Target    json.RawMessage `json:"target,omitempty"`
	UserToken string          `json:"user_token,omitempty"`
}

func (r *ToolsRequest) Validate() error {
	return validateScope(r.Target, r.UserToken)
}

// DictionaryRequest asks for a dictionary merge under an optional prefix.
type DictionaryRequest struct {
	PathPrefix []string `json:"path_prefix,omitempty"`
	UserToken  string   `json:"user_token,omitempty"`
}

func (r *DictionaryRequest) Validate() error {
	if len(r.PathPrefix) > MaxPathPrefixDepth {
		return &ValidationError{Field: "path_prefix", Reason: fmt.Sprintf("exceeds %d segments", MaxPathPrefixDepth)}
	}
	for _, seg := range r.PathPrefix {
		if seg == "" {
			return &ValidationError{Field: "path_prefix", Reason: "segments must be non-empty"}
		}
	}
	return validateScope(nil, r.UserToken)
}

// DescribePathRequest annotates one stored dictionary path.
type DescribePathRequest struct {
	Segments    []string `json:"segments"`
	Description string   `json:"description"`
}

func (r *DescribePathRequest) Validate() error {
	if len(r.Segments) == 0 {
		return &ValidationError{Field: "segments", Reason: "required"}
	}
	if len(r.Segments) > MaxPathPrefixDepth {
		return &ValidationError{Field: "segments", Reason: fmt.Sprintf("exceeds %d segments", MaxPathPrefixDepth)}
	}
	for _, seg := range r.Segments {
		if seg == "" {
			return &ValidationError{Field: "segments", Reason: "segments must be non-empty"}
		}
	}
	if len(r.Description) > MaxDescriptionBytes {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("exceeds %d bytes", MaxDescriptionBytes)}
	}
	return nil
}

// CheckRequest runs a connectivity check, optionally with a user token.
type CheckRequest struct {
	UserToken string `json:"user_token,omitempty"`
}

func validateScope(target json.RawMessage, userToken string) error {
	if len(target) > MaxTargetBytes {
		return &ValidationError{Field: "target", Reason: fmt.Sprintf("exceeds %d bytes", MaxTargetBytes)}
	}
	if !isObjectOrNull(target) {
		return &ValidationError{Field: "target", Reason: "must be a JSON object"}
	}
	if len(userToken) > MaxUserTokenBytes {
		return &ValidationError{Field: "user_token", Reason: fmt.Sprintf("exceeds %d bytes", MaxUserTokenBytes)}
	}
	return nil
}

func isObjectOrNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	return trimmed[0] == '{' && json.Valid(trimmed)
}

// ──────────────────────────────────────────────────────────────────────────────
// InvocationRecord: the audited envelope of one invocation.
// ──────────────────────────────────────────────────────────────────────────────

// InvocationPayload is the canonicalized, hash-chained part of a record.
type InvocationPayload struct {
	TenantID       string          `json:"tenant_id"`
	AgentID        string          `json:"agent_id"`
	UserID         string          `json:"user_id,omitempty"`
	DeploymentID   string          `json:"deployment_id"`
	Connector      string          `json:"connector"`
	Tool           string          `json:"tool"`
	Target         json.RawMessage `json:"target,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	SourceIP       string          `json:"source_ip,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RequestedAt    time.Time       `json:"requested_at"`
}

type InvocationRecord struct {
	EventID      string            `json:"event_id"`
	Request      InvocationPayload `json:"request"`
	PayloadCanon []byte            `json:"payload_canon"`
	ReceivedAt   time.Time         `json:"received_at"`

	Decision     Decision      `json:"decision"`
	PolicyResult *PolicyResult `json:"policy_result,omitempty"`

	ExecutionResult *ExecutionResult `json:"execution_result,omitempty"`

	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Policy I/O
// ──────────────────────────────────────────────────────────────────────────────

type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// PolicyInput is sent to OPA for evaluation.
type PolicyInput struct {
	Invocation  InvocationPayload `json:"invocation"`
	Environment PolicyEnvironment `json:"environment"`
}

type PolicyEnvironment struct {
	Timestamp    time.Time         `json:"timestamp"`
	TenantConfig map[string]string `json:"tenant_config,omitempty"`
}

// PolicyResult is what OPA returns.
type PolicyResult struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Execution result
// ──────────────────────────────────────────────────────────────────────────────

const (
	StatusSuccess      = "success"
	StatusInvalidInput = "invalid_input"
	StatusTimeout      = "timeout"
	StatusError        = "error"
)

type ExecutionResult struct {
	Status     string          `json:"status"`
	OutputJSON json.RawMessage `json:"output_json,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// StatusFor maps a tool error kind to an execution status.
func StatusFor(k tool.Kind) string {
	switch k {
	case tool.KindNone:
		return StatusSuccess
	case tool.KindInvalidInput:
		return StatusInvalidInput
	case tool.KindTimeout:
		return StatusTimeout
	default:
		return StatusError
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// API responses
// ──────────────────────────────────────────────────────────────────────────────

type InvokeResponse struct {
	EventID  string       `json:"event_id"`
	Decision Decision     `json:"decision"`
	Reason   string       `json:"reason,omitempty"`
	Output   *tool.Output `json:"output,omitempty"`
	Replayed bool         `json:"replayed,omitempty"`

	// Status is the execution status; empty when policy denied the call.
	// Error is the recorded failure message on a replay.
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

type ToolsResponse struct {
	DeploymentID string             `json:"deployment_id"`
	Connector    string             `json:"connector"`
	Tools        []tool.Declaration `json:"tools"`
}

type CheckResponse struct {
	DeploymentID string `json:"deployment_id"`
	OK           bool   `json:"ok"`
}

type DictionaryResponse struct {
	DeploymentID string            `json:"deployment_id"`
	Paths        []dictionary.Path `json:"paths"`
}

// DeploymentInfo is the public view of a configured deployment.
type DeploymentInfo struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Connector string `json:"connector"`
}
