package evidence

import (
	"context"
	"log/slog"

	"github.com/bturcanu/toolmesh/pkg/types"
)

// Sink is the persistence side of a Logger; *Store implements it.
type Sink interface {
	Record(ctx context.Context, rec *types.InvocationRecord) error
	CheckIdempotency(ctx context.Context, tenantID, key string) (*types.InvokeResponse, error)
}

// Logger writes records to a Sink and emits a structured log line for each.
type Logger struct {
	sink Sink
	log  *slog.Logger
}

func NewLogger(sink Sink, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{sink: sink, log: log}
}

// Record persists and logs the invocation.
func (l *Logger) Record(ctx context.Context, rec *types.InvocationRecord) error {
	if err := l.sink.Record(ctx, rec); err != nil {
		l.log.ErrorContext(ctx, "evidence record failed",
			"event_id", rec.EventID,
			"tenant_id", rec.Request.TenantID,
			"error", err,
		)
		return err
	}

	attrs := []any{
		"event_id", rec.EventID,
		"tenant_id", rec.Request.TenantID,
		"agent_id", rec.Request.AgentID,
		"deployment_id", rec.Request.DeploymentID,
		"tool", rec.Request.Tool,
		"decision", string(rec.Decision),
		"hash", rec.Hash,
	}
	if res := rec.ExecutionResult; res != nil {
		attrs = append(attrs, "status", res.Status, "duration_ms", res.DurationMS)
	}
	l.log.InfoContext(ctx, "invocation recorded", attrs...)
	return nil
}

// CheckIdempotency returns a previously recorded response, if any.
func (l *Logger) CheckIdempotency(ctx context.Context, tenantID, key string) (*types.InvokeResponse, error) {
	if key == "" {
		return nil, nil
	}
	resp, err := l.sink.CheckIdempotency(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		l.log.InfoContext(ctx, "idempotency hit",
			"tenant_id", tenantID,
			"idempotency_key", key,
			"event_id", resp.EventID,
		)
	}
	return resp, nil
}
