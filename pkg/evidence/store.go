package evidence

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/bturcanu/toolmesh/pkg/tool"
	"github.com/bturcanu/toolmesh/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS invocation_events (
	seq             BIGSERIAL,
	event_id        UUID PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	agent_id        TEXT NOT NULL,
	user_id         TEXT NOT NULL DEFAULT '',
	deployment_id   TEXT NOT NULL,
	connector       TEXT NOT NULL,
	tool            TEXT NOT NULL,
	payload_canon   BYTEA NOT NULL,
	decision        TEXT NOT NULL,
	policy_result   JSONB,
	idempotency_key TEXT NOT NULL DEFAULT '',
	session_id      TEXT NOT NULL DEFAULT '',
	source_ip       TEXT NOT NULL DEFAULT '',
	trace_id        TEXT NOT NULL DEFAULT '',
	received_at     TIMESTAMPTZ NOT NULL,
	requested_at    TIMESTAMPTZ NOT NULL,
	hash            TEXT NOT NULL,
	prev_hash       TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS invocation_events_idem
	ON invocation_events (tenant_id, idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS invocation_events_tenant_seq
	ON invocation_events (tenant_id, seq);
CREATE TABLE IF NOT EXISTS invocation_results (
	event_id     UUID PRIMARY KEY REFERENCES invocation_events (event_id),
	tenant_id    TEXT NOT NULL,
	status       TEXT NOT NULL,
	output_json  JSONB,
	error_msg    TEXT NOT NULL DEFAULT '',
	duration_ms  BIGINT NOT NULL,
	result_canon BYTEA NOT NULL
);
CREATE TABLE IF NOT EXISTS evidence_archive_checkpoints (
	tenant_id      TEXT PRIMARY KEY,
	archived_until TIMESTAMPTZ NOT NULL,
	last_hash      TEXT NOT NULL,
	last_seq       BIGINT NOT NULL
);`

// Store persists invocation records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the evidence tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("evidence.EnsureSchema: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Write path
// ──────────────────────────────────────────────────────────────────────────────

// Record appends rec to its tenant's hash chain and fills Hash, PrevHash and
// PayloadCanon. A per-tenant advisory lock serialises appends.
func (s *Store) Record(ctx context.Context, rec *types.InvocationRecord) error {
	canonPayload, err := CanonicalJSON(rec.Request)
	if err != nil {
		return fmt.Errorf("evidence.Record canonical payload: %w", err)
	}
	var canonResult []byte
	if rec.ExecutionResult != nil {
		if canonResult, err = CanonicalJSON(rec.ExecutionResult); err != nil {
			return fmt.Errorf("evidence.Record canonical result: %w", err)
		}
	}
	policyJSON, err := json.Marshal(rec.PolicyResult)
	if err != nil {
		return fmt.Errorf("evidence.Record marshal policy: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("evidence.Record begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", tenantLockID(rec.Request.TenantID)); err != nil {
		return fmt.Errorf("evidence.Record advisory lock: %w", err)
	}
	prevHash, err := lastHash(ctx, tx, rec.Request.TenantID)
	if err != nil {
		return fmt.Errorf("evidence.Record last hash: %w", err)
	}

	rec.PrevHash = prevHash
	rec.PayloadCanon = canonPayload
	rec.Hash = ChainHash(prevHash, canonPayload, canonResult)

	req := rec.Request
	_, err = tx.Exec(ctx, `
		INSERT INTO invocation_events (
			event_id, tenant_id, agent_id, user_id,
			deployment_id, connector, tool,
			payload_canon, decision, policy_result,
			idempotency_key, session_id, source_ip, trace_id,
			received_at, requested_at, hash, prev_hash
		) VALUES (
			$1,$2,$3,$4,
			$5,$6,$7,
			$8,$9,$10,
			$11,$12,$13,$14,
			$15,$16,$17,$18
		)`,
		rec.EventID, req.TenantID, req.AgentID, req.UserID,
		req.DeploymentID, req.Connector, req.Tool,
		canonPayload, string(rec.Decision), policyJSON,
		req.IdempotencyKey, req.SessionID, req.SourceIP, req.TraceID,
		rec.ReceivedAt, req.RequestedAt, rec.Hash, rec.PrevHash,
	)
	if err != nil {
		return fmt.Errorf("evidence.Record insert event: %w", err)
	}

	if res := rec.ExecutionResult; res != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO invocation_results (event_id, tenant_id, status, output_json, error_msg, duration_ms, result_canon)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			rec.EventID, req.TenantID, res.Status, nullJSON(res.OutputJSON), res.Error, res.DurationMS, canonResult,
		)
		if err != nil {
			return fmt.Errorf("evidence.Record insert result: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("evidence.Record commit: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Read path
// ──────────────────────────────────────────────────────────────────────────────

// CheckIdempotency returns the stored response for (tenant, key), or nil when
// the key has not been seen.
func (s *Store) CheckIdempotency(ctx context.Context, tenantID, key string) (*types.InvokeResponse, error) {
	var (
		resp       types.InvokeResponse
		policyJSON []byte
		outputJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT e.event_id::text, e.decision, e.policy_result, r.output_json,
		       COALESCE(r.status, ''), COALESCE(r.error_msg, '')
		FROM invocation_events e
		LEFT JOIN invocation_results r ON r.event_id = e.event_id
		WHERE e.tenant_id = $1 AND e.idempotency_key = $2`, tenantID, key,
	).Scan(&resp.EventID, &resp.Decision, &policyJSON, &outputJSON, &resp.Status, &resp.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evidence.CheckIdempotency: %w", err)
	}

	resp.Replayed = true
	var pr types.PolicyResult
	if len(policyJSON) > 0 && json.Unmarshal(policyJSON, &pr) == nil {
		resp.Reason = pr.Reason
	}
	if len(outputJSON) > 0 {
		resp.Output = &tool.Output{}
		if err := json.Unmarshal(outputJSON, resp.Output); err != nil {
			return nil, fmt.Errorf("evidence.CheckIdempotency unmarshal output: %w", err)
		}
	}
	return &resp, nil
}

// GetEvent retrieves a single record by id, or nil when absent.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*types.InvocationRecord, error) {
	var (
		rec        types.InvocationRecord
		policyJSON []byte
		status     *string
		outputJSON []byte
		errMsg     *string
		durationMS *int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT e.event_id::text, e.tenant_id, e.agent_id, e.user_id,
		       e.deployment_id, e.connector, e.tool,
		       e.payload_canon, e.decision, e.policy_result,
		       e.idempotency_key, e.session_id, e.source_ip, e.trace_id,
		       e.received_at, e.requested_at, e.hash, e.prev_hash,
		       r.status, r.output_json, r.error_msg, r.duration_ms
		FROM invocation_events e
		LEFT JOIN invocation_results r ON r.event_id = e.event_id
		WHERE e.event_id = $1`, eventID,
	).Scan(
		&rec.EventID, &rec.Request.TenantID, &rec.Request.AgentID, &rec.Request.UserID,
		&rec.Request.DeploymentID, &rec.Request.Connector, &rec.Request.Tool,
		&rec.PayloadCanon, &rec.Decision, &policyJSON,
		&rec.Request.IdempotencyKey, &rec.Request.SessionID, &rec.Request.SourceIP, &rec.Request.TraceID,
		&rec.ReceivedAt, &rec.Request.RequestedAt, &rec.Hash, &rec.PrevHash,
		&status, &outputJSON, &errMsg, &durationMS,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evidence.GetEvent: %w", err)
	}

	// Target and args live only in the canonical payload.
	if err := json.Unmarshal(rec.PayloadCanon, &rec.Request); err != nil {
		return nil, fmt.Errorf("evidence.GetEvent unmarshal payload: %w", err)
	}
	if len(policyJSON) > 0 && string(policyJSON) != "null" {
		rec.PolicyResult = &types.PolicyResult{}
		if err := json.Unmarshal(policyJSON, rec.PolicyResult); err != nil {
			return nil, fmt.Errorf("evidence.GetEvent unmarshal policy: %w", err)
		}
	}
	if status != nil {
		rec.ExecutionResult = &types.ExecutionResult{
			Status:     *status,
			OutputJSON: outputJSON,
			Error:      deref(errMsg),
			DurationMS: deref(durationMS),
		}
	}
	return &rec, nil
}

// ChainLinks returns a tenant's records appended after seq afterSeq, in
// append order.
func (s *Store) ChainLinks(ctx context.Context, tenantID string, afterSeq int64) ([]ChainLink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.seq, e.event_id::text, e.hash, e.prev_hash, e.payload_canon, r.result_canon, e.received_at
		FROM invocation_events e
		LEFT JOIN invocation_results r ON r.event_id = e.event_id
		WHERE e.tenant_id = $1 AND e.seq > $2
		ORDER BY e.seq ASC`, tenantID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("evidence.ChainLinks: %w", err)
	}
	links, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChainLink, error) {
		var l ChainLink
		err := row.Scan(&l.Seq, &l.EventID, &l.Hash, &l.PrevHash, &l.CanonPayload, &l.CanonResult, &l.ReceivedAt)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("evidence.ChainLinks scan: %w", err)
	}
	return links, nil
}

// VerifyTenant re-derives the tenant's complete chain and returns its length.
func (s *Store) VerifyTenant(ctx context.Context, tenantID string) (int, error) {
	links, err := s.ChainLinks(ctx, tenantID, 0)
	if err != nil {
		return 0, err
	}
	return len(links), VerifyChain(links)
}

// ListTenantIDs returns every tenant with at least one record.
func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM invocation_events ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("evidence.ListTenantIDs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("evidence.ListTenantIDs scan: %w", err)
	}
	return ids, nil
}

// Checkpoint marks how far a tenant's chain has been archived.
type Checkpoint struct {
	ArchivedUntil time.Time
	LastHash      string
	LastSeq       int64
}

// GetArchiveCheckpoint returns the zero Checkpoint for a tenant never
// archived.
func (s *Store) GetArchiveCheckpoint(ctx context.Context, tenantID string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT archived_until, last_hash, last_seq
		FROM evidence_archive_checkpoints WHERE tenant_id = $1`, tenantID,
	).Scan(&cp.ArchivedUntil, &cp.LastHash, &cp.LastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("evidence.GetArchiveCheckpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) UpsertArchiveCheckpoint(ctx context.Context, tenantID string, cp Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evidence_archive_checkpoints (tenant_id, archived_until, last_hash, last_seq)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id) DO UPDATE
		SET archived_until = EXCLUDED.archived_until, last_hash = EXCLUDED.last_hash, last_seq = EXCLUDED.last_seq`,
		tenantID, cp.ArchivedUntil, cp.LastHash, cp.LastSeq)
	if err != nil {
		return fmt.Errorf("evidence.UpsertArchiveCheckpoint: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

func lastHash(ctx context.Context, tx pgx.Tx, tenantID string) (string, error) {
	var h string
	err := tx.QueryRow(ctx, `
		SELECT hash FROM invocation_events
		WHERE tenant_id = $1
		ORDER BY seq DESC LIMIT 1`, tenantID).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return h, err
}

// tenantLockID maps a tenant to a stable advisory-lock key.
func tenantLockID(tenantID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(tenantID))
	return int64(binary.BigEndian.Uint64(h.Sum(nil)))
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
