package dictionary

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPathNotFound is returned when describing a path that was never merged.
var ErrPathNotFound = errors.New("dictionary: path not found")

// Store persists reconciled dictionary paths per deployment in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a dictionary store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS dictionary_paths (
	deployment_id TEXT        NOT NULL,
	segments      TEXT[]      NOT NULL,
	description   TEXT        NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (deployment_id, segments)
)`

// EnsureSchema creates the dictionary table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("dictionary.EnsureSchema: %w", err)
	}
	return nil
}

// Load returns the stored paths under prefix for a deployment, ordered by
// segments.
func (s *Store) Load(ctx context.Context, deploymentID string, prefix []string) ([]Path, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT segments, description
		FROM dictionary_paths
		WHERE deployment_id = $1
		  AND (cardinality($2::text[]) = 0 OR segments[1:cardinality($2::text[])] = $2::text[])`,
		deploymentID, nonNil(prefix))
	if err != nil {
		return nil, fmt.Errorf("dictionary.Load: %w", err)
	}
	defer rows.Close()

	var out []Path
	for rows.Next() {
		var p Path
		if err := rows.Scan(&p.Segments, &p.Description); err != nil {
			return nil, fmt.Errorf("dictionary.Load scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dictionary.Load iteration: %w", err)
	}
	sortPaths(out)
	return out, nil
}

// Replace swaps every stored path under prefix for paths, atomically.
// Paths outside prefix are left untouched.
func (s *Store) Replace(ctx context.Context, deploymentID string, prefix []string, paths []Path) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dictionary.Replace begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM dictionary_paths
		WHERE deployment_id = $1
		  AND (cardinality($2::text[]) = 0 OR segments[1:cardinality($2::text[])] = $2::text[])`,
		deploymentID, nonNil(prefix)); err != nil {
		return fmt.Errorf("dictionary.Replace delete: %w", err)
	}

	batch := &pgx.Batch{}
	for _, p := range paths {
		batch.Queue(`
			INSERT INTO dictionary_paths (deployment_id, segments, description)
			VALUES ($1, $2, $3)
			ON CONFLICT (deployment_id, segments)
			DO UPDATE SET description = EXCLUDED.description, updated_at = now()`,
			deploymentID, p.Segments, p.Description)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("dictionary.Replace insert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dictionary.Replace commit: %w", err)
	}
	return nil
}

// SetDescription updates the human description of one stored path.
func (s *Store) SetDescription(ctx context.Context, deploymentID string, segments []string, description string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dictionary_paths SET description = $3, updated_at = now()
		WHERE deployment_id = $1 AND segments = $2`, deploymentID, segments, description)
	if err != nil {
		return fmt.Errorf("dictionary.SetDescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dictionary.SetDescription %s: %w", Path{Segments: segments}, ErrPathNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
