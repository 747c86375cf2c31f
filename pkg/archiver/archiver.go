// Package archiver exports verified slices of each tenant's invocation chain
// to object storage as JSON bundles.
package archiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bturcanu/toolmesh/pkg/evidence"
)

// EvidenceStore is the part of *evidence.Store the archiver reads and
// advances.
type EvidenceStore interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
	ChainLinks(ctx context.Context, tenantID string, afterSeq int64) ([]evidence.ChainLink, error)
	GetArchiveCheckpoint(ctx context.Context, tenantID string) (evidence.Checkpoint, error)
	UpsertArchiveCheckpoint(ctx context.Context, tenantID string, cp evidence.Checkpoint) error
}

type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

type Service struct {
	store    EvidenceStore
	uploader Uploader
	log      *slog.Logger
	now      func() time.Time
}

func New(store EvidenceStore, uploader Uploader, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, uploader: uploader, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Bundle is one uploaded archive object.
type Bundle struct {
	TenantID   string               `json:"tenant_id"`
	CreatedAt  time.Time            `json:"created_at"`
	EventCount int                  `json:"event_count"`
	AnchorHash string               `json:"anchor_hash"`
	Checkpoint string               `json:"checkpoint_hash"`
	Since      time.Time            `json:"since"`
	Until      time.Time            `json:"until"`
	Links      []evidence.ChainLink `json:"links"`
}

// ArchiveTenant uploads every link appended since the tenant's checkpoint and
// advances it. It returns the object key, or "" when nothing was new. A chain
// that fails verification is not uploaded.
func (s *Service) ArchiveTenant(ctx context.Context, tenantID string) (string, error) {
	cp, err := s.store.GetArchiveCheckpoint(ctx, tenantID)
	if err != nil {
		return "", err
	}
	links, err := s.store.ChainLinks(ctx, tenantID, cp.LastSeq)
	if err != nil {
		return "", err
	}
	if len(links) == 0 {
		return "", nil
	}
	if err := evidence.VerifyChainFrom(cp.LastHash, links); err != nil {
		return "", fmt.Errorf("archiver.ArchiveTenant verify %s: %w", tenantID, err)
	}

	last := links[len(links)-1]
	now := s.now()
	body, err := json.Marshal(Bundle{
		TenantID:   tenantID,
		CreatedAt:  now,
		EventCount: len(links),
		AnchorHash: cp.LastHash,
		Checkpoint: last.Hash,
		Since:      cp.ArchivedUntil,
		Until:      last.ReceivedAt,
		Links:      links,
	})
	if err != nil {
		return "", fmt.Errorf("archiver.ArchiveTenant marshal: %w", err)
	}

	key := fmt.Sprintf("evidence/%s/%04d/%02d/%02d/%s.json", tenantID, now.Year(), now.Month(), now.Day(), last.Hash)
	if err := s.uploader.Upload(ctx, key, body); err != nil {
		return "", err
	}
	next := evidence.Checkpoint{ArchivedUntil: last.ReceivedAt, LastHash: last.Hash, LastSeq: last.Seq}
	if err := s.store.UpsertArchiveCheckpoint(ctx, tenantID, next); err != nil {
		return "", err
	}
	return key, nil
}

// ArchiveAll archives the listed tenants, or every tenant when none are
// given. Failures are logged per tenant and do not stop the pass.
func (s *Service) ArchiveAll(ctx context.Context, tenants ...string) (archived int, err error) {
	if len(tenants) == 0 {
		if tenants, err = s.store.ListTenantIDs(ctx); err != nil {
			return 0, err
		}
	}
	for _, tenantID := range tenants {
		key, err := s.ArchiveTenant(ctx, tenantID)
		if err != nil {
			s.log.ErrorContext(ctx, "archive tenant failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if key != "" {
			archived++
			s.log.InfoContext(ctx, "archived evidence bundle", "tenant_id", tenantID, "key", key)
		}
	}
	return archived, nil
}
