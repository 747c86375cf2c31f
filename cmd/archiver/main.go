// Archiver copies verified invocation evidence chains to S3-compatible
// object storage.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bturcanu/toolmesh/pkg/archiver"
	"github.com/bturcanu/toolmesh/pkg/config"
	"github.com/bturcanu/toolmesh/pkg/evidence"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type minioUploader struct {
	client *minio.Client
	bucket string
}

func (m minioUploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, config.PostgresDSN())
	if err != nil {
		log.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	minioClient, err := minio.New(config.EnvOr("EVIDENCE_S3_ENDPOINT", "localhost:9000"), &minio.Options{
		Creds:  credentials.NewStaticV4(config.EnvOr("EVIDENCE_S3_ACCESS_KEY", "minioadmin"), config.EnvOr("EVIDENCE_S3_SECRET_KEY", "minioadmin"), ""),
		Secure: config.EnvOrBool("EVIDENCE_S3_SECURE", false),
	})
	if err != nil {
		log.Error("minio init failed", "error", err)
		os.Exit(1)
	}

	store := evidence.NewStore(pool)
	svc := archiver.New(store, minioUploader{
		client: minioClient,
		bucket: config.EnvOr("EVIDENCE_S3_BUCKET", "toolmesh-evidence"),
	}, log)

	var tenants []string
	if t := os.Getenv("ARCHIVER_TENANT_ID"); t != "" {
		tenants = append(tenants, t)
	}
	run := func() {
		n, err := svc.ArchiveAll(ctx, tenants...)
		if err != nil {
			log.Error("archive pass failed", "error", err)
			return
		}
		log.Info("archive pass complete", "bundles", n)
	}

	run()
	if config.EnvOrBool("ARCHIVER_RUN_ONCE", true) {
		return
	}

	ticker := time.NewTicker(config.EnvOrDuration("ARCHIVER_INTERVAL", 5*time.Minute))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
