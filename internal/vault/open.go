package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/filevault/internal/blobstore"
	"github.com/kilupskalvis/filevault/internal/config"
	"github.com/kilupskalvis/filevault/internal/contentindex"
	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/kilupskalvis/filevault/internal/query"
	"github.com/kilupskalvis/filevault/internal/store"
)

// Open builds a Service from configuration: it opens and migrates the
// catalog, then wires the configured blob backend and staging directory.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	alg, err := fingerprint.ParseAlgorithm(cfg.Storage.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	dialect, err := store.ParseDialect(cfg.Catalog.Driver)
	if err != nil {
		return nil, err
	}
	retry := store.DefaultRetryConfig()
	retry.MaxRetries = cfg.Catalog.MaxConflictRetries

	db, err := store.Open(ctx, dialect, cfg.CatalogDSN(), store.WithRetry(retry))
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	blobs, stagingDir, err := openBlobStore(ctx, cfg, alg)
	if err != nil {
		db.Close()
		return nil, err
	}

	stager, err := blobstore.NewStager(stagingDir, alg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open staging: %w", err)
	}

	var extractor contentindex.Extractor
	if cfg.Ingest.ContentIndex {
		extractor = contentindex.NewText(cfg.Ingest.ContentIndexLimit)
	}

	opts := DefaultOptions()
	opts.MaxUploadBytes = cfg.Ingest.MaxUploadBytes
	opts.SniffMediaType = cfg.Ingest.SniffMediaType
	opts.VerifyOnFetch = cfg.Fetch.Verify

	svc, err := New(ctx, Deps{
		DB:        db,
		Blobs:     blobs,
		Stager:    stager,
		Extractor: extractor,
		Query:     query.Config{Timeout: cfg.Query.Timeout.Std()},
	}, opts, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("vault opened",
		"backend", cfg.Storage.Backend,
		"catalog", string(dialect),
		"hash_algorithm", string(alg),
		"staging", stagingDir,
	)
	return svc, nil
}

func openBlobStore(ctx context.Context, cfg *config.Config, alg fingerprint.Algorithm) (blobstore.BlobStore, string, error) {
	switch cfg.Storage.Backend {
	case "s3":
		client, err := blobstore.NewS3Client(ctx, blobstore.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, "", err
		}
		return blobstore.NewS3Store(client, cfg.S3.Bucket, cfg.S3.Prefix, alg), cfg.StagingPath(), nil
	case "fs", "":
		fs, err := blobstore.NewFSStore(cfg.BlobRoot(),
			blobstore.WithAlgorithm(alg),
			blobstore.WithCompression(blobstore.Compression(cfg.Storage.Compression)),
		)
		if err != nil {
			return nil, "", err
		}
		return fs, cfg.StagingPath(), nil
	default:
		return nil, "", fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}
}
