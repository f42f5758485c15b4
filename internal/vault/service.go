// Package vault composes the blob store, the dedup index, the metadata
// catalog and the query engine into the upload, search, fetch and delete
// operations exposed to the HTTP and CLI layers.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/filevault/internal/blobstore"
	"github.com/kilupskalvis/filevault/internal/catalog"
	"github.com/kilupskalvis/filevault/internal/contentindex"
	"github.com/kilupskalvis/filevault/internal/dedup"
	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/kilupskalvis/filevault/internal/keylock"
	"github.com/kilupskalvis/filevault/internal/models"
	"github.com/kilupskalvis/filevault/internal/query"
	"github.com/kilupskalvis/filevault/internal/store"
)

// MaxFilenameBytes is the longest accepted original filename.
const MaxFilenameBytes = 255

// metaHashAlgorithm pins the fingerprint algorithm in the catalog.
const metaHashAlgorithm = "hash_algorithm"

// Options tunes a Service.
type Options struct {
	// MaxUploadBytes caps a single upload; 0 means unlimited.
	MaxUploadBytes int64
	// SniffMediaType enables content sniffing when no useful media type
	// was declared and the extension gives none.
	SniffMediaType bool
	// VerifyOnFetch re-hashes stored bytes before serving them.
	VerifyOnFetch bool
	// StagingMaxAge is the age after which GC removes abandoned staging files.
	StagingMaxAge time.Duration
	// ScrubConcurrency bounds parallel verification during Scrub.
	ScrubConcurrency int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		SniffMediaType:   true,
		VerifyOnFetch:    true,
		StagingMaxAge:    24 * time.Hour,
		ScrubConcurrency: 4,
	}
}

// Deps are the collaborators a Service is built from.
type Deps struct {
	DB        *store.DB
	Blobs     blobstore.BlobStore
	Stager    *blobstore.Stager
	Extractor contentindex.Extractor // nil disables content indexing
	Query     query.Config
}

// Service is the file vault. It is safe for concurrent use.
type Service struct {
	db        *store.DB
	blobs     blobstore.BlobStore
	stager    *blobstore.Stager
	index     *dedup.Index
	catalog   *catalog.Catalog
	engine    *query.Engine
	extractor contentindex.Extractor
	locks     *keylock.Locker
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a Service and checks that the catalog was created with the
// stager's fingerprint algorithm.
func New(ctx context.Context, deps Deps, opts Options, logger *slog.Logger) (*Service, error) {
	if deps.DB == nil || deps.Blobs == nil || deps.Stager == nil {
		return nil, errors.New("vault: db, blob store and stager are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ScrubConcurrency <= 0 {
		opts.ScrubConcurrency = DefaultOptions().ScrubConcurrency
	}
	if opts.StagingMaxAge <= 0 {
		opts.StagingMaxAge = DefaultOptions().StagingMaxAge
	}

	extractor := deps.Extractor
	qcfg := deps.Query
	qcfg.ContentIndexed = extractor != nil
	if extractor == nil {
		extractor = contentindex.Nop{}
	}

	alg := deps.Stager.Algorithm()
	if err := deps.DB.EnsureMeta(ctx, metaHashAlgorithm, string(alg)); err != nil {
		return nil, fmt.Errorf("check hash algorithm: %w", err)
	}

	cat := catalog.New()
	return &Service{
		db:        deps.DB,
		blobs:     deps.Blobs,
		stager:    deps.Stager,
		index:     dedup.New(),
		catalog:   cat,
		engine:    query.NewEngine(deps.DB, cat, qcfg),
		extractor: extractor,
		locks:     keylock.New(),
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SetClock replaces the service clock, for upload timestamps and date buckets.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.engine.SetClock(now)
}

// Algorithm returns the fingerprint algorithm.
func (s *Service) Algorithm() fingerprint.Algorithm {
	return s.stager.Algorithm()
}

// Ping checks catalog connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Get returns the record for id.
func (s *Service) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	rec, err := s.catalog.Get(ctx, s.db.Querier(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, ioError("get", err)
	}
	return rec, nil
}

// Search runs a filtered query over the catalog.
func (s *Service) Search(ctx context.Context, f query.Filter) (*query.Result, error) {
	res, err := s.engine.Search(ctx, f)
	if err != nil {
		var fe *query.FilterError
		if errors.As(err, &fe) {
			return nil, invalid(fe.Field, fe.Reason)
		}
		return nil, ioError("search", err)
	}
	return res, nil
}

// Stat summarizes stored files and blobs.
func (s *Service) Stat(ctx context.Context) (*catalog.Stats, error) {
	st, err := s.catalog.Stats(ctx, s.db.Querier())
	if err != nil {
		return nil, ioError("stat", err)
	}
	return st, nil
}

// Close closes the catalog connection.
func (s *Service) Close() error {
	return s.db.Close()
}
