package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/filevault/internal/dedup"
	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/kilupskalvis/filevault/internal/store"
)

// GCResult contains the outcome of a garbage collection run.
type GCResult struct {
	BlobsScanned      int   `json:"blobs_scanned"`
	OrphansDeleted    int   `json:"orphans_deleted"`
	RefCountsFixed    int64 `json:"refcounts_fixed"`
	UnreferencedFreed int   `json:"unreferenced_freed"`
	StagingRemoved    int   `json:"staging_removed"`
}

// GC repairs drift between the catalog, the index and the blob store:
//   - reference counts are reset to the number of records per fingerprint,
//     and blobs left at zero are dropped;
//   - stored blobs with no index row are deleted;
//   - staging files older than the configured age are removed.
func (s *Service) GC(ctx context.Context) (*GCResult, error) {
	result := &GCResult{}

	var zero []fingerprint.Fingerprint
	err := s.db.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		result.RefCountsFixed, zero, err = s.index.Reconcile(ctx, q)
		return err
	})
	if err != nil {
		return nil, ioError("gc reconcile", err)
	}

	for _, fp := range zero {
		freed, err := s.dropUnreferenced(ctx, fp)
		if err != nil {
			s.logger.Warn("gc: failed to drop unreferenced blob", "fingerprint", fp.String(), "error", err)
			continue
		}
		if freed {
			result.UnreferencedFreed++
		}
	}

	stored, err := s.blobs.List(ctx)
	if err != nil {
		return nil, ioError("gc list blobs", err)
	}
	result.BlobsScanned = len(stored)

	for _, fp := range stored {
		deleted, err := s.deleteIfOrphan(ctx, fp)
		if err != nil {
			s.logger.Warn("gc: failed to delete blob", "fingerprint", fp.String(), "error", err)
			continue
		}
		if deleted {
			result.OrphansDeleted++
		}
	}

	removed, err := s.stager.Sweep(s.opts.StagingMaxAge)
	if err != nil {
		s.logger.Warn("gc: failed to sweep staging", "error", err)
	}
	result.StagingRemoved = removed

	s.logger.Info("gc complete",
		"scanned", result.BlobsScanned,
		"orphans_deleted", result.OrphansDeleted,
		"refcounts_fixed", result.RefCountsFixed,
		"unreferenced_freed", result.UnreferencedFreed,
		"staging_removed", result.StagingRemoved,
	)
	return result, nil
}

// dropUnreferenced removes a zero-count index row and its bytes under the
// fingerprint lock, so a concurrent upload cannot re-register it halfway.
func (s *Service) dropUnreferenced(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	unlock, err := s.locks.Lock(ctx, fp.String())
	if err != nil {
		return false, err
	}
	defer unlock()

	var dropped bool
	err = s.db.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
		var err error
		dropped, err = s.index.DropUnreferenced(ctx, q, fp)
		return err
	})
	if err != nil || !dropped {
		return false, err
	}
	return true, s.blobs.Delete(ctx, fp)
}

// deleteIfOrphan deletes a stored blob that has no index row. The check runs
// under the fingerprint lock, after any in-flight upload has committed.
func (s *Service) deleteIfOrphan(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	unlock, err := s.locks.Lock(ctx, fp.String())
	if err != nil {
		return false, err
	}
	defer unlock()

	_, err = s.index.Get(ctx, s.db.Querier(), fp)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, dedup.ErrNotFound) {
		return false, fmt.Errorf("look up blob: %w", err)
	}
	if err := s.blobs.Delete(ctx, fp); err != nil {
		return false, err
	}
	return true, nil
}
