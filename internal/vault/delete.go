package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilupskalvis/filevault/internal/catalog"
	"github.com/kilupskalvis/filevault/internal/dedup"
	"github.com/kilupskalvis/filevault/internal/store"
)

// Delete removes the record and releases its reference. The blob is removed
// only when this was the last record pointing at it.
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	fp := rec.Fingerprint

	unlock, err := s.locks.Lock(ctx, fp.String())
	if err != nil {
		return ioError("lock fingerprint", err)
	}
	defer unlock()

	var rel dedup.Release
	err = s.db.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
		if _, err := s.catalog.Delete(ctx, q, id); err != nil {
			return err
		}
		var err error
		rel, err = s.index.Release(ctx, q, fp)
		return err
	})
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	if err != nil {
		return ioError("delete", err)
	}

	if rel.ShouldDeleteBlob {
		// The index row is gone; a failed unlink leaves an orphan for GC.
		if err := s.blobs.Delete(context.WithoutCancel(ctx), fp); err != nil {
			s.logger.Warn("delete: failed to remove blob", "fingerprint", fp.String(), "error", err)
		}
	}

	s.logger.Info("file deleted",
		"file_id", id,
		"fingerprint", fp.String(),
		"blob_deleted", rel.ShouldDeleteBlob,
		"remaining_refs", rel.Remaining,
	)
	return nil
}
