// Package dedup maintains the fingerprint to blob mapping and its reference
// counts. Register and Release are single atomic statements against the
// blobs table, so concurrent callers always observe a consistent counter.
package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/kilupskalvis/filevault/internal/models"
	"github.com/kilupskalvis/filevault/internal/store"
)

// ErrNotFound is returned when no blob row exists for a fingerprint.
var ErrNotFound = errors.New("blob not indexed")

// ErrSizeMismatch is returned when a fingerprint is registered with a size
// different from the one already indexed.
var ErrSizeMismatch = errors.New("blob size mismatch")

// Registration is the outcome of Register.
type Registration struct {
	IsNew          bool
	StoragePath    string
	ReferenceCount int64
}

// Release is the outcome of Release.
type Release struct {
	ShouldDeleteBlob bool
	Remaining        int64
}

// Index is the dedup index. Its methods take a Querier so they can join the
// caller's transaction.
type Index struct {
	now func() time.Time
}

// New creates an Index.
func New() *Index {
	return &Index{now: time.Now}
}

// Register inserts the blob with a count of one, or increments the count of
// an existing row. Exactly one concurrent caller per fingerprint sees IsNew.
func (ix *Index) Register(ctx context.Context, q store.Querier, fp fingerprint.Fingerprint, size int64, storagePath string) (Registration, error) {
	var reg Registration
	var indexedSize int64

	err := q.QueryRowContext(ctx, `
		INSERT INTO blobs (fingerprint, size_bytes, reference_count, storage_path, created_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET reference_count = blobs.reference_count + 1
		RETURNING reference_count, storage_path, size_bytes`,
		fp, size, storagePath, ix.now().UnixNano(),
	).Scan(&reg.ReferenceCount, &reg.StoragePath, &indexedSize)
	if err != nil {
		return Registration{}, fmt.Errorf("register blob %s: %w", fp.Short(), err)
	}

	if indexedSize != size {
		return Registration{}, fmt.Errorf("%w: %s indexed with %d bytes, got %d", ErrSizeMismatch, fp.Short(), indexedSize, size)
	}
	reg.IsNew = reg.ReferenceCount == 1
	return reg, nil
}

// SetStoragePath records where the blob was actually published.
func (ix *Index) SetStoragePath(ctx context.Context, q store.Querier, fp fingerprint.Fingerprint, path string) error {
	_, err := q.ExecContext(ctx, `UPDATE blobs SET storage_path = ? WHERE fingerprint = ?`, path, fp)
	if err != nil {
		return fmt.Errorf("set storage path %s: %w", fp.Short(), err)
	}
	return nil
}

// Release decrements the reference count. When it reaches zero the row is
// removed in the same transaction and ShouldDeleteBlob is set.
func (ix *Index) Release(ctx context.Context, q store.Querier, fp fingerprint.Fingerprint) (Release, error) {
	var remaining int64
	err := q.QueryRowContext(ctx, `
		UPDATE blobs SET reference_count = reference_count - 1
		WHERE fingerprint = ? AND reference_count > 0
		RETURNING reference_count`, fp,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return Release{}, fmt.Errorf("%w: %s", ErrNotFound, fp.Short())
	}
	if err != nil {
		return Release{}, fmt.Errorf("release blob %s: %w", fp.Short(), err)
	}

	if remaining > 0 {
		return Release{Remaining: remaining}, nil
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM blobs WHERE fingerprint = ? AND reference_count = 0`, fp); err != nil {
		return Release{}, fmt.Errorf("drop blob %s: %w", fp.Short(), err)
	}
	return Release{ShouldDeleteBlob: true}, nil
}

const blobColumns = `fingerprint, size_bytes, reference_count, storage_path, created_at, corrupted_at`

// Get returns the indexed blob for fp.
func (ix *Index) Get(ctx context.Context, q store.Querier, fp fingerprint.Fingerprint) (*models.Blob, error) {
	row := q.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE fingerprint = ?`, fp)
	b, err := scanBlob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fp.Short())
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", fp.Short(), err)
	}
	return b, nil
}

// List returns every indexed blob ordered by fingerprint.
func (ix *Index) List(ctx context.Context, q store.Querier) ([]*models.Blob, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+blobColumns+` FROM blobs ORDER BY fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	defer rows.Close()

	var blobs []*models.Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

// MarkCorrupt flags fp as failing verification. Already flagged blobs keep
// their original timestamp.
func (ix *Index) MarkCorrupt(ctx context.Context, q store.Querier, fp fingerprint.Fingerprint) error {
	_, err := q.ExecContext(ctx,
		`UPDATE blobs SET corrupted_at = ? WHERE fingerprint = ? AND corrupted_at IS NULL`,
		ix.now().UnixNano(), fp)
	if err != nil {
		return fmt.Errorf("mark blob %s corrupt: %w", fp.Short(), err)
	}
	return nil
}

// ClearCorrupt removes the corruption flag, after a blob was repaired.
func (ix *Index) ClearCorrupt(ctx context.Context, q store.Querier, fp fingerprint.Fingerprint) error {
	_, err := q.ExecContext(ctx, `UPDATE blobs SET corrupted_at = NULL WHERE fingerprint = ?`, fp)
	if err != nil {
		return fmt.Errorf("clear blob %s corrupt flag: %w", fp.Short(), err)
	}
	return nil
}

// Reconcile resets every reference count to the number of catalog rows that
// point at the blob. It returns how many rows were corrected and the
// fingerprints now at zero, which the caller drops with DropUnreferenced.
func (ix *Index) Reconcile(ctx context.Context, q store.Querier) (int64, []fingerprint.Fingerprint, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE blobs SET reference_count = (
			SELECT COUNT(*) FROM files WHERE files.fingerprint = blobs.fingerprint
		)
		WHERE reference_count <> (
			SELECT COUNT(*) FROM files WHERE files.fingerprint = blobs.fingerprint
		)`)
	if err != nil {
		return 0, nil, fmt.Errorf("reconcile reference counts: %w", err)
	}
	adjusted, err := res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("reconcile reference counts: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT fingerprint FROM blobs WHERE reference_count = 0`)
	if err != nil {
		return 0, nil, fmt.Errorf("list unreferenced blobs: %w", err)
	}
	defer rows.Close()

	var zero []fingerprint.Fingerprint
	for rows.Next() {
		var fp fingerprint.Fingerprint
		if err := rows.Scan(&fp); err != nil {
			return 0, nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		zero = append(zero, fp)
	}
	return adjusted, zero, rows.Err()
}

// DropUnreferenced deletes the row for fp if its count is still zero and
// reports whether it did.
func (ix *Index) DropUnreferenced(ctx context.Context, q store.Querier, fp fingerprint.Fingerprint) (bool, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM blobs WHERE fingerprint = ? AND reference_count = 0`, fp)
	if err != nil {
		return false, fmt.Errorf("drop blob %s: %w", fp.Short(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("drop blob %s: %w", fp.Short(), err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlob(row rowScanner) (*models.Blob, error) {
	var (
		b         models.Blob
		createdAt int64
		corrupted sql.NullInt64
	)
	if err := row.Scan(&b.Fingerprint, &b.SizeBytes, &b.ReferenceCount, &b.StoragePath, &createdAt, &corrupted); err != nil {
		return nil, err
	}
	b.CreatedAt = time.Unix(0, createdAt).UTC()
	if corrupted.Valid {
		t := time.Unix(0, corrupted.Int64).UTC()
		b.CorruptedAt = &t
	}
	return &b, nil
}
