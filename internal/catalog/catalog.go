// Package catalog stores one FileRecord per upload event and answers
// predicate queries over them.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/filevault/internal/category"
	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/kilupskalvis/filevault/internal/models"
	"github.com/kilupskalvis/filevault/internal/store"
)

// ErrNotFound is returned when no file record has the requested id.
var ErrNotFound = errors.New("file not found")

const fileColumns = `id, fingerprint, original_filename, media_type, category, size_bytes, uploaded_at, is_duplicate`

// Catalog is the metadata catalog. Like the dedup index, every method takes
// a Querier so it can join the caller's transaction.
type Catalog struct{}

// New creates a Catalog.
func New() *Catalog {
	return &Catalog{}
}

// Insert stores rec, assigning a new id when rec.ID is empty.
func (c *Catalog) Insert(ctx context.Context, q store.Querier, rec *models.FileRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO files (`+fileColumns+`, name_folded)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Fingerprint, rec.OriginalFilename, rec.MediaType, string(rec.Category),
		rec.SizeBytes, rec.UploadedAt.UnixNano(), rec.IsDuplicate, Fold(rec.OriginalFilename),
	)
	if err != nil {
		return "", fmt.Errorf("insert file %s: %w", rec.ID, err)
	}
	return rec.ID, nil
}

// Delete removes the record and returns the fingerprint it referenced.
func (c *Catalog) Delete(ctx context.Context, q store.Querier, id string) (fingerprint.Fingerprint, error) {
	var fp fingerprint.Fingerprint
	err := q.QueryRowContext(ctx, `DELETE FROM files WHERE id = ? RETURNING fingerprint`, id).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return fp, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fp, fmt.Errorf("delete file %s: %w", id, err)
	}
	return fp, nil
}

// Get returns the record with the given id.
func (c *Catalog) Get(ctx context.Context, q store.Querier, id string) (*models.FileRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	return rec, nil
}

// SetCategory overwrites the category of an existing record.
func (c *Catalog) SetCategory(ctx context.Context, q store.Querier, id string, cat category.Category) error {
	res, err := q.ExecContext(ctx, `UPDATE files SET category = ? WHERE id = ?`, string(cat), id)
	if err != nil {
		return fmt.Errorf("set category %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set category %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Query returns the records matching pred in the requested order.
func (c *Catalog) Query(ctx context.Context, q store.Querier, pred Predicate, order Order, page Page) ([]*models.FileRecord, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + fileColumns + ` FROM files`)
	b.WriteString(pred.where())
	b.WriteString(` ORDER BY `)
	b.WriteString(order.sql())

	args := pred.args()
	switch {
	case page.Limit > 0:
		b.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, page.Limit, page.Offset)
	case page.Offset > 0 && q.Dialect() == store.SQLite:
		b.WriteString(` LIMIT -1 OFFSET ?`)
		args = append(args, page.Offset)
	case page.Offset > 0:
		b.WriteString(` OFFSET ?`)
		args = append(args, page.Offset)
	}

	rows, err := q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var out []*models.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records matching pred.
func (c *Catalog) Count(ctx context.Context, q store.Querier, pred Predicate) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`+pred.where(), pred.args()...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return n, nil
}

// CountByFingerprint returns how many records reference fp.
func (c *Catalog) CountByFingerprint(ctx context.Context, q store.Querier, fp fingerprint.Fingerprint) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE fingerprint = ?`, fp).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count files for %s: %w", fp.Short(), err)
	}
	return n, nil
}

// SaveContent stores extracted text for a blob. A second save for the same
// fingerprint is ignored.
func (c *Catalog) SaveContent(ctx context.Context, q store.Querier, fp fingerprint.Fingerprint, body string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO blob_text (fingerprint, body, body_folded) VALUES (?, ?, ?) ON CONFLICT (fingerprint) DO NOTHING`,
		fp, body, Fold(body))
	if err != nil {
		return fmt.Errorf("save content %s: %w", fp.Short(), err)
	}
	return nil
}

// Content returns the indexed text for fp, or "" when none was stored.
func (c *Catalog) Content(ctx context.Context, q store.Querier, fp fingerprint.Fingerprint) (string, error) {
	var body string
	err := q.QueryRowContext(ctx, `SELECT body FROM blob_text WHERE fingerprint = ?`, fp).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get content %s: %w", fp.Short(), err)
	}
	return body, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.FileRecord, error) {
	var (
		rec        models.FileRecord
		cat        string
		uploadedAt int64
	)
	err := row.Scan(&rec.ID, &rec.Fingerprint, &rec.OriginalFilename, &rec.MediaType, &cat,
		&rec.SizeBytes, &uploadedAt, &rec.IsDuplicate)
	if err != nil {
		return nil, err
	}
	rec.Category = category.Category(cat)
	rec.UploadedAt = time.Unix(0, uploadedAt).UTC()
	return &rec, nil
}
