package catalog

import (
	"context"
	"fmt"

	"github.com/kilupskalvis/filevault/internal/category"
	"github.com/kilupskalvis/filevault/internal/store"
)

// Stats summarizes the catalog and the dedup index.
type Stats struct {
	Files         int64                       `json:"files"`
	Duplicates    int64                       `json:"duplicates"`
	Blobs         int64                       `json:"blobs"`
	CorruptBlobs  int64                       `json:"corrupt_blobs"`
	LogicalBytes  int64                       `json:"logical_bytes"`
	PhysicalBytes int64                       `json:"physical_bytes"`
	ByCategory    map[category.Category]int64 `json:"by_category"`
}

// SavedBytes is the space dedup avoided writing.
func (s *Stats) SavedBytes() int64 {
	return s.LogicalBytes - s.PhysicalBytes
}

// Stats computes counts and byte totals.
func (c *Catalog) Stats(ctx context.Context, q store.Querier) (*Stats, error) {
	st := &Stats{ByCategory: make(map[category.Category]int64)}

	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN is_duplicate THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(size_bytes), 0)
		FROM files`).Scan(&st.Files, &st.Duplicates, &st.LogicalBytes)
	if err != nil {
		return nil, fmt.Errorf("file stats: %w", err)
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN corrupted_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(size_bytes), 0)
		FROM blobs`).Scan(&st.Blobs, &st.CorruptBlobs, &st.PhysicalBytes)
	if err != nil {
		return nil, fmt.Errorf("blob stats: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT category, COUNT(*) FROM files GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("category stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan category stats: %w", err)
		}
		st.ByCategory[category.Category(cat)] = n
	}
	return st, rows.Err()
}
