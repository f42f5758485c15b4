package dedup

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/kilupskalvis/filevault/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.SQLite, filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func fp(s string) fingerprint.Fingerprint {
	return fingerprint.OfBytes(fingerprint.SHA256, []byte(s))
}

func register(t *testing.T, db *store.DB, ix *Index, f fingerprint.Fingerprint, size int64) Registration {
	t.Helper()
	var reg Registration
	err := db.WithTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		var err error
		reg, err = ix.Register(ctx, q, f, size, "/blobs/"+f.String())
		return err
	})
	require.NoError(t, err)
	return reg
}

func release(t *testing.T, db *store.DB, ix *Index, f fingerprint.Fingerprint) Release {
	t.Helper()
	var rel Release
	err := db.WithTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		var err error
		rel, err = ix.Release(ctx, q, f)
		return err
	})
	require.NoError(t, err)
	return rel
}

func TestRegister_NewThenExisting(t *testing.T) {
	db := newTestDB(t)
	ix := New()
	f := fp("hello")

	first := register(t, db, ix, f, 5)
	assert.True(t, first.IsNew)
	assert.Equal(t, int64(1), first.ReferenceCount)
	assert.Equal(t, "/blobs/"+f.String(), first.StoragePath)

	second := register(t, db, ix, f, 5)
	assert.False(t, second.IsNew)
	assert.Equal(t, int64(2), second.ReferenceCount)

	b, err := ix.Get(context.Background(), db.Querier(), f)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.ReferenceCount)
	assert.Equal(t, int64(5), b.SizeBytes)
	assert.False(t, b.Corrupted())
}

func TestRegister_SizeMismatch(t *testing.T) {
	db := newTestDB(t)
	ix := New()
	f := fp("x")

	register(t, db, ix, f, 1)
	err := db.WithTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		_, err := ix.Register(ctx, q, f, 2, "/p")
		return err
	})
	assert.ErrorIs(t, err, ErrSizeMismatch)

	b, err := ix.Get(context.Background(), db.Querier(), f)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.ReferenceCount, "failed register must roll back")
}

func TestRelease(t *testing.T) {
	db := newTestDB(t)
	ix := New()
	f := fp("shared")

	register(t, db, ix, f, 6)
	register(t, db, ix, f, 6)

	rel := release(t, db, ix, f)
	assert.False(t, rel.ShouldDeleteBlob)
	assert.Equal(t, int64(1), rel.Remaining)

	rel = release(t, db, ix, f)
	assert.True(t, rel.ShouldDeleteBlob)

	_, err := ix.Get(context.Background(), db.Querier(), f)
	assert.ErrorIs(t, err, ErrNotFound)

	err = db.WithTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		_, err := ix.Release(ctx, q, f)
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegister_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ix := New()
	f := fp("contended")

	const n = 16
	var wg sync.WaitGroup
	results := make([]Registration, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.WithTx(context.Background(), func(ctx context.Context, q store.Querier) error {
				var err error
				results[i], err = ix.Register(ctx, q, f, 9, "/p")
				return err
			})
		}(i)
	}
	wg.Wait()

	newCount := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i].IsNew {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount)

	b, err := ix.Get(context.Background(), db.Querier(), f)
	require.NoError(t, err)
	assert.Equal(t, int64(n), b.ReferenceCount)
}

func TestMarkCorrupt(t *testing.T) {
	db := newTestDB(t)
	ix := New()
	f := fp("rotten")
	ctx := context.Background()

	register(t, db, ix, f, 6)
	require.NoError(t, ix.MarkCorrupt(ctx, db.Querier(), f))

	b, err := ix.Get(ctx, db.Querier(), f)
	require.NoError(t, err)
	require.True(t, b.Corrupted())
	first := *b.CorruptedAt

	require.NoError(t, ix.MarkCorrupt(ctx, db.Querier(), f))
	b, err = ix.Get(ctx, db.Querier(), f)
	require.NoError(t, err)
	assert.Equal(t, first, *b.CorruptedAt)

	require.NoError(t, ix.ClearCorrupt(ctx, db.Querier(), f))
	b, err = ix.Get(ctx, db.Querier(), f)
	require.NoError(t, err)
	assert.False(t, b.Corrupted())
}

func TestList(t *testing.T) {
	db := newTestDB(t)
	ix := New()

	register(t, db, ix, fp("a"), 1)
	register(t, db, ix, fp("b"), 1)

	blobs, err := ix.List(context.Background(), db.Querier())
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Less(t, blobs[0].Fingerprint.String(), blobs[1].Fingerprint.String())
}

func TestReconcile(t *testing.T) {
	db := newTestDB(t)
	ix := New()
	ctx := context.Background()

	kept, drifted, orphan := fp("kept"), fp("drifted"), fp("orphan")
	register(t, db, ix, kept, 4)
	register(t, db, ix, drifted, 7)
	register(t, db, ix, drifted, 7)
	register(t, db, ix, drifted, 7)
	register(t, db, ix, orphan, 6)

	insertFile := func(id string, f fingerprint.Fingerprint) {
		_, err := db.Querier().ExecContext(ctx, `
			INSERT INTO files (id, fingerprint, original_filename, name_folded, media_type, category, size_bytes, uploaded_at, is_duplicate)
			VALUES (?, ?, 'n', 'n', 'text/plain', 'document', 1, 0, ?)`, id, f, false)
		require.NoError(t, err)
	}
	insertFile("1", kept)
	insertFile("2", drifted)

	adjusted, zero, err := ix.Reconcile(ctx, db.Querier())
	require.NoError(t, err)
	assert.Equal(t, int64(2), adjusted)
	assert.Equal(t, []fingerprint.Fingerprint{orphan}, zero)

	b, err := ix.Get(ctx, db.Querier(), drifted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.ReferenceCount)

	dropped, err := ix.DropUnreferenced(ctx, db.Querier(), orphan)
	require.NoError(t, err)
	assert.True(t, dropped)
	dropped, err = ix.DropUnreferenced(ctx, db.Querier(), kept)
	require.NoError(t, err)
	assert.False(t, dropped)
}
