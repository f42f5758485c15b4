package vault

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGC_DeletesOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kept := f.ingest(t, "kept.txt", "text/plain", "referenced")
	orphan := fingerprint.OfBytes(fingerprint.SHA256, []byte("orphan"))
	_, err := f.fs.Put(ctx, orphan, strings.NewReader("orphan"))
	require.NoError(t, err)

	result, err := f.svc.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.BlobsScanned)
	assert.Equal(t, 1, result.OrphansDeleted)

	has, err := f.fs.Has(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, has)
	has, err = f.fs.Has(ctx, kept.Fingerprint)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestGC_FixesReferenceCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.ingest(t, "a.txt", "text/plain", "drifted")

	_, err := f.db.Querier().ExecContext(ctx, `UPDATE blobs SET reference_count = 5 WHERE fingerprint = ?`, rec.Fingerprint)
	require.NoError(t, err)

	result, err := f.svc.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.RefCountsFixed)
	assert.Zero(t, result.UnreferencedFreed)
	assert.Equal(t, int64(1), f.blob(t, rec.Fingerprint).ReferenceCount)
}

func TestGC_DropsUnreferencedBlobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.ingest(t, "a.txt", "text/plain", "lost record")

	_, err := f.db.Querier().ExecContext(ctx, `DELETE FROM files WHERE id = ?`, rec.ID)
	require.NoError(t, err)

	result, err := f.svc.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.UnreferencedFreed)
	assert.Empty(t, f.stored(t))

	st, err := f.svc.Stat(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Blobs)
}

func TestGC_SweepsStaleStaging(t *testing.T) {
	f := newFixture(t, withOptions(func(o *Options) { o.StagingMaxAge = time.Hour }))
	ctx := context.Background()

	stale := filepath.Join(f.fs.StagingDir(), "upload-stale")
	fresh := filepath.Join(f.fs.StagingDir(), "upload-fresh")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("y"), 0644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	result, err := f.svc.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.StagingRemoved)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestGC_Clean(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "a.txt", "text/plain", "one")
	f.ingest(t, "b.txt", "text/plain", "one")

	result, err := f.svc.GC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &GCResult{BlobsScanned: 1}, result)
}

func TestScrub(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := f.ingest(t, "good.txt", "text/plain", "good")
	bad := f.ingest(t, "bad.txt", "text/plain", "bad")
	gone := f.ingest(t, "gone.txt", "text/plain", "gone")

	require.NoError(t, os.WriteFile(f.fs.Path(bad.Fingerprint), []byte("BAD"), 0644))
	require.NoError(t, os.Remove(f.fs.Path(gone.Fingerprint)))

	result, err := f.svc.Scrub(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Checked)
	assert.Equal(t, []string{bad.Fingerprint.String()}, result.Corrupt)
	assert.Equal(t, []string{gone.Fingerprint.String()}, result.Missing)
	assert.Empty(t, result.Cleared)
	assert.False(t, f.blob(t, good.Fingerprint).Corrupted())
	assert.True(t, f.blob(t, bad.Fingerprint).Corrupted())

	// Restoring the bytes clears the flag on the next pass.
	require.NoError(t, os.WriteFile(f.fs.Path(bad.Fingerprint), []byte("bad"), 0644))

	result, err = f.svc.Scrub(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{bad.Fingerprint.String()}, result.Cleared)
	assert.Empty(t, result.Corrupt)
	assert.False(t, f.blob(t, bad.Fingerprint).Corrupted())
}
