// Package blobstore provides content-addressable storage for file contents.
package blobstore

import (
	"context"
	"errors"
	"io"

	"github.com/kilupskalvis/filevault/internal/fingerprint"
)

// ErrBlobNotFound is returned when a requested blob does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// ErrHashMismatch is returned when the computed digest of blob data does not match the expected fingerprint.
var ErrHashMismatch = errors.New("blob hash mismatch")

// ErrTooLarge is returned when a staged upload exceeds the configured limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// BlobStore defines the contract for content-addressable binary storage.
// Published blobs are immutable; readers never observe a partial write.
type BlobStore interface {
	// Has checks whether a blob with the given fingerprint exists.
	Has(ctx context.Context, fp fingerprint.Fingerprint) (bool, error)

	// Get returns a reader for the blob data.
	// Returns ErrBlobNotFound if the blob does not exist.
	Get(ctx context.Context, fp fingerprint.Fingerprint) (io.ReadCloser, error)

	// Put stores a blob and returns its storage path. The data is verified
	// against fp. Idempotent: if the blob exists the data is discarded.
	Put(ctx context.Context, fp fingerprint.Fingerprint, r io.Reader) (string, error)

	// Delete removes a blob. No error if it doesn't exist.
	Delete(ctx context.Context, fp fingerprint.Fingerprint) error

	// List returns the fingerprints of every stored blob.
	List(ctx context.Context) ([]fingerprint.Fingerprint, error)

	// Path returns the deterministic storage location for fp.
	Path(fp fingerprint.Fingerprint) string
}

// Promoter is implemented by stores that can publish a staged file
// without copying it, typically with a rename.
type Promoter interface {
	// Promote publishes the staged file at stagedPath under fp. The digest
	// has already been computed by the stager and is not re-verified.
	Promote(ctx context.Context, fp fingerprint.Fingerprint, stagedPath string) (string, error)
}

// Publish makes staged bytes visible in store, using a Promoter when available.
func Publish(ctx context.Context, store BlobStore, st *Staged) (string, error) {
	if p, ok := store.(Promoter); ok {
		return p.Promote(ctx, st.Fingerprint(), st.Path())
	}

	f, err := st.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	return store.Put(ctx, st.Fingerprint(), f)
}

// ctxReader aborts a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// shardName returns the two-character prefix directory for fp.
func shardName(fp fingerprint.Fingerprint) string {
	return fp.String()[:2]
}
