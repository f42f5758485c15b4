package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/klauspost/compress/zstd"
)

// zstdSuffix marks blobs stored zstd-compressed.
const zstdSuffix = ".zst"

// StagingDirName is the directory under the blob root used for uploads in flight.
const StagingDirName = ".staging"

// Compression selects how FSStore encodes blobs at rest.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// FSOption configures an FSStore.
type FSOption func(*FSStore)

// WithAlgorithm sets the digest used to verify Put data.
func WithAlgorithm(alg fingerprint.Algorithm) FSOption {
	return func(s *FSStore) { s.alg = alg }
}

// WithCompression sets the at-rest encoding for newly written blobs.
// Existing blobs remain readable whatever their encoding.
func WithCompression(c Compression) FSOption {
	return func(s *FSStore) { s.compression = c }
}

// FSStore implements BlobStore using the local filesystem.
// Blobs are stored in a two-level directory structure using the first two
// characters of the fingerprint as a prefix directory, named by the full
// fingerprint.
type FSStore struct {
	root        string
	alg         fingerprint.Algorithm
	compression Compression
}

// NewFSStore creates a filesystem-backed blob store rooted at the given directory.
func NewFSStore(root string, opts ...FSOption) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	s := &FSStore{root: root, alg: fingerprint.SHA256, compression: CompressionNone}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the blob root directory.
func (s *FSStore) Root() string {
	return s.root
}

// StagingDir returns the staging directory on the same filesystem as the blobs,
// so staged uploads can be promoted with a rename.
func (s *FSStore) StagingDir() string {
	return filepath.Join(s.root, StagingDirName)
}

// Has checks whether a blob exists.
func (s *FSStore) Has(_ context.Context, fp fingerprint.Fingerprint) (bool, error) {
	_, _, err := s.locate(fp)
	if errors.Is(err, ErrBlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get opens a blob for reading.
// Returns ErrBlobNotFound if the blob does not exist.
func (s *FSStore) Get(_ context.Context, fp fingerprint.Fingerprint) (io.ReadCloser, error) {
	path, compressed, err := s.locate(fp)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("open blob %s: %w", fp, err)
	}
	if !compressed {
		return f, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open zstd blob %s: %w", fp, err)
	}
	return &zstdReadCloser{dec: dec, f: f}, nil
}

// Put stores a blob. The data is read from r and verified against fp.
// Idempotent: if the blob exists, this is a no-op.
func (s *FSStore) Put(ctx context.Context, fp fingerprint.Fingerprint, r io.Reader) (string, error) {
	if path, _, err := s.locate(fp); err == nil {
		return path, nil
	}

	blobPath := s.Path(fp)
	dir := filepath.Dir(blobPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	// Write to temp file, verify hash, rename
	tmpFile, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	hasher := fingerprint.New(s.alg)
	if err := s.encode(tmpFile, io.TeeReader(&ctxReader{ctx: ctx, r: r}, hasher)); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("write blob data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if computed := hasher.Sum(); computed != fp {
		os.Remove(tmpPath)
		return "", fmt.Errorf("expected %s, got %s: %w", fp, computed, ErrHashMismatch)
	}

	return s.publish(tmpPath, fp)
}

// Promote publishes a staged file. Uncompressed stores rename it into place;
// compressed stores encode it into the shard directory first. A rename that
// fails (for example across filesystems) falls back to a verified copy.
func (s *FSStore) Promote(ctx context.Context, fp fingerprint.Fingerprint, stagedPath string) (string, error) {
	if path, _, err := s.locate(fp); err == nil {
		return path, nil
	}

	blobPath := s.Path(fp)
	if err := os.MkdirAll(filepath.Dir(blobPath), 0755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	if s.compression == CompressionZstd {
		return s.promoteCompressed(ctx, fp, stagedPath)
	}

	if err := os.Rename(stagedPath, blobPath); err == nil {
		return blobPath, nil
	}

	f, err := os.Open(stagedPath)
	if err != nil {
		return "", fmt.Errorf("open staged blob: %w", err)
	}
	defer f.Close()
	return s.Put(ctx, fp, f)
}

func (s *FSStore) promoteCompressed(ctx context.Context, fp fingerprint.Fingerprint, stagedPath string) (string, error) {
	src, err := os.Open(stagedPath)
	if err != nil {
		return "", fmt.Errorf("open staged blob: %w", err)
	}
	defer src.Close()

	tmpFile, err := os.CreateTemp(filepath.Dir(s.Path(fp)), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if err := s.encode(tmpFile, &ctxReader{ctx: ctx, r: src}); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("compress blob data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return s.publish(tmpPath, fp)
}

// encode copies r into w using the configured at-rest encoding.
func (s *FSStore) encode(w io.Writer, r io.Reader) error {
	if s.compression != CompressionZstd {
		_, err := io.Copy(w, r)
		return err
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// publish atomically renames a fully written temp file into place.
func (s *FSStore) publish(tmpPath string, fp fingerprint.Fingerprint) (string, error) {
	if path, _, err := s.locate(fp); err == nil {
		os.Remove(tmpPath)
		return path, nil
	}

	blobPath := s.Path(fp)
	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return blobPath, nil
}

// Delete removes a blob in either encoding.
func (s *FSStore) Delete(_ context.Context, fp fingerprint.Fingerprint) error {
	base := s.basePath(fp)
	for _, p := range []string{base, base + zstdSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete blob %s: %w", fp, err)
		}
	}
	return nil
}

// List returns all blob fingerprints by scanning the directory tree.
func (s *FSStore) List(_ context.Context) ([]fingerprint.Fingerprint, error) {
	var fps []fingerprint.Fingerprint

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != s.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		fp, err := fingerprint.Parse(strings.TrimSuffix(name, zstdSuffix))
		if err != nil {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) != shardName(fp) {
			return nil
		}
		fps = append(fps, fp)
		return nil
	})

	return fps, err
}

// Path returns the filesystem path a new blob with fp is written to.
func (s *FSStore) Path(fp fingerprint.Fingerprint) string {
	if s.compression == CompressionZstd {
		return s.basePath(fp) + zstdSuffix
	}
	return s.basePath(fp)
}

func (s *FSStore) basePath(fp fingerprint.Fingerprint) string {
	return filepath.Join(s.root, shardName(fp), fp.String())
}

// locate finds an existing blob in either encoding.
func (s *FSStore) locate(fp fingerprint.Fingerprint) (string, bool, error) {
	base := s.basePath(fp)
	for _, compressed := range []bool{false, true} {
		p := base
		if compressed {
			p += zstdSuffix
		}
		_, err := os.Stat(p)
		if err == nil {
			return p, compressed, nil
		}
		if !os.IsNotExist(err) {
			return "", false, fmt.Errorf("stat blob %s: %w", fp, err)
		}
	}
	return "", false, ErrBlobNotFound
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	f   *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.f.Close()
}
