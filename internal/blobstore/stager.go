package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kilupskalvis/filevault/internal/fingerprint"
)

// chunkSize is the copy buffer used while staging. Memory per upload is
// bounded by this regardless of the upload's total length.
const chunkSize = 64 * 1024

const stagedPrefix = "upload-"

// Stager writes incoming streams to temporary files while hashing them.
type Stager struct {
	dir string
	alg fingerprint.Algorithm
}

// NewStager creates a stager writing into dir.
func NewStager(dir string, alg fingerprint.Algorithm) (*Stager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &Stager{dir: dir, alg: alg}, nil
}

// Dir returns the staging directory.
func (s *Stager) Dir() string {
	return s.dir
}

// Algorithm returns the digest the stager computes.
func (s *Stager) Algorithm() fingerprint.Algorithm {
	return s.alg
}

// Stage copies r into a new temporary file, computing its fingerprint on the
// way. A limit above zero caps the number of bytes accepted; exceeding it
// returns ErrTooLarge. On any error the temporary file is removed.
func (s *Stager) Stage(ctx context.Context, r io.Reader, limit int64) (*Staged, error) {
	tmpFile, err := os.CreateTemp(s.dir, stagedPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	tmpPath := tmpFile.Name()

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}

	hasher := fingerprint.New(s.alg)
	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(io.MultiWriter(tmpFile, hasher), src, buf)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("stage upload: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close staging file: %w", err)
	}

	if limit > 0 && n > limit {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}

	return &Staged{fp: hasher.Sum(), size: n, path: tmpPath}, nil
}

// Sweep removes staging files last modified before now minus maxAge.
// These are left behind only by a crashed process.
func (s *Stager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), stagedPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// Staged is a fully received upload waiting to be published or discarded.
type Staged struct {
	fp   fingerprint.Fingerprint
	size int64
	path string
}

// Fingerprint returns the digest of the staged bytes.
func (s *Staged) Fingerprint() fingerprint.Fingerprint {
	return s.fp
}

// Size returns the number of staged bytes.
func (s *Staged) Size() int64 {
	return s.size
}

// Path returns the temporary file path.
func (s *Staged) Path() string {
	return s.path
}

// Open opens the staged bytes for reading.
func (s *Staged) Open() (io.ReadCloser, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open staged upload: %w", err)
	}
	return f, nil
}

// Discard removes the staged file. Safe to call after a promoting rename
// has already moved it, and safe to call more than once.
func (s *Staged) Discard() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard staged upload: %w", err)
	}
	return nil
}
