package vault

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/kilupskalvis/filevault/internal/blobstore"
	"github.com/kilupskalvis/filevault/internal/dedup"
	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/kilupskalvis/filevault/internal/models"
)

// Download is an open file returned by Fetch. Body must be closed.
type Download struct {
	Record *models.FileRecord
	Body   io.ReadCloser
}

// Size returns the content length.
func (d *Download) Size() int64 {
	return d.Record.SizeBytes
}

// Fetch opens the stored bytes for id. The stream is verified while it is
// read: if the bytes do not hash to the recorded fingerprint the final Read
// returns ErrCorrupted in place of io.EOF and the blob is flagged.
func (s *Service) Fetch(ctx context.Context, id string) (*Download, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fp := rec.Fingerprint

	blob, err := s.index.Get(ctx, s.db.Querier(), fp)
	if err != nil {
		if errors.Is(err, dedup.ErrNotFound) {
			return nil, ioError("fetch", fmt.Errorf("record %s references unindexed blob %s", id, fp.Short()))
		}
		return nil, ioError("fetch", err)
	}
	if blob.Corrupted() {
		return nil, fmt.Errorf("%w: %s flagged at %s", ErrCorrupted, fp.Short(), blob.CorruptedAt.Format("2006-01-02T15:04:05Z07:00"))
	}

	if s.opts.VerifyOnFetch {
		if err := s.verifyBlob(ctx, fp); err != nil {
			return nil, err
		}
	}

	body, err := s.openBlob(ctx, fp)
	if err != nil {
		return nil, err
	}

	return &Download{
		Record: rec,
		Body: &verifyingReader{
			rc:       body,
			hasher:   fingerprint.New(s.Algorithm()),
			expected: fp,
			onMismatch: func() {
				s.markCorrupt(context.WithoutCancel(ctx), fp, "stream digest mismatch")
			},
		},
	}, nil
}

// openBlob opens fp, flagging it when the index knows it but the store does not.
func (s *Service) openBlob(ctx context.Context, fp fingerprint.Fingerprint) (io.ReadCloser, error) {
	body, err := s.blobs.Get(ctx, fp)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		s.markCorrupt(ctx, fp, "blob missing from store")
		return nil, fmt.Errorf("%w: %s missing from store", ErrCorrupted, fp.Short())
	}
	if err != nil {
		return nil, ioError("open blob", err)
	}
	return body, nil
}

// verifyBlob re-hashes the stored bytes of fp.
func (s *Service) verifyBlob(ctx context.Context, fp fingerprint.Fingerprint) error {
	body, err := s.openBlob(ctx, fp)
	if err != nil {
		return err
	}
	defer body.Close()

	got, _, err := fingerprint.Of(s.Algorithm(), body)
	if err != nil {
		return ioError("verify blob", err)
	}
	if got != fp {
		s.markCorrupt(ctx, fp, "digest mismatch")
		return fmt.Errorf("%w: %s hashes to %s", ErrCorrupted, fp.Short(), got.Short())
	}
	return nil
}

func (s *Service) markCorrupt(ctx context.Context, fp fingerprint.Fingerprint, reason string) {
	s.logger.Error("blob failed verification", "fingerprint", fp.String(), "reason", reason)
	if err := s.index.MarkCorrupt(ctx, s.db.Querier(), fp); err != nil {
		s.logger.Warn("failed to flag corrupt blob", "fingerprint", fp.String(), "error", err)
	}
}

// verifyingReader hashes everything read through it and checks the digest
// when the underlying stream ends.
type verifyingReader struct {
	rc         io.ReadCloser
	hasher     *fingerprint.Hasher
	expected   fingerprint.Fingerprint
	onMismatch func()
	failed     bool
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	if v.failed {
		return 0, ErrCorrupted
	}
	n, err := v.rc.Read(p)
	v.hasher.Write(p[:n])
	if err == io.EOF {
		if v.hasher.Sum() != v.expected {
			v.failed = true
			v.onMismatch()
			return n, fmt.Errorf("%w: %s", ErrCorrupted, v.expected.Short())
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	return v.rc.Close()
}
