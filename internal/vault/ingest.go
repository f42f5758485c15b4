package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/kilupskalvis/filevault/internal/blobstore"
	"github.com/kilupskalvis/filevault/internal/category"
	"github.com/kilupskalvis/filevault/internal/dedup"
	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/kilupskalvis/filevault/internal/models"
	"github.com/kilupskalvis/filevault/internal/store"
)

const fallbackMediaType = "application/octet-stream"

// sniffBytes is how much of an upload is inspected for media type sniffing.
const sniffBytes = 3072

// Ingest stores one upload and records it. Identical content is stored
// once; every call still produces its own FileRecord, flagged IsDuplicate
// when the content was already present. On error nothing is left behind.
func (s *Service) Ingest(ctx context.Context, filename, mediaType string, r io.Reader) (*models.FileRecord, error) {
	name, err := cleanFilename(filename)
	if err != nil {
		return nil, err
	}

	staged, err := s.stager.Stage(ctx, r, s.opts.MaxUploadBytes)
	if err != nil {
		if errors.Is(err, blobstore.ErrTooLarge) {
			return nil, &ValidationError{
				Field:  "file",
				Reason: fmt.Sprintf("larger than %d bytes", s.opts.MaxUploadBytes),
				Cause:  ErrTooLarge,
			}
		}
		return nil, ioError("stage upload", err)
	}
	defer func() {
		if err := staged.Discard(); err != nil {
			s.logger.Warn("ingest: failed to discard staged upload", "path", staged.Path(), "error", err)
		}
	}()

	if staged.Size() == 0 {
		return nil, invalid("file", "empty upload")
	}

	mediaType = s.resolveMediaType(mediaType, name, staged)
	cat := category.Classify(mediaType, name)
	text := s.extractText(mediaType, staged)
	fp := staged.Fingerprint()

	unlock, err := s.locks.Lock(ctx, fp.String())
	if err != nil {
		return nil, ioError("lock fingerprint", err)
	}
	defer unlock()

	// Publish before the transaction so the catalog write lock is never
	// held across blob I/O. The fingerprint lock keeps Delete and GC off
	// this blob until the record is committed.
	var (
		rec       *models.FileRecord
		published bool
	)
	storedAt := s.blobs.Path(fp)
	if _, err := s.index.Get(ctx, s.db.Querier(), fp); errors.Is(err, dedup.ErrNotFound) {
		if storedAt, err = blobstore.Publish(ctx, s.blobs, staged); err != nil {
			return nil, ioError("publish blob", err)
		}
		published = true
	} else if err != nil {
		return nil, ioError("ingest", err)
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, q store.Querier) error {
		reg, err := s.index.Register(ctx, q, fp, staged.Size(), storedAt)
		if err != nil {
			return err
		}
		if reg.IsNew && !published {
			// The row went away between the check and the transaction,
			// which only another process can cause.
			if storedAt, err = blobstore.Publish(ctx, s.blobs, staged); err != nil {
				return fmt.Errorf("publish blob: %w", err)
			}
			published = true
			if err := s.index.SetStoragePath(ctx, q, fp, storedAt); err != nil {
				return err
			}
		}
		if text != "" {
			if err := s.catalog.SaveContent(ctx, q, fp, text); err != nil {
				return err
			}
		}

		rec = &models.FileRecord{
			Fingerprint:      fp,
			OriginalFilename: name,
			MediaType:        mediaType,
			Category:         cat,
			SizeBytes:        staged.Size(),
			UploadedAt:       s.now().UTC(),
			IsDuplicate:      !reg.IsNew,
		}
		_, err = s.catalog.Insert(ctx, q, rec)
		return err
	})
	if err != nil {
		if published {
			s.discardUnindexed(context.WithoutCancel(ctx), fp)
		}
		s.logger.Warn("ingest rolled back", "filename", name, "fingerprint", fp.String(), "error", err)
		return nil, ioError("ingest", err)
	}

	s.logger.Info("file ingested",
		"file_id", rec.ID,
		"fingerprint", fp.String(),
		"size", rec.SizeBytes,
		"category", string(rec.Category),
		"is_duplicate", rec.IsDuplicate,
	)
	return rec, nil
}

// discardUnindexed removes a blob published by a failed ingest, unless a
// committed row references it.
func (s *Service) discardUnindexed(ctx context.Context, fp fingerprint.Fingerprint) {
	if _, err := s.index.Get(ctx, s.db.Querier(), fp); !errors.Is(err, dedup.ErrNotFound) {
		return
	}
	if err := s.blobs.Delete(ctx, fp); err != nil {
		s.logger.Warn("ingest: failed to remove unrecorded blob", "fingerprint", fp.String(), "error", err)
	}
}

// Reclassify recomputes the category of an existing record from its stored
// media type and filename.
func (s *Service) Reclassify(ctx context.Context, id string) (category.Category, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	c := category.Classify(rec.MediaType, rec.OriginalFilename)
	if c == rec.Category {
		return c, nil
	}
	if err := s.catalog.SetCategory(ctx, s.db.Querier(), id, c); err != nil {
		return "", ioError("reclassify", err)
	}
	return c, nil
}

// cleanFilename keeps the last path element of a client-supplied name.
func cleanFilename(filename string) (string, error) {
	name := strings.TrimSpace(strings.ReplaceAll(filename, `\`, "/"))
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." || name == "" {
		return "", invalid("filename", "missing")
	}
	if len(name) > MaxFilenameBytes {
		return "", invalid("filename", fmt.Sprintf("longer than %d bytes", MaxFilenameBytes))
	}
	if !utf8.ValidString(name) {
		return "", invalid("filename", "not valid UTF-8")
	}
	return name, nil
}

// resolveMediaType picks the recorded media type: a specific declared type,
// else the extension's registered type, else a content sniff, else
// application/octet-stream.
func (s *Service) resolveMediaType(declared, name string, staged *blobstore.Staged) string {
	mt := category.Normalize(declared)
	if mt != "" && !category.IsGeneric(mt) {
		return mt
	}

	if byExt := category.Normalize(mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))); !category.IsGeneric(byExt) {
		return byExt
	}

	if s.opts.SniffMediaType {
		if sniffed := s.sniff(staged); sniffed != "" && !category.IsGeneric(sniffed) {
			return sniffed
		}
	}

	if mt != "" {
		return mt
	}
	return fallbackMediaType
}

func (s *Service) sniff(staged *blobstore.Staged) string {
	f, err := staged.Open()
	if err != nil {
		return ""
	}
	defer f.Close()

	m, err := mimetype.DetectReader(io.LimitReader(f, sniffBytes))
	if err != nil {
		return ""
	}
	return category.Normalize(m.String())
}

func (s *Service) extractText(mediaType string, staged *blobstore.Staged) string {
	f, err := staged.Open()
	if err != nil {
		return ""
	}
	defer f.Close()

	text, ok, err := s.extractor.Extract(mediaType, f)
	if err != nil {
		s.logger.Warn("ingest: content extraction failed", "fingerprint", staged.Fingerprint().String(), "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	return text
}
