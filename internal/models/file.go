// Package models defines the records shared between the catalog, the
// dedup index and the service layer.
package models

import (
	"time"

	"github.com/kilupskalvis/filevault/internal/category"
	"github.com/kilupskalvis/filevault/internal/fingerprint"
)

// Blob is the single physical copy of a distinct content.
type Blob struct {
	Fingerprint    fingerprint.Fingerprint
	SizeBytes      int64
	StoragePath    string
	ReferenceCount int64
	CreatedAt      time.Time
	CorruptedAt    *time.Time // set when a recomputed digest did not match
}

// Corrupted reports whether the blob has been flagged by verification.
func (b *Blob) Corrupted() bool {
	return b.CorruptedAt != nil
}

// FileRecord is one upload event. Several records may share a fingerprint.
type FileRecord struct {
	ID               string
	Fingerprint      fingerprint.Fingerprint
	OriginalFilename string
	MediaType        string
	Category         category.Category
	SizeBytes        int64
	UploadedAt       time.Time
	IsDuplicate      bool
}

// FileView is the shape of a FileRecord handed to outer collaborators.
type FileView struct {
	ID               string            `json:"id"`
	Fingerprint      string            `json:"fingerprint"`
	OriginalFilename string            `json:"original_filename"`
	MediaType        string            `json:"media_type"`
	Category         category.Category `json:"category"`
	SizeBytes        int64             `json:"size"`
	UploadedAt       time.Time         `json:"uploaded_at"`
	IsDuplicate      bool              `json:"is_duplicate"`
}

// View converts a record into its outward shape.
func (r *FileRecord) View() FileView {
	return FileView{
		ID:               r.ID,
		Fingerprint:      r.Fingerprint.String(),
		OriginalFilename: r.OriginalFilename,
		MediaType:        r.MediaType,
		Category:         r.Category,
		SizeBytes:        r.SizeBytes,
		UploadedAt:       r.UploadedAt.UTC(),
		IsDuplicate:      r.IsDuplicate,
	}
}
