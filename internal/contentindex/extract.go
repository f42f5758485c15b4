// Package contentindex extracts searchable text from uploads.
package contentindex

import (
	"fmt"
	"io"
	"strings"

	"github.com/kilupskalvis/filevault/internal/category"
)

// DefaultLimit is the number of leading bytes indexed per blob.
const DefaultLimit = 1 << 20

// Extractor turns blob bytes into indexable text. The boolean result is
// false when the media type is not handled, in which case nothing is read.
type Extractor interface {
	Extract(mediaType string, r io.Reader) (string, bool, error)
}

// Nop never extracts anything. Content filters then match no indexed text.
type Nop struct{}

// Extract implements Extractor.
func (Nop) Extract(string, io.Reader) (string, bool, error) {
	return "", false, nil
}

var textTypes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/javascript": true,
	"application/x-yaml":     true,
	"application/yaml":       true,
	"application/toml":       true,
	"application/x-sh":       true,
	"application/sql":        true,
}

// Text indexes the leading Limit bytes of textual media types as UTF-8.
// Invalid sequences and NUL bytes are dropped.
type Text struct {
	Limit int64
}

// NewText returns a Text extractor; a non-positive limit uses DefaultLimit.
func NewText(limit int64) *Text {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Text{Limit: limit}
}

// Handles reports whether mediaType is extracted.
func (t *Text) Handles(mediaType string) bool {
	mt := category.Normalize(mediaType)
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	return textTypes[mt] || strings.HasSuffix(mt, "+json") || strings.HasSuffix(mt, "+xml")
}

// Extract implements Extractor.
func (t *Text) Extract(mediaType string, r io.Reader) (string, bool, error) {
	if !t.Handles(mediaType) {
		return "", false, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, t.Limit))
	if err != nil {
		return "", false, fmt.Errorf("read content: %w", err)
	}

	s := strings.ToValidUTF8(string(data), "")
	s = strings.ReplaceAll(s, "\x00", "")
	return s, true, nil
}
