// Package category maps media types and filenames onto a fixed set of
// coarse categories used for filtering.
package category

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Category is a coarse classification bucket.
type Category string

const (
	Document    Category = "document"
	Image       Category = "image"
	Video       Category = "video"
	Audio       Category = "audio"
	Spreadsheet Category = "spreadsheet"
	Archive     Category = "archive"
	Code        Category = "code"
)

// All returns every category in a stable order.
func All() []Category {
	return []Category{Document, Image, Video, Audio, Spreadsheet, Archive, Code}
}

// Parse validates a category name (case-insensitive).
func Parse(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case Document, Image, Video, Audio, Spreadsheet, Archive, Code:
		return c, nil
	default:
		return "", fmt.Errorf("unknown category: %q", s)
	}
}

// exactTypes maps full media types whose category is not implied by the
// primary token.
var exactTypes = map[string]Category{
	"application/pdf":      Document,
	"application/msword":   Document,
	"application/rtf":      Document,
	"application/epub+zip": Document,

	"application/vnd.oasis.opendocument.text": Document,

	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": Document,

	"text/csv":                 Spreadsheet,
	"application/csv":          Spreadsheet,
	"application/vnd.ms-excel": Spreadsheet,

	"application/vnd.oasis.opendocument.spreadsheet": Spreadsheet,

	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": Spreadsheet,

	"application/zip":              Archive,
	"application/x-zip-compressed": Archive,
	"application/x-rar-compressed": Archive,
	"application/vnd.rar":          Archive,
	"application/x-tar":            Archive,
	"application/gzip":             Archive,
	"application/x-gzip":           Archive,
	"application/x-bzip2":          Archive,
	"application/x-xz":             Archive,
	"application/x-7z-compressed":  Archive,
	"application/zstd":             Archive,

	"application/json":         Code,
	"application/javascript":   Code,
	"application/x-javascript": Code,
	"application/typescript":   Code,
	"application/xml":          Code,
	"application/x-sh":         Code,
	"application/x-python":     Code,
	"application/x-httpd-php":  Code,
	"application/toml":         Code,
	"application/x-yaml":       Code,
	"application/yaml":         Code,
	"application/sql":          Code,
	"text/html":                Code,
	"text/css":                 Code,
	"text/javascript":          Code,
	"text/xml":                 Code,
	"text/markdown":            Document,
	"text/plain":               Document,
}

// extensions maps lowercase filename extensions for the fallback path.
var extensions = map[string]Category{
	".pdf": Document, ".doc": Document, ".docx": Document, ".txt": Document,
	".rtf": Document, ".odt": Document, ".md": Document, ".epub": Document,

	".png": Image, ".jpg": Image, ".jpeg": Image, ".gif": Image, ".webp": Image,
	".bmp": Image, ".svg": Image, ".tif": Image, ".tiff": Image, ".heic": Image, ".ico": Image,

	".mp4": Video, ".mov": Video, ".avi": Video, ".mkv": Video, ".webm": Video, ".m4v": Video,

	".mp3": Audio, ".wav": Audio, ".ogg": Audio, ".flac": Audio, ".m4a": Audio, ".aac": Audio,

	".csv": Spreadsheet, ".xls": Spreadsheet, ".xlsx": Spreadsheet, ".ods": Spreadsheet, ".tsv": Spreadsheet,

	".zip": Archive, ".rar": Archive, ".tar": Archive, ".gz": Archive, ".tgz": Archive,
	".bz2": Archive, ".xz": Archive, ".7z": Archive, ".zst": Archive,

	".go": Code, ".py": Code, ".js": Code, ".ts": Code, ".html": Code, ".htm": Code,
	".css": Code, ".json": Code, ".xml": Code, ".yaml": Code, ".yml": Code, ".toml": Code,
	".sh": Code, ".c": Code, ".h": Code, ".cpp": Code, ".java": Code, ".rs": Code,
	".rb": Code, ".php": Code, ".sql": Code, ".kt": Code, ".swift": Code,
}

// genericTypes carry no category information; classification falls
// through to the filename extension.
var genericTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
	"application/unknown":      true,
	"application/x-unknown":    true,
}

// Classify returns the category for a declared media type, falling back to
// the filename extension when the type is missing, generic or unrecognized.
// Unrecognized input yields Document.
func Classify(mediaType, filename string) Category {
	mt := normalize(mediaType)
	if !genericTypes[mt] {
		if c, ok := byMediaType(mt); ok {
			return c
		}
	}
	if c, ok := extensions[strings.ToLower(filepath.Ext(filename))]; ok {
		return c
	}
	return Document
}

func byMediaType(mt string) (Category, bool) {
	if c, ok := exactTypes[mt]; ok {
		return c, true
	}
	primary, sub, _ := strings.Cut(mt, "/")
	switch primary {
	case "image":
		return Image, true
	case "video":
		return Video, true
	case "audio":
		return Audio, true
	case "text":
		if strings.HasPrefix(sub, "x-") {
			return Code, true
		}
		return Document, true
	case "application":
		switch {
		case strings.HasSuffix(sub, "+json"), strings.HasSuffix(sub, "+xml"):
			return Code, true
		case strings.HasPrefix(sub, "vnd.ms-excel"), strings.Contains(sub, "spreadsheet"):
			return Spreadsheet, true
		case strings.HasPrefix(sub, "vnd.ms-word"), strings.Contains(sub, "wordprocessing"),
			strings.HasPrefix(sub, "vnd.ms-powerpoint"), strings.Contains(sub, "presentation"):
			return Document, true
		}
	}
	return "", false
}

// normalize lowercases a media type and strips parameters such as charset.
func normalize(mediaType string) string {
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(mediaType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsGeneric reports whether a media type carries no useful type information.
func IsGeneric(mediaType string) bool {
	return genericTypes[normalize(mediaType)]
}

// Normalize exposes the media-type normalization used by Classify.
func Normalize(mediaType string) string {
	return normalize(mediaType)
}
