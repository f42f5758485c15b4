// Package query compiles search filters into catalog predicates and runs
// them with timing instrumentation.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kilupskalvis/filevault/internal/catalog"
	"github.com/kilupskalvis/filevault/internal/category"
)

const (
	KiB = 1 << 10
	MiB = 1 << 20
)

// ErrInvalidFilter is wrapped by every FilterError.
var ErrInvalidFilter = errors.New("invalid filter")

// FilterError describes one rejected filter field.
type FilterError struct {
	Field  string
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter %s: %s", e.Field, e.Reason)
}

func (e *FilterError) Unwrap() error {
	return ErrInvalidFilter
}

// DateBucket is a rolling upload-time window.
type DateBucket string

const (
	DateToday DateBucket = "today"
	DateWeek  DateBucket = "week"
	DateMonth DateBucket = "month"
	DateYear  DateBucket = "year"
)

// SizeBucket partitions sizes: small is below 1 MiB, medium is at least
// 1 MiB and below 10 MiB, large is 10 MiB and up.
type SizeBucket string

const (
	SizeSmall  SizeBucket = "small"
	SizeMedium SizeBucket = "medium"
	SizeLarge  SizeBucket = "large"
)

// DuplicateFilter restricts results by the duplicate flag.
type DuplicateFilter string

const (
	DuplicatesAny     DuplicateFilter = ""
	DuplicatesOnly    DuplicateFilter = "only"
	DuplicatesExclude DuplicateFilter = "exclude"
)

// Filter is a search request. Every field is optional; set fields combine
// with AND. Start and End form a half-open range and take precedence over
// DateBucket when either is set.
type Filter struct {
	NameSubstring     string
	ContentSubstring  string
	FingerprintPrefix string
	MediaType         string
	Category          category.Category
	DateBucket        DateBucket
	Start             *time.Time
	End               *time.Time
	SizeBucket        SizeBucket
	Duplicates        DuplicateFilter

	Order  catalog.Order
	Limit  int
	Offset int
}

var hexPrefix = regexp.MustCompile(`^[0-9a-f]{4,64}$`)

// CompileOptions carries the environment a filter compiles against.
type CompileOptions struct {
	Now            time.Time
	Location       *time.Location
	ContentIndexed bool
}

// Compile validates f and builds the catalog predicate.
func Compile(f Filter, opts CompileOptions) (catalog.Predicate, error) {
	var p catalog.Predicate

	if f.NameSubstring != "" {
		p = p.And(catalog.NameContains(f.NameSubstring))
	}

	// Without a content index the content filter constrains nothing.
	if f.ContentSubstring != "" && opts.ContentIndexed {
		p = p.And(catalog.ContentContains(f.ContentSubstring))
	}

	if f.FingerprintPrefix != "" {
		prefix := strings.ToLower(f.FingerprintPrefix)
		if !hexPrefix.MatchString(prefix) {
			return p, &FilterError{Field: "fingerprint", Reason: "must be 4 to 64 hex characters"}
		}
		p = p.And(catalog.FingerprintPrefix(prefix))
	}

	if f.MediaType != "" {
		p = p.And(catalog.MediaTypeIs(category.Normalize(f.MediaType)))
	}

	if f.Category != "" {
		c, err := category.Parse(string(f.Category))
		if err != nil {
			return p, &FilterError{Field: "category", Reason: err.Error()}
		}
		p = p.And(catalog.CategoryIs(c))
	}

	var err error
	if p, err = compileDates(p, f, opts); err != nil {
		return p, err
	}
	if p, err = compileSize(p, f.SizeBucket); err != nil {
		return p, err
	}

	switch f.Duplicates {
	case DuplicatesAny:
	case DuplicatesOnly:
		p = p.And(catalog.IsDuplicate(true))
	case DuplicatesExclude:
		p = p.And(catalog.IsDuplicate(false))
	default:
		return p, &FilterError{Field: "duplicates", Reason: fmt.Sprintf("unknown value %q", f.Duplicates)}
	}

	return p, nil
}

func compileDates(p catalog.Predicate, f Filter, opts CompileOptions) (catalog.Predicate, error) {
	if f.Start != nil || f.End != nil {
		if f.Start != nil && f.End != nil && !f.Start.Before(*f.End) {
			return p, &FilterError{Field: "start", Reason: "must be before end"}
		}
		if f.Start != nil {
			p = p.And(catalog.UploadedAtOrAfter(*f.Start))
		}
		if f.End != nil {
			p = p.And(catalog.UploadedBefore(*f.End))
		}
		return p, nil
	}

	if f.DateBucket == "" {
		return p, nil
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	var from time.Time
	switch f.DateBucket {
	case DateToday:
		local := now.In(loc)
		from = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	case DateWeek:
		from = now.Add(-7 * 24 * time.Hour)
	case DateMonth:
		from = now.Add(-30 * 24 * time.Hour)
	case DateYear:
		from = now.Add(-365 * 24 * time.Hour)
	default:
		return p, &FilterError{Field: "date", Reason: fmt.Sprintf("unknown bucket %q", f.DateBucket)}
	}
	return p.And(catalog.UploadedAtOrAfter(from)), nil
}

func compileSize(p catalog.Predicate, b SizeBucket) (catalog.Predicate, error) {
	switch b {
	case "":
		return p, nil
	case SizeSmall:
		return p.And(catalog.SizeBelow(MiB)), nil
	case SizeMedium:
		return p.And(catalog.SizeAtLeast(MiB)).And(catalog.SizeBelow(10 * MiB)), nil
	case SizeLarge:
		return p.And(catalog.SizeAtLeast(10 * MiB)), nil
	default:
		return p, &FilterError{Field: "size", Reason: fmt.Sprintf("unknown bucket %q", b)}
	}
}
