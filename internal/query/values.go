package query

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/filevault/internal/catalog"
	"github.com/kilupskalvis/filevault/internal/category"
)

// FromValues reads a Filter from URL query parameters:
//
//	q, content, fingerprint, media_type, category, date, start, end,
//	size, duplicates, order, limit, offset
//
// start and end accept RFC 3339 timestamps or YYYY-MM-DD dates (UTC).
func FromValues(v url.Values) (Filter, error) {
	f := Filter{
		NameSubstring:     v.Get("q"),
		ContentSubstring:  v.Get("content"),
		FingerprintPrefix: strings.TrimSpace(v.Get("fingerprint")),
		MediaType:         strings.TrimSpace(v.Get("media_type")),
		DateBucket:        DateBucket(strings.ToLower(v.Get("date"))),
		SizeBucket:        SizeBucket(strings.ToLower(v.Get("size"))),
		Duplicates:        DuplicateFilter(strings.ToLower(v.Get("duplicates"))),
	}
	if f.NameSubstring == "" {
		f.NameSubstring = v.Get("name")
	}

	if s := v.Get("category"); s != "" {
		c, err := category.Parse(s)
		if err != nil {
			return f, &FilterError{Field: "category", Reason: err.Error()}
		}
		f.Category = c
	}

	var err error
	if f.Start, err = parseTime("start", v.Get("start")); err != nil {
		return f, err
	}
	if f.End, err = parseTime("end", v.Get("end")); err != nil {
		return f, err
	}

	if s := v.Get("order"); s != "" {
		o, err := catalog.ParseOrder(s)
		if err != nil {
			return f, &FilterError{Field: "order", Reason: err.Error()}
		}
		f.Order = o
	}

	if f.Limit, err = parseInt("limit", v.Get("limit")); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt("offset", v.Get("offset")); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(field, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, &FilterError{Field: field, Reason: "expected RFC 3339 timestamp or YYYY-MM-DD"}
}

func parseInt(field, s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, &FilterError{Field: field, Reason: "must be a non-negative integer"}
	}
	return n, nil
}
