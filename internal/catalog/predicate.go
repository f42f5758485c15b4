package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/kilupskalvis/filevault/internal/category"
	"golang.org/x/text/cases"
)

// Condition is one SQL boolean term with its bound arguments.
type Condition struct {
	SQL  string
	Args []any
}

// Predicate is a conjunction of conditions. The zero value matches every
// record.
type Predicate struct {
	conds []Condition
}

// And returns a predicate with c appended.
func (p Predicate) And(c Condition) Predicate {
	conds := make([]Condition, len(p.conds), len(p.conds)+1)
	copy(conds, p.conds)
	return Predicate{conds: append(conds, c)}
}

// Len returns the number of conditions.
func (p Predicate) Len() int {
	return len(p.conds)
}

// String renders the WHERE body, for logging and tests.
func (p Predicate) String() string {
	if len(p.conds) == 0 {
		return "TRUE"
	}
	parts := make([]string, len(p.conds))
	for i, c := range p.conds {
		parts[i] = c.SQL
	}
	return strings.Join(parts, " AND ")
}

func (p Predicate) where() string {
	if len(p.conds) == 0 {
		return ""
	}
	return " WHERE " + p.String()
}

func (p Predicate) args() []any {
	var args []any
	for _, c := range p.conds {
		args = append(args, c.Args...)
	}
	return args
}

// escapeLike escapes LIKE wildcards so s matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Fold returns the caseless form of s stored next to filenames and indexed
// text. Matching happens on folded values on both dialects, since SQL
// lower() on sqlite only folds ASCII.
func Fold(s string) string {
	return cases.Fold().String(s)
}

func containsPattern(s string) string {
	return "%" + escapeLike(Fold(s)) + "%"
}

// NameContains matches a case-insensitive substring of the original filename.
func NameContains(s string) Condition {
	return Condition{
		SQL:  `name_folded LIKE ? ESCAPE '\'`,
		Args: []any{containsPattern(s)},
	}
}

// ContentContains matches a case-insensitive substring of the indexed text.
func ContentContains(s string) Condition {
	return Condition{
		SQL: `EXISTS (SELECT 1 FROM blob_text bt WHERE bt.fingerprint = files.fingerprint` +
			` AND bt.body_folded LIKE ? ESCAPE '\')`,
		Args: []any{containsPattern(s)},
	}
}

// FingerprintPrefix matches records whose fingerprint starts with prefix.
func FingerprintPrefix(prefix string) Condition {
	return Condition{
		SQL:  `fingerprint LIKE ? ESCAPE '\'`,
		Args: []any{escapeLike(strings.ToLower(prefix)) + "%"},
	}
}

// MediaTypeIs matches the stored media type exactly, ignoring case.
func MediaTypeIs(mediaType string) Condition {
	return Condition{
		SQL:  `lower(media_type) = ?`,
		Args: []any{strings.ToLower(mediaType)},
	}
}

// CategoryIs matches one category.
func CategoryIs(c category.Category) Condition {
	return Condition{SQL: `category = ?`, Args: []any{string(c)}}
}

// IsDuplicate matches records by their duplicate flag.
func IsDuplicate(dup bool) Condition {
	return Condition{SQL: `is_duplicate = ?`, Args: []any{dup}}
}

// UploadedAtOrAfter matches records uploaded at or after t.
func UploadedAtOrAfter(t time.Time) Condition {
	return Condition{SQL: `uploaded_at >= ?`, Args: []any{t.UnixNano()}}
}

// UploadedBefore matches records uploaded strictly before t.
func UploadedBefore(t time.Time) Condition {
	return Condition{SQL: `uploaded_at < ?`, Args: []any{t.UnixNano()}}
}

// SizeAtLeast matches records of at least n bytes.
func SizeAtLeast(n int64) Condition {
	return Condition{SQL: `size_bytes >= ?`, Args: []any{n}}
}

// SizeBelow matches records strictly smaller than n bytes.
func SizeBelow(n int64) Condition {
	return Condition{SQL: `size_bytes < ?`, Args: []any{n}}
}

// Order selects the result ordering. Ties are always broken by id so pages
// are stable.
type Order string

const (
	OrderNewest   Order = "newest"
	OrderOldest   Order = "oldest"
	OrderName     Order = "name"
	OrderLargest  Order = "largest"
	OrderSmallest Order = "smallest"
)

// Orders lists every supported ordering.
func Orders() []Order {
	return []Order{OrderNewest, OrderOldest, OrderName, OrderLargest, OrderSmallest}
}

// ParseOrder validates an ordering name. Empty means newest first.
func ParseOrder(s string) (Order, error) {
	o := Order(strings.ToLower(strings.TrimSpace(s)))
	if o == "" {
		return OrderNewest, nil
	}
	for _, known := range Orders() {
		if o == known {
			return o, nil
		}
	}
	return "", fmt.Errorf("unknown order: %q", s)
}

func (o Order) sql() string {
	switch o {
	case OrderOldest:
		return `uploaded_at ASC, id ASC`
	case OrderName:
		return `name_folded ASC, id ASC`
	case OrderLargest:
		return `size_bytes DESC, id DESC`
	case OrderSmallest:
		return `size_bytes ASC, id ASC`
	default:
		return `uploaded_at DESC, id DESC`
	}
}

// Page bounds a result set. A zero Limit means unbounded.
type Page struct {
	Limit  int
	Offset int
}
