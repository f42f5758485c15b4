package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilupskalvis/filevault/internal/catalog"
	"github.com/kilupskalvis/filevault/internal/models"
	"github.com/kilupskalvis/filevault/internal/store"
)

// Metrics are wall-clock timings of one search.
type Metrics struct {
	QueryTime     time.Duration
	SerializeTime time.Duration
}

// QueryTimeMs returns the catalog execution time in milliseconds.
func (m Metrics) QueryTimeMs() float64 {
	return float64(m.QueryTime) / float64(time.Millisecond)
}

// SerializeTimeMs returns the result-shaping time in milliseconds.
func (m Metrics) SerializeTimeMs() float64 {
	return float64(m.SerializeTime) / float64(time.Millisecond)
}

// MarshalJSON encodes both timings as fractional milliseconds.
func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		QueryTimeMs     float64 `json:"query_time_ms"`
		SerializeTimeMs float64 `json:"serialize_time_ms"`
	}{m.QueryTimeMs(), m.SerializeTimeMs()})
}

// Result is an ordered page of records plus timings.
type Result struct {
	Records []models.FileView `json:"records"`
	Total   int64             `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
	Metrics Metrics           `json:"metrics"`
}

// Config tunes an Engine.
type Config struct {
	Timeout        time.Duration
	ContentIndexed bool
	Location       *time.Location
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{ContentIndexed: true}
}

// Engine runs searches against the catalog. It is read-only.
type Engine struct {
	db  *store.DB
	cat *catalog.Catalog
	cfg Config
	now func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(db *store.DB, cat *catalog.Catalog, cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{db: db, cat: cat, cfg: cfg, now: time.Now}
}

// SetClock replaces the clock used for date buckets.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Search compiles f, runs it and shapes the records for output. A zero
// Limit returns every match; callers facing clients bound it with Limits.
func (e *Engine) Search(ctx context.Context, f Filter) (*Result, error) {
	pred, err := Compile(f, CompileOptions{
		Now:            e.now(),
		Location:       e.cfg.Location,
		ContentIndexed: e.cfg.ContentIndexed,
	})
	if err != nil {
		return nil, err
	}

	order := f.Order
	if order == "" {
		order = catalog.OrderNewest
	}
	if _, err := catalog.ParseOrder(string(order)); err != nil {
		return nil, &FilterError{Field: "order", Reason: err.Error()}
	}

	page, err := e.page(f)
	if err != nil {
		return nil, err
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	q := e.db.Querier()
	start := time.Now()
	recs, err := e.cat.Query(ctx, q, pred, order, page)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	total := int64(len(recs))
	if page.Offset > 0 || (page.Limit > 0 && len(recs) == page.Limit) {
		if total, err = e.cat.Count(ctx, q, pred); err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
	}
	queryTime := time.Since(start)

	start = time.Now()
	views := make([]models.FileView, len(recs))
	for i, r := range recs {
		views[i] = r.View()
	}
	serializeTime := time.Since(start)

	return &Result{
		Records: views,
		Total:   total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		Metrics: Metrics{QueryTime: queryTime, SerializeTime: serializeTime},
	}, nil
}

func (e *Engine) page(f Filter) (catalog.Page, error) {
	if f.Limit < 0 {
		return catalog.Page{}, &FilterError{Field: "limit", Reason: "must not be negative"}
	}
	if f.Offset < 0 {
		return catalog.Page{}, &FilterError{Field: "offset", Reason: "must not be negative"}
	}
	return catalog.Page{Limit: f.Limit, Offset: f.Offset}, nil
}

// Limits bounds page sizes requested through the HTTP API and the CLI.
type Limits struct {
	Default int
	Max     int
}

// Apply fills in the default limit when none was requested and caps it at
// Max. Zero fields leave the filter unchanged.
func (l Limits) Apply(f Filter) Filter {
	if f.Limit == 0 {
		f.Limit = l.Default
	}
	if l.Max > 0 && f.Limit > l.Max {
		f.Limit = l.Max
	}
	return f
}
