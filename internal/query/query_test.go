package query

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilupskalvis/filevault/internal/catalog"
	"github.com/kilupskalvis/filevault/internal/category"
	"github.com/kilupskalvis/filevault/internal/dedup"
	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/kilupskalvis/filevault/internal/models"
	"github.com/kilupskalvis/filevault/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 15, 15, 30, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time { return &t }

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		opts    CompileOptions
		want    string
		wantErr string
	}{
		{name: "empty", filter: Filter{}, want: "TRUE"},
		{name: "name", filter: Filter{NameSubstring: "x"}, want: `name_folded LIKE ? ESCAPE '\'`},
		{
			name:   "content without index is ignored",
			filter: Filter{ContentSubstring: "budget"},
			want:   "TRUE",
		},
		{
			name:   "content with index",
			filter: Filter{ContentSubstring: "budget"},
			opts:   CompileOptions{ContentIndexed: true},
			want:   `EXISTS (SELECT 1 FROM blob_text bt WHERE bt.fingerprint = files.fingerprint AND bt.body_folded LIKE ? ESCAPE '\')`,
		},
		{name: "small", filter: Filter{SizeBucket: SizeSmall}, want: "size_bytes < ?"},
		{name: "medium", filter: Filter{SizeBucket: SizeMedium}, want: "size_bytes >= ? AND size_bytes < ?"},
		{name: "large", filter: Filter{SizeBucket: SizeLarge}, want: "size_bytes >= ?"},
		{name: "bad size", filter: Filter{SizeBucket: "huge"}, wantErr: "size"},
		{name: "date bucket", filter: Filter{DateBucket: DateWeek}, want: "uploaded_at >= ?"},
		{name: "bad date", filter: Filter{DateBucket: "decade"}, wantErr: "date"},
		{
			name:   "explicit range wins over bucket",
			filter: Filter{DateBucket: DateToday, Start: timePtr(now.Add(-time.Hour)), End: timePtr(now)},
			want:   "uploaded_at >= ? AND uploaded_at < ?",
		},
		{
			name:   "open-ended range",
			filter: Filter{DateBucket: DateToday, End: timePtr(now)},
			want:   "uploaded_at < ?",
		},
		{
			name:    "inverted range",
			filter:  Filter{Start: timePtr(now), End: timePtr(now.Add(-time.Hour))},
			wantErr: "start",
		},
		{name: "fingerprint", filter: Filter{FingerprintPrefix: "ABCD"}, want: `fingerprint LIKE ? ESCAPE '\'`},
		{name: "short fingerprint", filter: Filter{FingerprintPrefix: "abc"}, wantErr: "fingerprint"},
		{name: "non-hex fingerprint", filter: Filter{FingerprintPrefix: "wxyz"}, wantErr: "fingerprint"},
		{name: "category", filter: Filter{Category: category.Image}, want: "category = ?"},
		{name: "bad category", filter: Filter{Category: "furniture"}, wantErr: "category"},
		{name: "duplicates only", filter: Filter{Duplicates: DuplicatesOnly}, want: "is_duplicate = ?"},
		{name: "bad duplicates", filter: Filter{Duplicates: "maybe"}, wantErr: "duplicates"},
		{
			name:   "and of several",
			filter: Filter{NameSubstring: "r", Category: category.Document, SizeBucket: SizeLarge},
			want:   `name_folded LIKE ? ESCAPE '\' AND category = ? AND size_bytes >= ?`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Now = now
			p, err := Compile(tt.filter, tt.opts)
			if tt.wantErr != "" {
				var fe *FilterError
				require.True(t, errors.As(err, &fe), "got %v", err)
				assert.Equal(t, tt.wantErr, fe.Field)
				assert.ErrorIs(t, err, ErrInvalidFilter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.String())
		})
	}
}

func TestFromValues(t *testing.T) {
	v := url.Values{}
	v.Set("q", "report")
	v.Set("content", "budget")
	v.Set("category", "Image")
	v.Set("date", "WEEK")
	v.Set("start", "2026-01-01")
	v.Set("end", "2026-02-01T00:00:00Z")
	v.Set("size", "medium")
	v.Set("duplicates", "only")
	v.Set("order", "largest")
	v.Set("limit", "10")
	v.Set("offset", "20")

	f, err := FromValues(v)
	require.NoError(t, err)
	assert.Equal(t, "report", f.NameSubstring)
	assert.Equal(t, "budget", f.ContentSubstring)
	assert.Equal(t, category.Image, f.Category)
	assert.Equal(t, DateWeek, f.DateBucket)
	require.NotNil(t, f.Start)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), *f.Start)
	require.NotNil(t, f.End)
	assert.Equal(t, SizeMedium, f.SizeBucket)
	assert.Equal(t, DuplicatesOnly, f.Duplicates)
	assert.Equal(t, catalog.OrderLargest, f.Order)
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, 20, f.Offset)

	for _, bad := range []url.Values{
		{"category": {"furniture"}},
		{"start": {"yesterday"}},
		{"order": {"random"}},
		{"limit": {"-1"}},
		{"offset": {"x"}},
	} {
		_, err := FromValues(bad)
		assert.ErrorIs(t, err, ErrInvalidFilter, "%v", bad)
	}

	f, err = FromValues(url.Values{"name": {"alt"}})
	require.NoError(t, err)
	assert.Equal(t, "alt", f.NameSubstring)
}

type engineFixture struct {
	db     *store.DB
	cat    *catalog.Catalog
	ix     *dedup.Index
	engine *Engine
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	db, err := store.Open(context.Background(), store.SQLite, filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cat := catalog.New()
	e := NewEngine(db, cat, cfg)
	e.SetClock(func() time.Time { return now })
	return &engineFixture{db: db, cat: cat, ix: dedup.New(), engine: e}
}

func (f *engineFixture) add(t *testing.T, name string, size int64, cat category.Category, at time.Time, text string) {
	t.Helper()
	fp := fingerprint.OfBytes(fingerprint.SHA256, []byte(name))
	err := f.db.WithTx(context.Background(), func(ctx context.Context, q store.Querier) error {
		if _, err := f.ix.Register(ctx, q, fp, size, "/p"); err != nil {
			return err
		}
		if text != "" {
			if err := f.cat.SaveContent(ctx, q, fp, text); err != nil {
				return err
			}
		}
		_, err := f.cat.Insert(ctx, q, &models.FileRecord{
			Fingerprint:      fp,
			OriginalFilename: name,
			MediaType:        "application/octet-stream",
			Category:         cat,
			SizeBytes:        size,
			UploadedAt:       at,
		})
		return err
	})
	require.NoError(t, err)
}

func names(r *Result) []string {
	out := make([]string, len(r.Records))
	for i, v := range r.Records {
		out[i] = v.OriginalFilename
	}
	return out
}

func TestEngine_Search(t *testing.T) {
	f := newEngineFixture(t, Config{ContentIndexed: true})
	ctx := context.Background()

	f.add(t, "tiny.txt", MiB-1, category.Document, now.Add(-1*time.Hour), "meeting notes")
	f.add(t, "exact-1mib.bin", MiB, category.Archive, now.Add(-2*24*time.Hour), "")
	f.add(t, "almost-10mib.mov", 10*MiB-1, category.Video, now.Add(-20*24*time.Hour), "")
	f.add(t, "exact-10mib.iso", 10*MiB, category.Archive, now.Add(-200*24*time.Hour), "")
	f.add(t, "ancient.png", 10, category.Image, now.Add(-400*24*time.Hour), "")

	t.Run("no filters newest first", func(t *testing.T) {
		res, err := f.engine.Search(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"tiny.txt", "exact-1mib.bin", "almost-10mib.mov", "exact-10mib.iso", "ancient.png"}, names(res))
		assert.Equal(t, int64(5), res.Total)
		assert.GreaterOrEqual(t, res.Metrics.QueryTimeMs(), 0.0)
		assert.GreaterOrEqual(t, res.Metrics.SerializeTimeMs(), 0.0)
	})

	t.Run("medium bucket bounds", func(t *testing.T) {
		res, err := f.engine.Search(ctx, Filter{SizeBucket: SizeMedium})
		require.NoError(t, err)
		assert.Equal(t, []string{"exact-1mib.bin", "almost-10mib.mov"}, names(res))
		for _, r := range res.Records {
			assert.GreaterOrEqual(t, r.SizeBytes, int64(MiB))
			assert.Less(t, r.SizeBytes, int64(10*MiB))
		}
	})

	t.Run("small and large", func(t *testing.T) {
		res, err := f.engine.Search(ctx, Filter{SizeBucket: SizeSmall})
		require.NoError(t, err)
		assert.Equal(t, []string{"tiny.txt", "ancient.png"}, names(res))

		res, err = f.engine.Search(ctx, Filter{SizeBucket: SizeLarge})
		require.NoError(t, err)
		assert.Equal(t, []string{"exact-10mib.iso"}, names(res))
	})

	t.Run("date buckets", func(t *testing.T) {
		tests := []struct {
			bucket DateBucket
			want   []string
		}{
			{DateToday, []string{"tiny.txt"}},
			{DateWeek, []string{"tiny.txt", "exact-1mib.bin"}},
			{DateMonth, []string{"tiny.txt", "exact-1mib.bin", "almost-10mib.mov"}},
			{DateYear, []string{"tiny.txt", "exact-1mib.bin", "almost-10mib.mov", "exact-10mib.iso"}},
		}
		for _, tt := range tests {
			res, err := f.engine.Search(ctx, Filter{DateBucket: tt.bucket})
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(res), tt.bucket)
		}
	})

	t.Run("explicit range", func(t *testing.T) {
		res, err := f.engine.Search(ctx, Filter{
			DateBucket: DateToday,
			Start:      timePtr(now.Add(-30 * 24 * time.Hour)),
			End:        timePtr(now.Add(-24 * time.Hour)),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"exact-1mib.bin", "almost-10mib.mov"}, names(res))
	})

	t.Run("content", func(t *testing.T) {
		res, err := f.engine.Search(ctx, Filter{ContentSubstring: "NOTES"})
		require.NoError(t, err)
		assert.Equal(t, []string{"tiny.txt"}, names(res))
	})

	t.Run("combined", func(t *testing.T) {
		res, err := f.engine.Search(ctx, Filter{Category: category.Archive, DateBucket: DateYear, NameSubstring: "exact"})
		require.NoError(t, err)
		assert.Equal(t, []string{"exact-1mib.bin", "exact-10mib.iso"}, names(res))
	})

	t.Run("single character term", func(t *testing.T) {
		res, err := f.engine.Search(ctx, Filter{NameSubstring: "y"})
		require.NoError(t, err)
		assert.Equal(t, []string{"tiny.txt"}, names(res))
	})

	t.Run("pagination", func(t *testing.T) {
		res, err := f.engine.Search(ctx, Filter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"exact-1mib.bin", "almost-10mib.mov"}, names(res))
		assert.Equal(t, int64(5), res.Total)
		assert.Equal(t, 2, res.Limit)
		assert.Equal(t, 1, res.Offset)
	})

	t.Run("order", func(t *testing.T) {
		res, err := f.engine.Search(ctx, Filter{Order: catalog.OrderSmallest, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"ancient.png"}, names(res))

		_, err = f.engine.Search(ctx, Filter{Order: "sideways"})
		assert.ErrorIs(t, err, ErrInvalidFilter)
	})

	t.Run("invalid filter", func(t *testing.T) {
		_, err := f.engine.Search(ctx, Filter{SizeBucket: "huge"})
		assert.ErrorIs(t, err, ErrInvalidFilter)
		_, err = f.engine.Search(ctx, Filter{Limit: -1})
		assert.ErrorIs(t, err, ErrInvalidFilter)
	})
}

func TestEngine_ContentNotIndexed(t *testing.T) {
	f := newEngineFixture(t, Config{ContentIndexed: false})
	f.add(t, "a.txt", 1, category.Document, now, "alpha")
	f.add(t, "b.txt", 1, category.Document, now.Add(-time.Minute), "")

	res, err := f.engine.Search(context.Background(), Filter{ContentSubstring: "zzz"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, names(res))
}

func TestEngine_ZeroLimitReturnsAll(t *testing.T) {
	f := newEngineFixture(t, Config{})
	const n = 120
	for i := range n {
		f.add(t, fmt.Sprintf("f%03d", i), 1, category.Document, now.Add(-time.Duration(i)*time.Minute), "")
	}

	res, err := f.engine.Search(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, res.Records, n)
	assert.Equal(t, int64(n), res.Total)
	assert.Equal(t, "f000", res.Records[0].OriginalFilename, "newest first")
	assert.Equal(t, "f119", res.Records[n-1].OriginalFilename)
}

func TestLimits_Apply(t *testing.T) {
	l := Limits{Default: 2, Max: 3}
	assert.Equal(t, 2, l.Apply(Filter{}).Limit)
	assert.Equal(t, 1, l.Apply(Filter{Limit: 1}).Limit)
	assert.Equal(t, 3, l.Apply(Filter{Limit: 50}).Limit)
	assert.Equal(t, 0, Limits{}.Apply(Filter{}).Limit)
	assert.Equal(t, 7, Limits{Default: 2}.Apply(Filter{Limit: 7}).Limit)
}

func TestEngine_Limited(t *testing.T) {
	f := newEngineFixture(t, Config{})
	for i, n := range []string{"a", "b", "c", "d"} {
		f.add(t, n, 1, category.Document, now.Add(-time.Duration(i)*time.Minute), "")
	}
	l := Limits{Default: 2, Max: 3}

	res, err := f.engine.Search(context.Background(), l.Apply(Filter{}))
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, int64(4), res.Total)

	res, err = f.engine.Search(context.Background(), l.Apply(Filter{Limit: 50}))
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, 3, res.Limit)
}

func TestMetrics_JSON(t *testing.T) {
	m := Metrics{QueryTime: 1500 * time.Microsecond, SerializeTime: 250 * time.Microsecond}
	b, err := m.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"query_time_ms":1.5,"serialize_time_ms":0.25}`, string(b))
}
