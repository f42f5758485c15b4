package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilupskalvis/filevault/internal/fingerprint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStager(t *testing.T) *Stager {
	t.Helper()
	s, err := NewStager(filepath.Join(t.TempDir(), "staging"), fingerprint.SHA256)
	require.NoError(t, err)
	return s
}

func TestStager_Stage(t *testing.T) {
	s := newTestStager(t)

	data := bytes.Repeat([]byte("0123456789"), 20000) // several chunks
	st, err := s.Stage(context.Background(), bytes.NewReader(data), 0)
	require.NoError(t, err)
	defer st.Discard()

	assert.Equal(t, fpOf(data), st.Fingerprint())
	assert.Equal(t, int64(len(data)), st.Size())
	assert.Equal(t, s.Dir(), filepath.Dir(st.Path()))

	rc, err := st.Open()
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStager_Stage_Empty(t *testing.T) {
	s := newTestStager(t)

	st, err := s.Stage(context.Background(), strings.NewReader(""), 0)
	require.NoError(t, err)
	defer st.Discard()

	assert.Equal(t, int64(0), st.Size())
	assert.Equal(t, fpOf(nil), st.Fingerprint())
}

func TestStager_Stage_Limit(t *testing.T) {
	s := newTestStager(t)

	t.Run("at limit", func(t *testing.T) {
		st, err := s.Stage(context.Background(), bytes.NewReader(make([]byte, 100)), 100)
		require.NoError(t, err)
		require.NoError(t, st.Discard())
	})

	t.Run("over limit", func(t *testing.T) {
		_, err := s.Stage(context.Background(), bytes.NewReader(make([]byte, 101)), 100)
		assert.ErrorIs(t, err, ErrTooLarge)

		entries, err := os.ReadDir(s.Dir())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestStager_Stage_ReadError(t *testing.T) {
	s := newTestStager(t)

	r := io.MultiReader(strings.NewReader("partial"), &failingReader{})
	_, err := s.Stage(context.Background(), r, 0)
	require.Error(t, err)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStaged_Discard_Idempotent(t *testing.T) {
	s := newTestStager(t)

	st, err := s.Stage(context.Background(), strings.NewReader("bytes"), 0)
	require.NoError(t, err)

	require.NoError(t, st.Discard())
	require.NoError(t, st.Discard())
}

func TestStager_Sweep(t *testing.T) {
	s := newTestStager(t)
	ctx := context.Background()

	old, err := s.Stage(ctx, strings.NewReader("old"), 0)
	require.NoError(t, err)
	fresh, err := s.Stage(ctx, strings.NewReader("fresh"), 0)
	require.NoError(t, err)
	defer fresh.Discard()

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old.Path(), past, past))

	// Unrelated files are left alone.
	other := filepath.Join(s.Dir(), "keep-me")
	require.NoError(t, os.WriteFile(other, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(other, past, past))

	n, err := s.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(old.Path())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh.Path())
	assert.NoError(t, err)
	_, err = os.Stat(other)
	assert.NoError(t, err)
}

type failingReader struct{}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
