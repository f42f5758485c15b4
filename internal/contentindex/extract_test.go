package contentindex

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestText_Handles(t *testing.T) {
	x := NewText(0)
	tests := []struct {
		mediaType string
		want      bool
	}{
		{"text/plain", true},
		{"text/markdown; charset=utf-8", true},
		{"TEXT/CSV", true},
		{"application/json", true},
		{"application/vnd.api+json", true},
		{"application/x-yaml", true},
		{"image/png", false},
		{"application/octet-stream", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			assert.Equal(t, tt.want, x.Handles(tt.mediaType))
		})
	}
}

func TestText_Extract(t *testing.T) {
	x := NewText(0)

	body, ok, err := x.Extract("text/plain", strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello world", body)

	_, ok, err = x.Extract("image/png", strings.NewReader("\x89PNG"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestText_Extract_Limit(t *testing.T) {
	x := NewText(5)

	body, ok, err := x.Extract("text/plain", strings.NewReader("abcdefghij"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abcde", body)
}

func TestText_Extract_DropsInvalidUTF8(t *testing.T) {
	// The limit cuts "é" (2 bytes) in half; the dangling byte is dropped.
	x := NewText(4)
	body, _, err := x.Extract("text/plain", strings.NewReader("abcé"))
	require.NoError(t, err)
	assert.Equal(t, "abc", body)

	x = NewText(0)
	body, _, err = x.Extract("text/plain", strings.NewReader("a\xffb\x00c"))
	require.NoError(t, err)
	assert.Equal(t, "abc", body)
}

func TestNop(t *testing.T) {
	body, ok, err := Nop{}.Extract("text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, body)
}
