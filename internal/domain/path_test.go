package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMarkdown(t *testing.T) {
	assert.True(t, IsMarkdown("chapter1.md"))
	assert.True(t, IsMarkdown("notes/a.markdown"))
	assert.True(t, IsMarkdown("README.MD"))
	assert.False(t, IsMarkdown("image.png"))
	assert.False(t, IsMarkdown("md"))
	assert.False(t, IsMarkdown("notes.md.bak"))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "chapter-01", want: "chapter-01.md"},
		{in: "notes/memo.md", want: "notes/memo.md"},
		{in: "  draft.markdown ", want: "draft.markdown"},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "/abs.md", wantErr: true},
		{in: "a//b.md", wantErr: true},
		{in: "dir/", wantErr: true},
		{in: "../escape.md", wantErr: true},
		{in: "a/./b.md", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidPath)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
