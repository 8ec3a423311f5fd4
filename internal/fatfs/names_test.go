package fatfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      string
		wantDir   bool
		wantError bool
	}{
		{"simple", "file.txt", "file.txt", false, false},
		{"trailing separator", "docs/", "docs", true, false},
		{"unicode", "résumé.pdf", "résumé.pdf", false, false},
		{"spaces", "my file", "my file", false, false},
		{"empty", "", "", false, true},
		{"only separator", "/", "", false, true},
		{"dot", ".", "", false, true},
		{"dotdot", "..", "", false, true},
		{"embedded separator", "a/b", "", false, true},
		{"star", "a*b", "", false, true},
		{"colon", "c:", "", false, true},
		{"question", "why?", "", false, true},
		{"pipe", "a|b", "", false, true},
		{"quote", `say"hi"`, "", false, true},
		{"backslash", `a\b`, "", false, true},
		{"control", "bell\a", "", false, true},
		{"delete", "x\x7f", "", false, true},
		{"max length", strings.Repeat("a", MaxFilenameSize), strings.Repeat("a", MaxFilenameSize), false, false},
		{"too long", strings.Repeat("a", MaxFilenameSize+1), "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, mustDir, err := parseName(tt.input)
			if tt.wantError {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidArgs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantDir, mustDir)
		})
	}
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, foldName("README.TXT"), foldName("readme.txt"))
	assert.Equal(t, foldName("Straße"), foldName("STRASSE"))
	assert.NotEqual(t, foldName("a"), foldName("b"))
}
