package sanitize

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple", "faultline", "faultline"},
		{"uppercase", "FaultLine", "faultline"},
		{"dots", "a.b", "a_b"},
		{"wildcards", "tab.*.>", "tab"},
		{"spaces", "dev box", "dev_box"},
		{"hyphen kept", "tab-1", "tab-1"},
		{"collapse", "foo___bar", "foo_bar"},
		{"trim", "_foo_", "foo"},
		{"empty", "", DefaultToken},
		{"only invalid", "*>", DefaultToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Token(tt.input))
		})
	}
}

func TestToken_Truncation(t *testing.T) {
	a := Token(strings.Repeat("a", 100))
	b := Token(strings.Repeat("a", 99) + "b")

	assert.Len(t, a, MaxTokenLength)
	assert.NotEqual(t, a, b, "hash suffix keeps long tokens distinct")
	assert.Equal(t, a, Token(strings.Repeat("a", 100)))
}

func TestSubjectPrefix(t *testing.T) {
	assert.Equal(t, "faultline", SubjectPrefix("faultline"))
	assert.Equal(t, "faultline.dev_box", SubjectPrefix("Faultline..Dev Box"))
	assert.Equal(t, "org.default", SubjectPrefix("org.*"))
	assert.Equal(t, "", SubjectPrefix(" . "))
}

func TestValidatePath(t *testing.T) {
	root := t.TempDir()

	got, err := ValidatePath(filepath.Join(root, "data", "faultline.db"), root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "data", "faultline.db"), got)

	_, err = ValidatePath("", "")
	assert.ErrorIs(t, err, ErrEmptyPath)

	_, err = ValidatePath("data/../../etc/passwd", "")
	assert.ErrorIs(t, err, ErrPathTraversal)

	_, err = ValidatePath("/etc/passwd", root)
	assert.ErrorIs(t, err, ErrPathTraversal)

	got, err = ValidatePath("faultline..db", "")
	require.NoError(t, err, "dots inside a name are not traversal")
	assert.True(t, filepath.IsAbs(got))
}
