package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name      string
		input     string
		want      string
		wantError bool
	}{
		{name: "empty path", input: "", wantError: true},
		{name: "absolute path", input: "/tmp/test/../x", want: filepath.Clean("/tmp/x")},
		{name: "home", input: "~/Xynoxa", want: filepath.Join(home, "Xynoxa")},
		{name: "bare home", input: "~", want: filepath.Clean(home)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRelAbsPath(t *testing.T) {
	root := t.TempDir()

	rel, err := ToRelPath(root, filepath.Join(root, "docs", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", rel)

	_, err = ToRelPath(root, filepath.Dir(root))
	assert.ErrorIs(t, err, ErrPathEscapesRoot)

	abs, err := ToAbsPath(root, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "docs", "a.txt"), abs)

	_, err = ToAbsPath(root, "../outside.txt")
	assert.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestPruneEmptyParents(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "keep.txt"), []byte("x"), 0o644))

	PruneEmptyParents(root, deep)

	assert.NoDirExists(t, filepath.Join(root, "a", "b"))
	assert.DirExists(t, filepath.Join(root, "a"))
	assert.DirExists(t, root)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "*****", MaskSecret("xyn-1"))
	assert.Equal(t, "xyn-*****", MaskSecret("xyn-0123456789"))
}
