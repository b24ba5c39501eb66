package ports

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/pkg/models"
)

func TestLocalFilesRoundTrip(t *testing.T) {
	f := NewLocalFiles(t.TempDir())

	require.NoError(t, f.Write("nested/dir/file.txt", []byte("content")))
	data, err := f.Read("nested/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestLocalFilesEscapeDenied(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(filepath.Dir(root), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	f := NewLocalFiles(root)
	// Traversal is confined: "../outside.txt" resolves inside the root, so the
	// sibling file is never readable through the port.
	data, err := f.Read("../outside.txt")
	require.Error(t, err)
	assert.Nil(t, data)
	assert.Equal(t, models.KindNotFound, models.Classify(err))
}

func TestLocalFilesReadMissing(t *testing.T) {
	f := NewLocalFiles(t.TempDir())
	_, err := f.Read("nope.txt")
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.Classify(err))
}

func TestLocalFilesList(t *testing.T) {
	root := t.TempDir()
	f := NewLocalFiles(root)
	require.NoError(t, f.Write("logs/a.log", nil))
	require.NoError(t, f.Write("logs/b.log", nil))
	require.NoError(t, f.Write("logs/keep.txt", nil))

	names, err := f.List("logs", "*.log")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.log", "b.log"}, names)

	all, err := f.List("logs", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLocalFilesListMissingDir(t *testing.T) {
	f := NewLocalFiles(t.TempDir())
	_, err := f.List("ghost", "")
	require.Error(t, err)
	assert.Equal(t, models.KindNotFound, models.Classify(err))
}

func TestLocalFilesBadPattern(t *testing.T) {
	f := NewLocalFiles(t.TempDir())
	require.NoError(t, f.Write("d/x", nil))
	_, err := f.List("d", "[")
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.Classify(err))
}
