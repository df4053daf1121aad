package enroll

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveFailureLeavesNoFile(t *testing.T) {
	s := NewStore(t.TempDir(), 30)
	require.NoError(t, s.Prepare("dave"))

	// a directory where the image should go makes the write fail
	occupied := filepath.Join(s.Dir("dave"), "dave.0.jpg")
	require.NoError(t, os.Mkdir(occupied, 0o755))

	_, err := s.Save("dave", 0, face(40, 40))
	require.Error(t, err)

	entries, err := os.ReadDir(s.Dir("dave"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsDir())

	path, err := s.Save("dave", 1, face(40, 40))
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 2, countFiles(t, s.Dir("dave")))
}
