package enroll

import (
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func face(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	return img
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func TestTracker_EnrollsExactlyLength(t *testing.T) {
	root := t.TempDir()
	tr := NewTracker(NewStore(root, 30), 50, nil)

	require.NoError(t, tr.Begin("carol"))
	assert.True(t, tr.Active())

	crop := face(64, 64)
	for i := 0; i < 49; i++ {
		p, err := tr.OnTick(crop)
		require.NoError(t, err)
		assert.Equal(t, i+1, p.Count)
		assert.False(t, p.Done)
	}

	p, err := tr.OnTick(crop)
	require.NoError(t, err)
	assert.True(t, p.Done)
	assert.Equal(t, 50, p.Count)
	assert.Equal(t, "carol", p.Label)
	assert.False(t, tr.Active())

	assert.Equal(t, 50, countFiles(t, filepath.Join(root, "carol")))
	assert.FileExists(t, filepath.Join(root, "carol", "carol.0.jpg"))
	assert.FileExists(t, filepath.Join(root, "carol", "carol.49.jpg"))

	// idle ticks write nothing
	for i := 0; i < 5; i++ {
		p, err := tr.OnTick(crop)
		require.NoError(t, err)
		assert.Equal(t, Progress{}, p)
	}
	assert.Equal(t, 50, countFiles(t, filepath.Join(root, "carol")))
}

func TestTracker_SavedImagesAreResizedGray(t *testing.T) {
	root := t.TempDir()
	tr := NewTracker(NewStore(root, 30), 1, nil)
	require.NoError(t, tr.Begin("dave"))

	_, err := tr.OnTick(face(100, 80))
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(root, "dave", "dave.0.jpg"))
	require.NoError(t, err)
	defer f.Close()

	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 30, 30), img.Bounds())
	_, isGray := img.(*image.Gray)
	assert.True(t, isGray)
}

func TestTracker_NoFaceAvailable(t *testing.T) {
	root := t.TempDir()
	tr := NewTracker(NewStore(root, 30), 3, nil)
	require.NoError(t, tr.Begin("erin"))

	p, err := tr.OnTick(nil)
	assert.ErrorIs(t, err, ErrNoFaceAvailable)
	assert.Equal(t, 0, p.Count)
	assert.True(t, tr.Active())
	assert.Equal(t, 0, countFiles(t, filepath.Join(root, "erin")))
}

func TestTracker_BeginValidation(t *testing.T) {
	tests := []struct {
		name  string
		label string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"dot dot", ".."},
		{"path separator", "a/b"},
		{"backslash", `a\b`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(NewStore(t.TempDir(), 30), 3, nil)
			err := tr.Begin(tt.label)
			assert.ErrorIs(t, err, ErrInvalidLabel)
			assert.False(t, tr.Active())
		})
	}
}

func TestTracker_BeginWhileActive(t *testing.T) {
	tr := NewTracker(NewStore(t.TempDir(), 30), 3, nil)
	require.NoError(t, tr.Begin("frank"))
	assert.ErrorIs(t, tr.Begin("grace"), ErrBusy)
	assert.Equal(t, "frank", tr.Progress().Label)
}

func TestTracker_Cancel(t *testing.T) {
	root := t.TempDir()
	tr := NewTracker(NewStore(root, 30), 10, nil)
	require.NoError(t, tr.Begin("heidi"))
	_, err := tr.OnTick(face(32, 32))
	require.NoError(t, err)

	tr.Cancel()
	assert.False(t, tr.Active())
	assert.Equal(t, 1, countFiles(t, filepath.Join(root, "heidi")))

	// a new session starts counting from zero again
	require.NoError(t, tr.Begin("heidi"))
	assert.Equal(t, 0, tr.Progress().Count)
}
