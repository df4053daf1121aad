package enroll

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/abihf/facedetective/utils/grayimg"
	"github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"
)

// matches OpenCV imwrite
const jpegQuality = 95

// Store lays enrolled crops out as <root>/<label>/<label>.<index>.jpg,
// the layout the dataset loader reads back.
type Store struct {
	root string
	size int
}

func NewStore(root string, size int) *Store {
	return &Store{root: root, size: size}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) Dir(label string) string {
	return filepath.Join(s.root, label)
}

// Prepare creates the label directory if it does not exist.
func (s *Store) Prepare(label string) error {
	if err := ValidateLabel(label); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir(label), 0o755); err != nil {
		return errors.Wrapf(err, "create %s", s.Dir(label))
	}
	return nil
}

// Save resizes crop to the model input size and writes it as a greyscale
// JPEG. The file either appears complete or not at all.
func (s *Store) Save(label string, index int, crop *image.Gray) (string, error) {
	path := filepath.Join(s.Dir(label), fmt.Sprintf("%s.%d.jpg", label, index))

	var buf bytes.Buffer
	img := grayimg.Resize(crop, s.size)
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", errors.Wrapf(err, "encode %s", path)
	}
	if err := atomicwriter.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", errors.Wrapf(err, "write %s", path)
	}
	return path, nil
}

// ValidateLabel accepts labels usable as a single directory name.
func ValidateLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return errors.Wrap(ErrInvalidLabel, "empty label")
	}
	if label == "." || label == ".." || strings.ContainsAny(label, `/\`) {
		return errors.Wrapf(ErrInvalidLabel, "%q", label)
	}
	return nil
}
