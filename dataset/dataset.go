// Package dataset reads enrolled face images back for training.
package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/abihf/facedetective/utils/grayimg"
	"github.com/pkg/errors"
)

var ErrDatasetEmpty = errors.New("dataset is empty")

// ImageDecodeError reports one file that could not be read as an image.
type ImageDecodeError struct {
	Path string
	Err  error
}

func (e *ImageDecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *ImageDecodeError) Unwrap() error {
	return e.Err
}

// Sample is one face: Size*Size grey values in [0,255], row major.
type Sample struct {
	Pixels []float32
	Label  string
}

type Dataset struct {
	Samples []Sample
	// Labels lists distinct labels in the order they were found.
	Labels []string
	Size   int
	// Skipped holds the files that failed to decode.
	Skipped []*ImageDecodeError
}

func (d *Dataset) ClassCount() int {
	return len(d.Labels)
}

// Pixels and Targets return the parallel arrays the trainer consumes.
func (d *Dataset) Pixels() [][]float32 {
	out := make([][]float32, len(d.Samples))
	for i, s := range d.Samples {
		out[i] = s.Pixels
	}
	return out
}

func (d *Dataset) Targets() []string {
	out := make([]string, len(d.Samples))
	for i, s := range d.Samples {
		out[i] = s.Label
	}
	return out
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

type Loader struct {
	size   int
	logger *slog.Logger
}

func NewLoader(size int, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{size: size, logger: logger}
}

// Load walks the immediate subdirectories of root. Each subdirectory name
// is a label and every image inside it becomes one sample. Unreadable
// images are logged and skipped.
func (l *Loader) Load(root string) (*Dataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrDatasetEmpty, "%s does not exist", root)
		}
		return nil, errors.Wrapf(err, "read %s", root)
	}

	ds := &Dataset{Size: l.size}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		label := entry.Name()
		n, err := l.loadLabel(ds, filepath.Join(root, label), label)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			ds.Labels = append(ds.Labels, label)
		}
	}

	if len(ds.Samples) == 0 {
		return nil, errors.Wrapf(ErrDatasetEmpty, "no images under %s", root)
	}
	l.logger.Info("dataset loaded",
		"root", root,
		"images", len(ds.Samples),
		"classes", ds.ClassCount(),
		"skipped", len(ds.Skipped))
	return ds, nil
}

func (l *Loader) loadLabel(ds *Dataset, dir, label string) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", dir)
	}
	loaded := 0
	for _, f := range files {
		if f.IsDir() || !imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
			continue
		}
		path := filepath.Join(dir, f.Name())
		pixels, err := l.readImage(path)
		if err != nil {
			decodeErr := &ImageDecodeError{Path: path, Err: err}
			l.logger.Warn("skipping unreadable image", "path", path, "error", err)
			ds.Skipped = append(ds.Skipped, decodeErr)
			continue
		}
		ds.Samples = append(ds.Samples, Sample{Pixels: pixels, Label: label})
		loaded++
	}
	return loaded, nil
}

func (l *Loader) readImage(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return Pixels(grayimg.Resize(grayimg.ToGray(img), l.size)), nil
}

// Pixels flattens a greyscale image to float32 values in [0,255].
func Pixels(img *image.Gray) []float32 {
	b := img.Bounds()
	out := make([]float32, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			out = append(out, float32(row[x]))
		}
	}
	return out
}
