// Package detect finds the face to track in a frame.
package detect

import (
	"image"

	"github.com/abihf/facedetective/utils/grayimg"
	"github.com/pkg/errors"
)

// Detector returns every face box found in a greyscale image.
type Detector interface {
	Detect(gray *image.Gray) ([]image.Rectangle, error)
	Close() error
}

// Face is one located face: its box in frame coordinates and a greyscale
// copy of the pixels inside it. The crop is never modified after creation.
type Face struct {
	Box  image.Rectangle
	Crop *image.Gray
}

// Locator reduces a detector's output to at most one face per frame.
type Locator struct {
	detector Detector
}

func NewLocator(d Detector) *Locator {
	return &Locator{detector: d}
}

// Locate returns the largest face in frame. found is false when the
// detector saw nothing; callers keep their previous face in that case.
func (l *Locator) Locate(frame image.Image) (face Face, found bool, err error) {
	gray := grayimg.ToGray(frame)

	rects, err := l.detector.Detect(gray)
	if err != nil {
		return Face{}, false, errors.Wrap(err, "detect faces")
	}

	box, ok := Largest(rects, gray.Bounds())
	if !ok {
		return Face{}, false, nil
	}
	return Face{Box: box, Crop: grayimg.Crop(gray, box)}, true, nil
}

func (l *Locator) Close() error {
	return l.detector.Close()
}

// Largest picks the box with the biggest area after clipping to bounds.
// On equal areas the earlier box wins, so the choice is deterministic.
func Largest(rects []image.Rectangle, bounds image.Rectangle) (image.Rectangle, bool) {
	var best image.Rectangle
	bestArea := 0
	for _, r := range rects {
		r = r.Intersect(bounds)
		if area := r.Dx() * r.Dy(); area > bestArea {
			best, bestArea = r, area
		}
	}
	return best, bestArea > 0
}
