package opencv

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

type CascadeOption struct {
	File         string
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int
}

// Cascade is a Haar/LBP cascade classifier.
type Cascade struct {
	classifier gocv.CascadeClassifier
	opt        CascadeOption
}

func NewCascade(opt CascadeOption) (*Cascade, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(opt.File) {
		classifier.Close()
		return nil, errors.Errorf("Error reading cascade file: %v", opt.File)
	}
	return &Cascade{classifier: classifier, opt: opt}, nil
}

func (c *Cascade) Detect(gray *image.Gray) ([]image.Rectangle, error) {
	mat, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return nil, errors.Wrap(err, "Can not convert image")
	}
	defer mat.Close()

	minSize := image.Pt(c.opt.MinSize, c.opt.MinSize)
	rects := c.classifier.DetectMultiScaleWithParams(
		mat, c.opt.ScaleFactor, c.opt.MinNeighbors, 0, minSize, image.Point{})

	// the cascade works on a copy anchored at 0,0
	off := gray.Bounds().Min
	for i := range rects {
		rects[i] = rects[i].Add(off)
	}
	return rects, nil
}

func (c *Cascade) Close() error {
	return c.classifier.Close()
}
