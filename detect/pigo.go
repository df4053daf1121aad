package detect

import (
	"image"
	"os"

	pigo "github.com/esimov/pigo/core"
	"github.com/pkg/errors"
)

type PigoOption struct {
	// Cascade is the path of the "facefinder" cascade file.
	Cascade     string
	MinSize     int
	ScaleFactor float64
	// IoU merges overlapping detections, Score drops weak ones.
	IoU   float64
	Score float64
}

// Pigo is a pure Go pixel intensity comparison detector.
type Pigo struct {
	classifier *pigo.Pigo
	opt        PigoOption
}

func NewPigo(opt PigoOption) (*Pigo, error) {
	data, err := os.ReadFile(opt.Cascade)
	if err != nil {
		return nil, errors.Wrap(err, "Error reading cascade file")
	}
	return newPigo(data, opt)
}

func newPigo(cascade []byte, opt PigoOption) (*Pigo, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, errors.Wrap(err, "Error unpacking cascade")
	}
	return &Pigo{classifier: classifier, opt: opt}, nil
}

func (p *Pigo) Detect(gray *image.Gray) ([]image.Rectangle, error) {
	b := gray.Bounds()
	cols, rows := b.Dx(), b.Dy()

	pixels := gray.Pix
	if gray.Stride != cols || b.Min != (image.Point{}) {
		pixels = make([]uint8, 0, cols*rows)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := gray.PixOffset(b.Min.X, y)
			pixels = append(pixels, gray.Pix[off:off+cols]...)
		}
	}

	params := pigo.CascadeParams{
		MinSize:     p.opt.MinSize,
		MaxSize:     min(cols, rows),
		ShiftFactor: 0.1,
		ScaleFactor: p.opt.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pixels,
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := p.classifier.RunCascade(params, 0)
	dets = p.classifier.ClusterDetections(dets, p.opt.IoU)
	return toRects(dets, p.opt.Score, b.Min), nil
}

// toRects turns centre/scale detections into boxes offset by origin.
func toRects(dets []pigo.Detection, score float64, origin image.Point) []image.Rectangle {
	var rects []image.Rectangle
	for _, d := range dets {
		if float64(d.Q) < score {
			continue
		}
		half := d.Scale / 2
		r := image.Rect(d.Col-half, d.Row-half, d.Col+half, d.Row+half)
		rects = append(rects, r.Add(origin))
	}
	return rects
}

func (p *Pigo) Close() error {
	return nil
}
