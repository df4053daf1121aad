package opencv

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var (
	boxColor  = color.RGBA{255, 0, 0, 0}
	textColor = color.RGBA{0, 0, 255, 0}
)

// Overlay is what gets drawn over a preview frame. An empty Box draws
// nothing; Text goes in the top left corner after mirroring.
type Overlay struct {
	Box  image.Rectangle
	Text string
}

// Window shows frames in a HighGUI window. It must stay on the goroutine
// that created it.
type Window struct {
	win    *gocv.Window
	mirror bool
}

func NewWindow(title string, mirror bool) *Window {
	return &Window{win: gocv.NewWindow(title), mirror: mirror}
}

func (w *Window) Show(img image.Image, o Overlay) error {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return errors.Wrap(err, "Can not convert frame")
	}
	defer mat.Close()

	if !o.Box.Empty() {
		gocv.Rectangle(&mat, o.Box, boxColor, 2)
	}
	if w.mirror {
		gocv.Flip(mat, &mat, 1)
	}
	if o.Text != "" {
		gocv.PutText(&mat, o.Text, image.Pt(10, 30), gocv.FontHersheySimplex, 0.7, textColor, 1)
	}

	w.win.IMShow(mat)
	w.win.WaitKey(1)
	return nil
}

func (w *Window) Close() error {
	return w.win.Close()
}
