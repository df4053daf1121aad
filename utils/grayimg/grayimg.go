// Package grayimg holds the greyscale conversions shared by detection,
// enrollment, dataset loading and inference.
package grayimg

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// ToGray returns img as greyscale, reusing it when it already is.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(b)
	draw.Draw(g, b, img, b.Min, draw.Src)
	return g
}

// Crop copies the pixels of r out of src into a new image anchored at 0,0.
func Crop(src *image.Gray, r image.Rectangle) *image.Gray {
	r = r.Intersect(src.Bounds())
	dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		from := src.PixOffset(r.Min.X, r.Min.Y+y)
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+r.Dx()], src.Pix[from:from+r.Dx()])
	}
	return dst
}

// Resize scales src to size x size with bilinear interpolation.
func Resize(src *image.Gray, size int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}
