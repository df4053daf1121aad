package opencv

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DNN wraps the Res10 SSD face detector shipped with OpenCV samples.
type DNN struct {
	net        gocv.Net
	confidence float32
}

func NewDNN(prototxt, caffeModel string, confidence float64) (*DNN, error) {
	net := gocv.ReadNetFromCaffe(prototxt, caffeModel)
	if net.Empty() {
		return nil, errors.Errorf("Error reading network: %v, %v", prototxt, caffeModel)
	}
	return &DNN{net: net, confidence: float32(confidence)}, nil
}

func (d *DNN) Detect(gray *image.Gray) ([]image.Rectangle, error) {
	mat, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return nil, errors.Wrap(err, "Can not convert image")
	}
	defer mat.Close()

	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(mat, &bgr, gocv.ColorGrayToBGR)

	blob := gocv.BlobFromImage(bgr, 1, image.Pt(300, 300),
		gocv.NewScalar(104, 177, 123, 0), false, false)
	defer blob.Close()

	d.net.SetInput(blob, "data")
	res := d.net.Forward("detection_out")
	defer res.Close()

	// rows of [image, class, confidence, left, top, right, bottom], coordinates normalised
	data, err := res.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrap(err, "Can not read detections")
	}

	b := gray.Bounds()
	w, h := float32(b.Dx()), float32(b.Dy())
	var faces []image.Rectangle
	for i := 0; i+7 <= len(data); i += 7 {
		if data[i+2] < d.confidence {
			continue
		}
		r := image.Rect(
			int(data[i+3]*w), int(data[i+4]*h),
			int(data[i+5]*w), int(data[i+6]*h),
		).Add(b.Min)
		faces = append(faces, r)
	}
	return faces, nil
}

func (d *DNN) Close() error {
	return d.net.Close()
}
