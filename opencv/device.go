package opencv

import (
	"strconv"
	"sync"
	"time"

	"github.com/abihf/facedetective/capture"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Device reads BGR frames through OpenCV. The device string is either a
// camera index ("0") or anything VideoCapture accepts (file, URL).
type Device struct {
	cap  *gocv.VideoCapture
	mat  gocv.Mat
	seq  uint64
	once sync.Once
}

func OpenDevice(device string) (*Device, error) {
	var src interface{} = device
	if id, err := strconv.Atoi(device); err == nil {
		src = id
	}

	cap, err := gocv.OpenVideoCapture(src)
	if err != nil {
		return nil, errors.Wrapf(err, "Can not open device %s", device)
	}
	return &Device{cap: cap, mat: gocv.NewMat()}, nil
}

func (d *Device) Read() (*capture.Frame, error) {
	if d.cap == nil {
		return nil, capture.ErrClosed
	}
	if ok := d.cap.Read(&d.mat); !ok {
		return nil, errors.New("Can not read frame")
	}
	if d.mat.Empty() {
		return nil, errors.New("Empty frame")
	}

	img, err := d.mat.ToImage()
	if err != nil {
		return nil, errors.Wrap(err, "Can not convert frame")
	}
	d.seq++
	return &capture.Frame{Seq: d.seq, Timestamp: time.Now(), Image: img}, nil
}

// Close releases the capture handle. Only the first call has an effect.
func (d *Device) Close() error {
	var err error
	d.once.Do(func() {
		err = d.cap.Close()
		d.mat.Close()
		d.cap = nil
	})
	return err
}
