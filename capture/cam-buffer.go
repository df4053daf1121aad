package capture

import (
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

// V4L2 fourcc for 8-bit greyscale frames.
const pixFmtGrey webcam.PixelFormat = 0x59455247

const frameTimeout = 2 * time.Second

// camBuffer streams frames from a V4L2 device on its own goroutine and
// keeps at most one undelivered frame.
type camBuffer struct {
	frame    chan []byte
	stopChan chan struct{}
	err      error

	stopped atomic.Bool
}

func newCamBuffer() *camBuffer {
	return &camBuffer{
		frame:    make(chan []byte, 1),
		stopChan: make(chan struct{}),
	}
}

func (c *camBuffer) start(cam *webcam.Webcam) {
	go func() {
		c.err = c.stream(cam)
		close(c.stopChan)
	}()
}

func (c *camBuffer) stream(cam *webcam.Webcam) error {
	defer cam.Close()

	if err := cam.StartStreaming(); err != nil {
		return errors.Wrap(err, "Can not start streaming")
	}

	for !c.isStopped() {
		err := cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			return errors.Wrap(err, "Frame wait failed")
		}

		if c.isStopped() {
			break
		}

		frame, err := cam.ReadFrame()
		if err != nil {
			return errors.Wrap(err, "Read frame failed")
		}

		if len(c.frame) > 0 || len(frame) == 0 {
			continue
		}
		if !hasGoodBlackLevel(frame) {
			continue
		}

		// the driver reuses its mmap buffer on the next read
		buf := make([]byte, len(frame))
		copy(buf, frame)
		c.frame <- buf
	}

	return nil
}

func (c *camBuffer) isStopped() bool {
	return c.stopped.Load()
}

func (c *camBuffer) stop() {
	c.stopped.Store(true)
}

// V4L2 reads raw greyscale frames, typically from an infrared camera.
type V4L2 struct {
	buf    *camBuffer
	width  int
	height int
	seq    uint64
	once   sync.Once
}

func OpenV4L2(device string, width, height int) (*V4L2, error) {
	cam, err := webcam.Open(device)
	if err != nil {
		return nil, errors.Wrap(err, "Can not open device ")
	}

	_, w, h, err := cam.SetImageFormat(pixFmtGrey, uint32(width), uint32(height))
	if err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "Can not set grey image format")
	}
	slog.Debug("v4l2 device opened", "device", device, "width", w, "height", h)

	v := &V4L2{
		buf:    newCamBuffer(),
		width:  int(w),
		height: int(h),
	}
	v.buf.start(cam)
	return v, nil
}

func (v *V4L2) Read() (*Frame, error) {
	for {
		select {
		case <-v.buf.stopChan:
			if v.buf.err != nil {
				return nil, v.buf.err
			}
			return nil, ErrClosed

		case raw := <-v.buf.frame:
			if len(raw) < v.width*v.height {
				slog.Debug("short v4l2 frame dropped", "bytes", len(raw))
				continue
			}
			img := &image.Gray{
				Pix:    raw[:v.width*v.height],
				Stride: v.width,
				Rect:   image.Rect(0, 0, v.width, v.height),
			}
			v.seq++
			return &Frame{Seq: v.seq, Timestamp: time.Now(), Image: img}, nil

		case <-time.After(frameTimeout):
			return nil, errors.Errorf("no frame within %s", frameTimeout)
		}
	}
}

// Close stops streaming and waits for the device to be released.
func (v *V4L2) Close() error {
	v.once.Do(func() {
		v.buf.stop()
		<-v.buf.stopChan
	})
	return nil
}
