package capture

import (
	"image"
	"time"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("capture source closed")

// Frame is one image pulled from a camera.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
}

// Source delivers frames on demand. Read must not be called concurrently.
type Source interface {
	Read() (*Frame, error)
	Close() error
}
