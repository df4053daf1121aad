// Package opencv holds everything that links against OpenCV: the camera
// device, the face detectors and the preview window.
package opencv

import (
	"github.com/abihf/facedetective/capture"
	"github.com/abihf/facedetective/config"
	"github.com/abihf/facedetective/detect"
	"github.com/pkg/errors"
)

// OpenSource opens the camera selected by conf.Driver.
func OpenSource(conf *config.CameraConfig) (capture.Source, error) {
	switch conf.Driver {
	case "", "gocv":
		return OpenDevice(conf.Device)
	case "v4l2":
		return capture.OpenV4L2(conf.Device, conf.Width, conf.Height)
	default:
		return nil, errors.Errorf("unknown capture driver %q", conf.Driver)
	}
}

// NewDetector builds the detector selected by conf.Backend.
func NewDetector(conf *config.DetectorConfig) (detect.Detector, error) {
	switch conf.Backend {
	case "", "cascade":
		return NewCascade(CascadeOption{
			File:         conf.CascadeFile,
			ScaleFactor:  conf.ScaleFactor,
			MinNeighbors: conf.MinNeighbors,
			MinSize:      conf.MinSize,
		})
	case "dnn":
		return NewDNN(conf.DNNConfig, conf.DNNModel, conf.DNNConfidence)
	case "pigo":
		return detect.NewPigo(detect.PigoOption{
			Cascade:     conf.PigoCascade,
			MinSize:     conf.MinSize,
			ScaleFactor: conf.ScaleFactor,
			IoU:         conf.PigoIOU,
			Score:       conf.PigoScore,
		})
	default:
		return nil, errors.Errorf("unknown detector backend %q", conf.Backend)
	}
}
