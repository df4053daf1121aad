// Package facedetective drives the live face loop: it pulls frames, keeps
// the last seen face, and feeds it to enrollment or recognition depending
// on the current mode. Training runs beside the loop and swaps in the new
// classifier when it succeeds.
package facedetective

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/abihf/facedetective/capture"
	"github.com/abihf/facedetective/dataset"
	"github.com/abihf/facedetective/detect"
	"github.com/abihf/facedetective/enroll"
	"github.com/abihf/facedetective/model"
	"github.com/pkg/errors"
)

var (
	ErrClosed             = errors.New("controller is shut down")
	ErrTrainingInProgress = errors.New("training already in progress")
	ErrEnrolling          = errors.New("enrollment in progress")
	ErrInvalidMode        = errors.New("invalid mode")
)

// FaceLocator finds at most one face per frame.
type FaceLocator interface {
	Locate(frame image.Image) (detect.Face, bool, error)
}

// Predictor classifies a face crop.
type Predictor interface {
	Predict(crop *image.Gray) (model.Prediction, error)
}

// Publisher receives controller events. Implementations must not block.
type Publisher interface {
	Publish(event string, payload interface{})
}

const (
	EventEnrollmentCompleted = "enrollment.completed"
	EventTrainingCompleted   = "training.completed"
	EventTrainingFailed      = "training.failed"
	EventRecognition         = "recognition"
)

// AnnotatedFrame is the outcome of one tick. Face is the last known face,
// which may be older than Frame when Detected is false.
type AnnotatedFrame struct {
	Frame      *capture.Frame
	Face       detect.Face
	Detected   bool
	Mode       Mode
	Prediction *model.Prediction
	Enrollment enroll.Progress
	Status     string
}

type TrainingResult struct {
	Report *model.Report
	PairID string
	Err    error
}

// Status is a snapshot for control clients.
type Status struct {
	Mode        Mode              `json:"mode"`
	Enrollment  enroll.Progress   `json:"enrollment"`
	Training    bool              `json:"training"`
	ModelLoaded bool              `json:"model_loaded"`
	Prediction  *model.Prediction `json:"prediction,omitempty"`
}

type Options struct {
	Source    capture.Source
	Locator   FaceLocator
	Tracker   *enroll.Tracker
	Loader    *dataset.Loader
	Trainer   *model.Trainer
	Artifacts *model.Artifacts
	// Recognizer may be nil until a model has been trained.
	Recognizer Predictor
	Publisher  Publisher
	Logger     *slog.Logger
}

type Controller struct {
	source    capture.Source
	locator   FaceLocator
	tracker   *enroll.Tracker
	loader    *dataset.Loader
	trainer   *model.Trainer
	artifacts *model.Artifacts
	publisher Publisher
	logger    *slog.Logger

	mu         sync.Mutex
	mode       Mode
	face       detect.Face
	recognizer Predictor
	last       *model.Prediction
	closed     bool

	training    atomic.Bool
	trainCancel context.CancelFunc
	trainWG     sync.WaitGroup

	shutdown    sync.Once
	shutdownErr error
}

func New(opt Options) *Controller {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		source:     opt.Source,
		locator:    opt.Locator,
		tracker:    opt.Tracker,
		loader:     opt.Loader,
		trainer:    opt.Trainer,
		artifacts:  opt.Artifacts,
		recognizer: opt.Recognizer,
		publisher:  opt.Publisher,
		logger:     logger,
	}
}

// Tick runs one iteration of the live loop. Only a failure to read the
// frame is returned as an error; everything else ends up in Status.
func (c *Controller) Tick() (AnnotatedFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return AnnotatedFrame{Mode: c.mode}, ErrClosed
	}

	frame, err := c.source.Read()
	if err != nil {
		return AnnotatedFrame{Mode: c.mode, Face: c.face}, errors.Wrap(err, "read frame")
	}
	out := AnnotatedFrame{Frame: frame}

	face, found, err := c.locator.Locate(frame.Image)
	switch {
	case err != nil:
		c.logger.Warn("face detection failed", "error", err, "seq", frame.Seq)
		out.Status = "detection failed"
	case found:
		c.face = face
	}
	out.Detected = found
	out.Face = c.face

	switch c.mode {
	case Enrolling:
		c.enrollTick(&out)
	case Recognizing:
		c.recognizeTick(&out)
	}

	out.Mode = c.mode
	return out, nil
}

func (c *Controller) enrollTick(out *AnnotatedFrame) {
	p, err := c.tracker.OnTick(c.face.Crop)
	out.Enrollment = p

	switch {
	case errors.Is(err, enroll.ErrNoFaceAvailable):
		out.Status = "waiting for a face"
	case err != nil:
		c.logger.Error("enrollment stopped", "label", p.Label, "saved", p.Count, "error", err)
		c.tracker.Cancel()
		c.mode = Idle
		out.Status = "enrollment failed: " + err.Error()
	case p.Done:
		c.mode = Idle
		out.Status = fmt.Sprintf("enrollment complete for %s", p.Label)
		c.publish(EventEnrollmentCompleted, p)
	default:
		out.Status = fmt.Sprintf("enrolling %s %d/%d", p.Label, p.Count, p.Total)
	}
}

func (c *Controller) recognizeTick(out *AnnotatedFrame) {
	switch {
	case c.face.Crop == nil:
		out.Status = "no face"
		return
	case c.recognizer == nil:
		out.Status = model.ErrModelNotLoaded.Error()
		return
	}

	pred, err := c.recognizer.Predict(c.face.Crop)
	if err != nil {
		c.logger.Warn("recognition failed", "error", err)
		out.Status = "recognition failed: " + err.Error()
		return
	}
	out.Prediction = &pred
	out.Status = FormatPrediction(pred)
	c.last = &pred
	c.publish(EventRecognition, pred)
}

// FormatPrediction renders a prediction as "label: 97.25%".
func FormatPrediction(p model.Prediction) string {
	return fmt.Sprintf("%s: %.2f%%", p.Label, p.Confidence*100)
}

// SetMode switches between Idle and Recognizing. Entering Idle cancels a
// running enrollment; entering Recognizing is refused while enrolling.
// Enrollment itself starts with ProvideIdentityLabel.
func (c *Controller) SetMode(m Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	switch m {
	case Idle:
		c.tracker.Cancel()
	case Recognizing:
		if c.mode == Enrolling {
			return errors.Wrap(ErrEnrolling, "finish or cancel enrollment first")
		}
	case Enrolling:
		return errors.Wrap(ErrInvalidMode, "enrollment needs an identity label")
	default:
		return errors.Wrapf(ErrInvalidMode, "%d", m)
	}
	c.setMode(m)
	return nil
}

// ToggleRecognition flips between Idle and Recognizing and returns the
// resulting mode. It does nothing while enrolling.
func (c *Controller) ToggleRecognition() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.closed, c.mode == Enrolling:
	case c.mode == Recognizing:
		c.setMode(Idle)
	default:
		c.setMode(Recognizing)
	}
	return c.mode
}

// ProvideIdentityLabel starts enrolling label. Recognition is suspended
// until the enrollment finishes, after which the mode is Idle.
func (c *Controller) ProvideIdentityLabel(label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if err := c.tracker.Begin(label); err != nil {
		return err
	}
	c.setMode(Enrolling)
	return nil
}

func (c *Controller) setMode(m Mode) {
	if m != c.mode {
		c.logger.Info("mode changed", "from", c.mode, "to", m)
	}
	c.mode = m
	if m != Recognizing {
		c.last = nil
	}
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Mode:        c.mode,
		Enrollment:  c.tracker.Progress(),
		Training:    c.training.Load(),
		ModelLoaded: c.recognizer != nil,
		Prediction:  c.last,
	}
}

// Train loads the dataset under root, fits a new classifier and persists
// it. On success the live loop switches to the new model. It blocks until
// training ends; ticks keep running meanwhile.
func (c *Controller) Train(ctx context.Context, root string) (*model.Report, error) {
	if err := c.beginTraining(); err != nil {
		return nil, err
	}
	res := c.train(ctx, root)
	return res.Report, res.Err
}

// StartTraining is Train on its own goroutine. The channel receives
// exactly one result and is then closed.
func (c *Controller) StartTraining(ctx context.Context, root string) (<-chan TrainingResult, error) {
	if err := c.beginTraining(); err != nil {
		return nil, err
	}
	ch := make(chan TrainingResult, 1)
	go func() {
		defer close(ch)
		ch <- c.train(ctx, root)
	}()
	return ch, nil
}

func (c *Controller) beginTraining() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.training.CompareAndSwap(false, true) {
		return ErrTrainingInProgress
	}
	c.trainWG.Add(1)
	return nil
}

func (c *Controller) train(ctx context.Context, root string) (res TrainingResult) {
	defer c.trainWG.Done()
	defer c.training.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.trainCancel = cancel
	if c.closed {
		cancel()
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.trainCancel = nil
		c.mu.Unlock()
		cancel()
	}()

	defer func() {
		if res.Err != nil {
			c.logger.Error("training failed", "error", res.Err)
			c.publish(EventTrainingFailed, map[string]string{"error": res.Err.Error()})
		}
	}()

	ds, err := c.loader.Load(root)
	if err != nil {
		return TrainingResult{Err: err}
	}
	trained, err := c.trainer.Train(ctx, ds)
	if err != nil {
		return TrainingResult{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return TrainingResult{Err: err}
	}

	pairID, err := c.artifacts.Save(trained.Params, trained.Encoder)
	if err != nil {
		return TrainingResult{Err: err}
	}
	rec, err := model.NewRecognizer(trained.Params, trained.Encoder)
	if err != nil {
		return TrainingResult{Err: err}
	}
	if !c.SwapRecognizer(rec) {
		rec.Close()
	}

	c.logger.Info("training complete",
		"pair_id", pairID,
		"accuracy", trained.Report.Accuracy,
		"classes", len(trained.Report.Classes))
	c.publish(EventTrainingCompleted, map[string]interface{}{
		"pair_id":  pairID,
		"accuracy": trained.Report.Accuracy,
		"classes":  trained.Encoder.Classes,
	})
	return TrainingResult{Report: trained.Report, PairID: pairID}
}

// SwapRecognizer installs p for the following ticks and closes the
// previous one. It returns false after shutdown.
func (c *Controller) SwapRecognizer(p Predictor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	closeQuietly(c.recognizer, c.logger)
	c.recognizer = p
	return true
}

// Shutdown stops the controller: training is cancelled and waited for,
// enrollment dropped and the camera closed. Only the first call does
// anything.
func (c *Controller) Shutdown() error {
	c.shutdown.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.tracker.Cancel()
		c.mode = Idle
		if c.trainCancel != nil {
			c.trainCancel()
		}
		c.mu.Unlock()

		c.trainWG.Wait()

		c.mu.Lock()
		defer c.mu.Unlock()
		closeQuietly(c.recognizer, c.logger)
		c.recognizer = nil

		if err := c.source.Close(); err != nil {
			c.shutdownErr = errors.Wrap(err, "close camera")
		}
		c.logger.Info("controller stopped")
	})
	return c.shutdownErr
}

func (c *Controller) publish(event string, payload interface{}) {
	if c.publisher != nil {
		c.publisher.Publish(event, payload)
	}
}

func closeQuietly(v interface{}, logger *slog.Logger) {
	if cl, ok := v.(io.Closer); ok {
		if err := cl.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}
