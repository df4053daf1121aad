package facedetective

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/abihf/facedetective/capture"
	"github.com/abihf/facedetective/dataset"
	"github.com/abihf/facedetective/detect"
	"github.com/abihf/facedetective/enroll"
	"github.com/abihf/facedetective/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 8

type fakeSource struct {
	seq    uint64
	closes int
	err    error
}

func (s *fakeSource) Read() (*capture.Frame, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.seq++
	return &capture.Frame{Seq: s.seq, Image: image.NewGray(image.Rect(0, 0, 64, 48))}, nil
}

func (s *fakeSource) Close() error {
	s.closes++
	return nil
}

// fakeLocator reports a face on every call while faces is true. Each face
// gets a fresh crop so staleness can be checked by pointer.
type fakeLocator struct {
	faces bool
	err   error
	shade uint8
	last  detect.Face
}

func (l *fakeLocator) Locate(image.Image) (detect.Face, bool, error) {
	if l.err != nil {
		return detect.Face{}, false, l.err
	}
	if !l.faces {
		return detect.Face{}, false, nil
	}
	l.shade += 10
	crop := image.NewGray(image.Rect(0, 0, 20, 20))
	for i := range crop.Pix {
		crop.Pix[i] = l.shade
	}
	l.last = detect.Face{Box: image.Rect(10, 10, 30, 30), Crop: crop}
	return l.last, true, nil
}

type fakePredictor struct {
	seen   []*image.Gray
	closed bool
}

func (p *fakePredictor) Predict(crop *image.Gray) (model.Prediction, error) {
	p.seen = append(p.seen, crop)
	return model.Prediction{Label: "alice", Confidence: 0.9731}, nil
}

func (p *fakePredictor) Close() error {
	p.closed = true
	return nil
}

type recordPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordPublisher) Publish(event string, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordPublisher) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type harness struct {
	*Controller
	dir       string
	source    *fakeSource
	locator   *fakeLocator
	publisher *recordPublisher
	artifacts *model.Artifacts
	trainer   *model.Trainer
}

func newHarness(t *testing.T, length int) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir:       filepath.Join(dir, "dataset"),
		source:    &fakeSource{},
		locator:   &fakeLocator{},
		publisher: &recordPublisher{},
		artifacts: &model.Artifacts{
			ModelPath:  filepath.Join(dir, "model.msgpack"),
			LabelsPath: filepath.Join(dir, "labels.msgpack"),
		},
	}
	h.trainer = model.NewTrainer(model.Options{
		InputSize:      testSize,
		LearningRate:   0.01,
		BatchSize:      4,
		Epochs:         2,
		ValidationSize: 0.25,
		Seed:           42,
		Conv1Filters:   2,
		Conv2Filters:   2,
	}, nil)
	h.Controller = New(Options{
		Source:    h.source,
		Locator:   h.locator,
		Tracker:   enroll.NewTracker(enroll.NewStore(h.dir, testSize), length, nil),
		Loader:    dataset.NewLoader(testSize, nil),
		Trainer:   h.trainer,
		Artifacts: h.artifacts,
		Publisher: h.publisher,
	})
	return h
}

func (h *harness) tick(t *testing.T) AnnotatedFrame {
	t.Helper()
	f, err := h.Tick()
	require.NoError(t, err)
	return f
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func TestTick_NoFaceLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, 50)

	for i := 0; i < 5; i++ {
		f := h.tick(t)
		assert.False(t, f.Detected)
		assert.Nil(t, f.Face.Crop)
		assert.Equal(t, Idle, f.Mode)
	}
	assert.Equal(t, Idle, h.Mode())
}

func TestTick_KeepsLastFace(t *testing.T) {
	h := newHarness(t, 50)
	pred := &fakePredictor{}
	h.SwapRecognizer(pred)
	require.NoError(t, h.SetMode(Recognizing))

	h.locator.faces = true
	f := h.tick(t)
	require.True(t, f.Detected)
	first := f.Face

	h.locator.faces = false
	for i := 0; i < 3; i++ {
		f = h.tick(t)
		assert.False(t, f.Detected)
		assert.Same(t, first.Crop, f.Face.Crop)
		assert.Equal(t, first.Box, f.Face.Box)
		assert.Equal(t, Recognizing, f.Mode)
	}

	require.Len(t, pred.seen, 4)
	for _, crop := range pred.seen {
		assert.Same(t, first.Crop, crop)
	}
}

func TestTick_DetectionErrorKeepsLastFace(t *testing.T) {
	h := newHarness(t, 50)
	h.locator.faces = true
	first := h.tick(t).Face

	h.locator.err = errors.New("boom")
	f := h.tick(t)
	assert.False(t, f.Detected)
	assert.Same(t, first.Crop, f.Face.Crop)
	assert.Equal(t, "detection failed", f.Status)
}

func TestTick_ReadError(t *testing.T) {
	h := newHarness(t, 50)
	h.source.err = errors.New("unplugged")

	_, err := h.Tick()
	assert.Error(t, err)
}

func TestTick_Recognition(t *testing.T) {
	h := newHarness(t, 50)
	h.SwapRecognizer(&fakePredictor{})
	require.NoError(t, h.SetMode(Recognizing))

	f := h.tick(t)
	assert.Nil(t, f.Prediction)
	assert.Equal(t, "no face", f.Status)

	h.locator.faces = true
	f = h.tick(t)
	require.NotNil(t, f.Prediction)
	assert.Equal(t, "alice", f.Prediction.Label)
	assert.Equal(t, "alice: 97.31%", f.Status)
	assert.True(t, h.publisher.has(EventRecognition))
	assert.Equal(t, "alice", h.Status().Prediction.Label)
}

func TestTick_RecognitionWithoutModel(t *testing.T) {
	h := newHarness(t, 50)
	require.NoError(t, h.SetMode(Recognizing))
	h.locator.faces = true

	f := h.tick(t)
	assert.Nil(t, f.Prediction)
	assert.Equal(t, model.ErrModelNotLoaded.Error(), f.Status)
	assert.Equal(t, Recognizing, f.Mode)
}

func TestEnrollment_WritesExactlyLength(t *testing.T) {
	const length = 50
	h := newHarness(t, length)
	h.locator.faces = true

	require.NoError(t, h.ProvideIdentityLabel("carol"))
	assert.Equal(t, Enrolling, h.Mode())

	var f AnnotatedFrame
	for i := 0; i < length; i++ {
		f = h.tick(t)
		if i < length-1 {
			require.Equal(t, Enrolling, f.Mode, "tick %d", i)
			assert.Equal(t, i+1, f.Enrollment.Count)
		}
	}

	assert.Equal(t, Idle, f.Mode)
	assert.True(t, f.Enrollment.Done)
	assert.Equal(t, "enrollment complete for carol", f.Status)
	assert.True(t, h.publisher.has(EventEnrollmentCompleted))

	carol := filepath.Join(h.dir, "carol")
	assert.Equal(t, length, countFiles(t, carol))
	assert.FileExists(t, filepath.Join(carol, "carol.0.jpg"))
	assert.FileExists(t, filepath.Join(carol, "carol.49.jpg"))

	for i := 0; i < 10; i++ {
		h.tick(t)
	}
	assert.Equal(t, length, countFiles(t, carol))
}

func TestEnrollment_StaleFace(t *testing.T) {
	h := newHarness(t, 5)
	h.locator.faces = true
	h.tick(t)
	h.locator.faces = false

	require.NoError(t, h.ProvideIdentityLabel("dave"))
	for i := 0; i < 5; i++ {
		h.tick(t)
	}
	assert.Equal(t, 5, countFiles(t, filepath.Join(h.dir, "dave")))
	assert.Equal(t, Idle, h.Mode())
}

func TestEnrollment_NoFaceAvailable(t *testing.T) {
	h := newHarness(t, 5)
	require.NoError(t, h.ProvideIdentityLabel("erin"))

	for i := 0; i < 3; i++ {
		f := h.tick(t)
		assert.Equal(t, "waiting for a face", f.Status)
		assert.Equal(t, 0, f.Enrollment.Count)
		assert.Equal(t, Enrolling, f.Mode)
	}
	assert.Equal(t, 0, countFiles(t, filepath.Join(h.dir, "erin")))
}

func TestEnrollment_InvalidLabel(t *testing.T) {
	h := newHarness(t, 5)
	assert.ErrorIs(t, h.ProvideIdentityLabel("../etc"), enroll.ErrInvalidLabel)
	assert.Equal(t, Idle, h.Mode())
}

func TestEnrollment_SuspendsRecognition(t *testing.T) {
	h := newHarness(t, 2)
	pred := &fakePredictor{}
	h.SwapRecognizer(pred)
	require.NoError(t, h.SetMode(Recognizing))
	h.locator.faces = true

	require.NoError(t, h.ProvideIdentityLabel("frank"))
	f := h.tick(t)
	assert.Nil(t, f.Prediction)
	assert.Empty(t, pred.seen)

	assert.ErrorIs(t, h.SetMode(Recognizing), ErrEnrolling)
	assert.Equal(t, Enrolling, h.ToggleRecognition())

	f = h.tick(t)
	assert.Equal(t, Idle, f.Mode)
}

func TestSetMode(t *testing.T) {
	h := newHarness(t, 5)

	assert.ErrorIs(t, h.SetMode(Enrolling), ErrInvalidMode)
	assert.ErrorIs(t, h.SetMode(Mode(42)), ErrInvalidMode)

	require.NoError(t, h.SetMode(Recognizing))
	assert.Equal(t, Recognizing, h.Mode())

	require.NoError(t, h.ProvideIdentityLabel("gina"))
	require.NoError(t, h.SetMode(Idle))
	assert.Equal(t, Idle, h.Mode())
	assert.False(t, h.Status().Enrollment.Count > 0)

	// the label is free again after cancelling
	require.NoError(t, h.ProvideIdentityLabel("gina"))
}

func TestToggleRecognition(t *testing.T) {
	h := newHarness(t, 5)
	assert.Equal(t, Recognizing, h.ToggleRecognition())
	assert.Equal(t, Idle, h.ToggleRecognition())
	assert.Equal(t, Recognizing, h.ToggleRecognition())
}

func TestShutdown(t *testing.T) {
	h := newHarness(t, 5)
	pred := &fakePredictor{}
	h.SwapRecognizer(pred)

	require.NoError(t, h.Shutdown())
	require.NoError(t, h.Shutdown())
	assert.Equal(t, 1, h.source.closes)
	assert.True(t, pred.closed)

	_, err := h.Tick()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.SetMode(Recognizing), ErrClosed)
	assert.ErrorIs(t, h.ProvideIdentityLabel("x"), ErrClosed)
	_, err = h.Train(context.Background(), h.dir)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, h.SwapRecognizer(&fakePredictor{}))
}

func enrollSynthetic(t *testing.T, dir string) {
	t.Helper()
	store := enroll.NewStore(dir, testSize)
	for _, label := range []string{"alice", "bob"} {
		require.NoError(t, store.Prepare(label))
		for i := 0; i < 8; i++ {
			img := image.NewGray(image.Rect(0, 0, testSize, testSize))
			for x := 0; x < testSize; x++ {
				v := uint8(30 * x)
				if label == "bob" {
					v = uint8(30 * (testSize - 1 - x))
				}
				for y := 0; y < testSize; y++ {
					img.SetGray(x, y, color.Gray{Y: v})
				}
			}
			_, err := store.Save(label, i, img)
			require.NoError(t, err)
		}
	}
}

func TestTrain_SwapsRecognizer(t *testing.T) {
	h := newHarness(t, 5)
	old := &fakePredictor{}
	h.SwapRecognizer(old)
	enrollSynthetic(t, h.dir)

	report, err := h.Train(context.Background(), h.dir)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Len(t, report.Classes, 2)
	assert.Len(t, report.History, 2)

	assert.FileExists(t, h.artifacts.ModelPath)
	assert.FileExists(t, h.artifacts.LabelsPath)
	assert.True(t, old.closed)
	assert.True(t, h.publisher.has(EventTrainingCompleted))
	assert.False(t, h.Status().Training)

	require.NoError(t, h.SetMode(Recognizing))
	h.locator.faces = true
	f := h.tick(t)
	require.NotNil(t, f.Prediction)
	assert.Contains(t, []string{"alice", "bob"}, f.Prediction.Label)

	rec, err := model.LoadRecognizer(h.artifacts)
	require.NoError(t, err)
	defer rec.Close()
	assert.Equal(t, []string{"alice", "bob"}, rec.Classes())
}

func TestStartTraining(t *testing.T) {
	h := newHarness(t, 5)
	enrollSynthetic(t, h.dir)

	ch, err := h.StartTraining(context.Background(), h.dir)
	require.NoError(t, err)

	res, ok := <-ch
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.PairID)

	_, ok = <-ch
	assert.False(t, ok)
}

func TestTrain_InProgress(t *testing.T) {
	h := newHarness(t, 5)
	h.training.Store(true)

	_, err := h.Train(context.Background(), h.dir)
	assert.ErrorIs(t, err, ErrTrainingInProgress)
	_, err = h.StartTraining(context.Background(), h.dir)
	assert.ErrorIs(t, err, ErrTrainingInProgress)
}

func TestTrain_EmptyDataset(t *testing.T) {
	h := newHarness(t, 5)

	_, err := h.Train(context.Background(), h.dir)
	assert.ErrorIs(t, err, dataset.ErrDatasetEmpty)
	assert.True(t, h.publisher.has(EventTrainingFailed))
	assert.False(t, h.Status().ModelLoaded)
}

func TestTrain_CancelledPersistsNothing(t *testing.T) {
	h := newHarness(t, 5)
	enrollSynthetic(t, h.dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Train(ctx, h.dir)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, h.artifacts.ModelPath)
	assert.NoFileExists(t, h.artifacts.LabelsPath)
}

func TestShutdown_CancelsRunningTraining(t *testing.T) {
	h := newHarness(t, 5)
	enrollSynthetic(t, h.dir)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.trainer.OnBatch = func(model.BatchProgress) {
		once.Do(func() {
			close(started)
			<-release
		})
	}

	ch, err := h.StartTraining(context.Background(), h.dir)
	require.NoError(t, err)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- h.Shutdown() }()

	require.Eventually(t, func() bool {
		return errors.Is(h.SetMode(Idle), ErrClosed)
	}, time.Second, 5*time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("shutdown returned while training was still running")
	default:
	}
	close(release)

	res := <-ch
	assert.ErrorIs(t, res.Err, context.Canceled)
	require.NoError(t, <-stopped)

	assert.NoFileExists(t, h.artifacts.ModelPath)
	assert.NoFileExists(t, h.artifacts.LabelsPath)
	assert.True(t, h.publisher.has(EventTrainingFailed))
	assert.Equal(t, 1, h.source.closes)
	assert.False(t, h.Status().Training)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"idle": Idle, "Recognize": Recognizing, " enrolling ": Enrolling} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("sleep")
	assert.ErrorIs(t, err, ErrInvalidMode)
}
