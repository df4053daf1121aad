// Package control answers protocol requests against a running controller.
package control

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/pkg/errors"

	"github.com/abihf/facedetective"
	"github.com/abihf/facedetective/dataset"
	"github.com/abihf/facedetective/enroll"
	"github.com/abihf/facedetective/model"
	"github.com/abihf/facedetective/protocol"
)

var ErrUnknownAction = errors.New("unknown action")

var codes = []struct {
	err  error
	code string
}{
	{facedetective.ErrClosed, "closed"},
	{facedetective.ErrTrainingInProgress, "training_in_progress"},
	{facedetective.ErrEnrolling, "enrolling"},
	{facedetective.ErrInvalidMode, "invalid_mode"},
	{enroll.ErrInvalidLabel, "invalid_label"},
	{enroll.ErrBusy, "enroll_busy"},
	{enroll.ErrNoFaceAvailable, "no_face_available"},
	{dataset.ErrDatasetEmpty, "dataset_empty"},
	{model.ErrTrainingDataInsufficient, "training_data_insufficient"},
	{model.ErrModelNotLoaded, "model_not_loaded"},
	{model.ErrShapeMismatch, "shape_mismatch"},
	{model.ErrArtifactMismatch, "artifact_mismatch"},
	{model.ErrUnknownLabel, "unknown_label"},
	{ErrUnknownAction, "unknown_action"},
	{context.Canceled, "canceled"},
	{context.DeadlineExceeded, "timeout"},
}

// Code names the error class of err for protocol clients.
func Code(err error) string {
	var decodeErr *dataset.ImageDecodeError
	if errors.As(err, &decodeErr) {
		return "image_decode"
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

type Handler struct {
	ctrl       *facedetective.Controller
	datasetDir string
	// trainCtx outlives single requests; training started over the
	// socket stops when the daemon does.
	trainCtx context.Context
	shutdown func()
	logger   *slog.Logger
}

func NewHandler(trainCtx context.Context, ctrl *facedetective.Controller, datasetDir string, shutdown func(), logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ctrl:       ctrl,
		datasetDir: datasetDir,
		trainCtx:   trainCtx,
		shutdown:   shutdown,
		logger:     logger,
	}
}

func (h *Handler) Handle(ctx context.Context, req *protocol.Req) *protocol.Res {
	h.logger.Debug("control request", "action", req.Action)

	extras, err := h.dispatch(ctx, req)
	if err != nil {
		h.logger.Info("control request failed", "action", req.Action, "error", err)
		return protocol.ErrorRes(err, Code(err))
	}
	return protocol.SuccessRes(extras)
}

func (h *Handler) dispatch(ctx context.Context, req *protocol.Req) (map[string]string, error) {
	switch req.Action {
	case protocol.ActionMode:
		m, err := facedetective.ParseMode(req.Params["mode"])
		if err != nil {
			return nil, err
		}
		if err := h.ctrl.SetMode(m); err != nil {
			return nil, err
		}
		return modeExtras(h.ctrl.Mode()), nil

	case protocol.ActionToggle:
		return modeExtras(h.ctrl.ToggleRecognition()), nil

	case protocol.ActionEnroll:
		label := req.Params["label"]
		if err := h.ctrl.ProvideIdentityLabel(label); err != nil {
			return nil, err
		}
		extras := modeExtras(h.ctrl.Mode())
		extras["label"] = label
		return extras, nil

	case protocol.ActionTrain:
		return h.train(ctx, req.Params["wait"] == "true")

	case protocol.ActionStatus:
		return statusExtras(h.ctrl.Status()), nil

	case protocol.ActionShutdown:
		h.logger.Info("shutdown requested over control socket")
		h.shutdown()
		return nil, nil

	default:
		return nil, errors.Wrapf(ErrUnknownAction, "%q", req.Action)
	}
}

// train starts a run. With wait the request blocks until it ends and
// carries the evaluation summary.
func (h *Handler) train(ctx context.Context, wait bool) (map[string]string, error) {
	ch, err := h.ctrl.StartTraining(h.trainCtx, h.datasetDir)
	if err != nil {
		return nil, err
	}
	if !wait {
		return map[string]string{"training": "started"}, nil
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return map[string]string{
			"training": "completed",
			"pair_id":  res.PairID,
			"accuracy": strconv.FormatFloat(res.Report.Accuracy, 'f', 4, 64),
			"classes":  strconv.Itoa(len(res.Report.Classes)),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func modeExtras(m facedetective.Mode) map[string]string {
	return map[string]string{"mode": m.String()}
}

func statusExtras(s facedetective.Status) map[string]string {
	extras := modeExtras(s.Mode)
	extras["training"] = strconv.FormatBool(s.Training)
	extras["model_loaded"] = strconv.FormatBool(s.ModelLoaded)
	if s.Mode == facedetective.Enrolling {
		extras["label"] = s.Enrollment.Label
		extras["count"] = strconv.Itoa(s.Enrollment.Count)
		extras["total"] = strconv.Itoa(s.Enrollment.Total)
	}
	if s.Prediction != nil {
		extras["prediction"] = facedetective.FormatPrediction(*s.Prediction)
	}
	return extras
}
