package model

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/abihf/facedetective/config"
	"github.com/abihf/facedetective/dataset"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

type Options struct {
	InputSize      int
	LearningRate   float64
	BatchSize      int
	Epochs         int
	ValidationSize float64
	Seed           int64
	Conv1Filters   int
	Conv2Filters   int
}

func OptionsFromConfig(conf *config.Config) Options {
	return Options{
		InputSize:      conf.Model.InputSize,
		LearningRate:   conf.Training.LearningRate,
		BatchSize:      conf.Training.BatchSize,
		Epochs:         conf.Training.Epochs,
		ValidationSize: conf.Training.ValidationSize,
		Seed:           conf.Training.Seed,
		Conv1Filters:   conf.Training.Conv1Filters,
		Conv2Filters:   conf.Training.Conv2Filters,
	}
}

type BatchProgress struct {
	Epoch   int
	Epochs  int
	Batch   int
	Batches int
	Loss    float64
}

// Result is a freshly trained classifier. It is not persisted until it
// is handed to Artifacts.Save.
type Result struct {
	Params  *Params
	Encoder *LabelEncoder
	Report  *Report
}

type Trainer struct {
	opt    Options
	logger *slog.Logger

	// OnBatch, if set, is called after every optimizer step.
	OnBatch func(BatchProgress)
}

func NewTrainer(opt Options, logger *slog.Logger) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{opt: opt, logger: logger}
}

// Train fits a new classifier on ds. ctx is checked between batches;
// a cancelled run returns ctx.Err() and no result.
func (t *Trainer) Train(ctx context.Context, ds *dataset.Dataset) (*Result, error) {
	if ds == nil || len(ds.Samples) == 0 {
		return nil, dataset.ErrDatasetEmpty
	}
	if ds.Size != t.opt.InputSize {
		return nil, errors.Wrapf(ErrShapeMismatch, "dataset images are %d px, model expects %d", ds.Size, t.opt.InputSize)
	}

	labels := ds.Targets()
	trainIdx, valIdx, err := StratifiedSplit(labels, t.opt.ValidationSize, t.opt.Seed)
	if err != nil {
		return nil, err
	}

	enc := FitEncoder(pick(labels, trainIdx))
	trainX := normalize(ds, trainIdx)
	trainY, err := enc.Transform(pick(labels, trainIdx))
	if err != nil {
		return nil, err
	}
	valX := normalize(ds, valIdx)
	valY, err := enc.Transform(pick(labels, valIdx))
	if err != nil {
		return nil, errors.Wrap(err, "encode validation labels")
	}

	rng := rand.New(rand.NewSource(t.opt.Seed))
	params := newParams(t.opt.InputSize, t.opt.Conv1Filters, t.opt.Conv2Filters, enc.Len(), rng)

	batch := t.opt.BatchSize
	if batch > len(trainIdx) {
		batch = len(trainIdx)
	}
	net, err := newNetwork(params, batch, true)
	if err != nil {
		return nil, err
	}
	defer net.Close()

	solver := G.NewAdamSolver(
		G.WithLearnRate(t.opt.LearningRate),
		G.WithBeta1(0.9),
		G.WithBeta2(0.999),
		G.WithEps(1e-7),
	)

	t.logger.Info("training classifier",
		"train", len(trainIdx),
		"validation", len(valIdx),
		"classes", enc.Len(),
		"epochs", t.opt.Epochs,
		"batch", batch,
		"learning_rate", t.opt.LearningRate)

	var history []EpochStats
	pixels := t.opt.InputSize * t.opt.InputSize
	classes := enc.Len()
	batches := (len(trainIdx) + batch - 1) / batch
	xb := make([]float32, batch*pixels)
	yb := make([]float32, batch*classes)

	for epoch := 0; epoch < t.opt.Epochs; epoch++ {
		start := time.Now()
		order := rng.Perm(len(trainIdx))
		var lossSum float64
		var correct, seen int

		for b := 0; b < batches; b++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			for i := 0; i < batch; i++ {
				src := order[(b*batch+i)%len(order)]
				copy(xb[i*pixels:(i+1)*pixels], trainX[src*pixels:(src+1)*pixels])
				copy(yb[i*classes:(i+1)*classes], trainY[src*classes:(src+1)*classes])
			}

			prob, err := net.run(xb, yb)
			if err != nil {
				return nil, errors.Wrapf(err, "epoch %d batch %d", epoch+1, b+1)
			}
			if err := solver.Step(G.NodesToValueGrads(net.learn)); err != nil {
				return nil, errors.Wrap(err, "optimizer step")
			}

			// padded rows repeat earlier samples and are not counted
			filled := batch
			if rest := len(order) - b*batch; rest < batch {
				filled = rest
			}
			loss := float64(net.lossValue())
			lossSum += loss * float64(filled)
			correct += countCorrect(prob[:filled*classes], yb[:filled*classes], classes)
			seen += filled

			if t.OnBatch != nil {
				t.OnBatch(BatchProgress{Epoch: epoch + 1, Epochs: t.opt.Epochs, Batch: b + 1, Batches: batches, Loss: loss})
			}
		}

		params = net.snapshot(params)
		valProb, err := predictAll(params, valX, len(valIdx), t.opt.BatchSize)
		if err != nil {
			return nil, errors.Wrap(err, "validate")
		}

		stats := EpochStats{
			Epoch:       epoch + 1,
			Loss:        lossSum / float64(seen),
			Accuracy:    float64(correct) / float64(seen),
			ValLoss:     crossEntropy(valProb, valY, len(valIdx)),
			ValAccuracy: float64(countCorrect(valProb, valY, classes)) / float64(len(valIdx)),
		}
		history = append(history, stats)
		t.logger.Info("epoch finished",
			"epoch", stats.Epoch,
			"loss", stats.Loss,
			"accuracy", stats.Accuracy,
			"val_loss", stats.ValLoss,
			"val_accuracy", stats.ValAccuracy,
			"elapsed", time.Since(start))
	}

	valProb, err := predictAll(params, valX, len(valIdx), t.opt.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "evaluate")
	}
	report := Evaluate(enc.Classes, argmaxRows(valY, classes), argmaxRows(valProb, classes))
	report.History = history
	report.TrainSize = len(trainIdx)
	report.ValSize = len(valIdx)

	return &Result{Params: params, Encoder: enc, Report: report}, nil
}

func pick(labels []string, idx []int) []string {
	out := make([]string, len(idx))
	for i, j := range idx {
		out[i] = labels[j]
	}
	return out
}

// normalize scales the selected samples to [0,1] into one flat slice.
func normalize(ds *dataset.Dataset, idx []int) []float32 {
	pixels := ds.Size * ds.Size
	out := make([]float32, len(idx)*pixels)
	for i, j := range idx {
		dst := out[i*pixels : (i+1)*pixels]
		for k, v := range ds.Samples[j].Pixels {
			dst[k] = v / 255
		}
	}
	return out
}

func argmaxRows(v []float32, classes int) []int {
	out := make([]int, len(v)/classes)
	for i := range out {
		out[i], _ = argmax(v[i*classes : (i+1)*classes])
	}
	return out
}

func countCorrect(prob, target []float32, classes int) int {
	p, t := argmaxRows(prob, classes), argmaxRows(target, classes)
	n := 0
	for i := range p {
		if p[i] == t[i] {
			n++
		}
	}
	return n
}

func crossEntropy(prob, target []float32, rows int) float64 {
	if rows == 0 {
		return 0
	}
	var sum float64
	for i := range prob {
		if target[i] != 0 {
			sum -= float64(target[i]) * math.Log(float64(prob[i])+logEpsilon)
		}
	}
	return sum / float64(rows)
}
