package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/abihf/facedetective/config"
	"github.com/abihf/facedetective/dataset"
	"github.com/abihf/facedetective/model"
	"github.com/abihf/facedetective/protocol"
)

var trainOpts struct {
	datasetDir string
	epochs     int
	batchSize  int
	rate       float64
	viaDaemon  bool
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the classifier on the enrolled faces",
	Long: `Train loads every image under the dataset directory, fits the
classifier and replaces the saved model and labels. With --daemon the
running daemon does the work with its own configuration and starts using
the new model right away; the training flags are refused in that case.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if trainOpts.viaDaemon {
			if err := checkDaemonFlags(cmd); err != nil {
				return err
			}
			return trainRemote(cmd)
		}
		applyTrainFlags(cmd, conf)
		return trainLocal(cmd, conf)
	},
}

func init() {
	f := trainCmd.Flags()
	f.StringVarP(&trainOpts.datasetDir, "dataset", "d", "", "dataset directory (default from config)")
	f.IntVarP(&trainOpts.epochs, "epochs", "e", 0, "training epochs (default from config)")
	f.IntVarP(&trainOpts.batchSize, "batch-size", "b", 0, "batch size (default from config)")
	f.Float64Var(&trainOpts.rate, "learning-rate", 0, "Adam learning rate (default from config)")
	f.BoolVar(&trainOpts.viaDaemon, "daemon", false, "ask the running daemon to train")
	rootCmd.AddCommand(trainCmd)
}

// the daemon trains with its own config
var localTrainFlags = []string{"dataset", "epochs", "batch-size", "learning-rate"}

func checkDaemonFlags(cmd *cobra.Command) error {
	for _, name := range localTrainFlags {
		if cmd.Flags().Changed(name) {
			return errors.Errorf("--%s can not be combined with --daemon", name)
		}
	}
	return nil
}

func applyTrainFlags(cmd *cobra.Command, conf *config.Config) {
	f := cmd.Flags()
	if f.Changed("dataset") {
		conf.Enrollment.DatasetDir = trainOpts.datasetDir
	}
	if f.Changed("epochs") {
		conf.Training.Epochs = trainOpts.epochs
	}
	if f.Changed("batch-size") {
		conf.Training.BatchSize = trainOpts.batchSize
	}
	if f.Changed("learning-rate") {
		conf.Training.LearningRate = trainOpts.rate
	}
}

func trainLocal(cmd *cobra.Command, conf *config.Config) error {
	if err := conf.Validate(); err != nil {
		return err
	}
	logger := config.NewLogger(conf)

	ds, err := dataset.NewLoader(conf.Model.InputSize, logger).Load(conf.Enrollment.DatasetDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Loaded %d images of %d people\n", len(ds.Samples), ds.ClassCount())

	var bar *progressbar.ProgressBar
	trainer := model.NewTrainer(model.OptionsFromConfig(conf), logger)
	trainer.OnBatch = func(p model.BatchProgress) {
		if bar == nil || p.Batch == 1 {
			if bar != nil {
				bar.Finish()
			}
			bar = progressbar.NewOptions(p.Batches,
				progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", p.Epoch, p.Epochs)),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowCount(),
			)
		}
		bar.Describe(fmt.Sprintf("Epoch %d/%d loss %.4f", p.Epoch, p.Epochs, p.Loss))
		bar.Add(1)
	}

	start := time.Now()
	res, err := trainer.Train(cmd.Context(), ds)
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}

	artifacts := &model.Artifacts{ModelPath: conf.Model.Path, LabelsPath: conf.Model.LabelsPath}
	pairID, err := artifacts.Save(res.Params, res.Encoder)
	if err != nil {
		return err
	}

	printHistory(res.Report)
	fmt.Println()
	if _, err := res.Report.WriteTo(os.Stdout); err != nil {
		return err
	}
	fmt.Printf("\nSaved %s and %s (pair %s) in %v\n",
		conf.Model.Path, conf.Model.LabelsPath, pairID, time.Since(start).Round(time.Second))
	return nil
}

func printHistory(r *model.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EPOCH\tLOSS\tACCURACY\tVAL LOSS\tVAL ACCURACY")
	for _, h := range r.History {
		fmt.Fprintf(w, "%d\t%.4f\t%.4f\t%.4f\t%.4f\n", h.Epoch, h.Loss, h.Accuracy, h.ValLoss, h.ValAccuracy)
	}
	w.Flush()
}

func trainRemote(cmd *cobra.Command) error {
	// training can take far longer than a control request
	ctx := cmd.Context()
	res, err := protocol.Call(ctx, socketPath, protocol.NewReq(protocol.ActionTrain, map[string]string{"wait": "true"}))
	if err != nil {
		return err
	}
	if !res.OK() {
		return errors.Errorf("%s (%s)", res.Error, res.Code)
	}
	fmt.Printf("Training completed: accuracy %s over %s classes (pair %s)\n",
		res.Extras["accuracy"], res.Extras["classes"], res.Extras["pair_id"])
	return nil
}
