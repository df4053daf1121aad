package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/abihf/facedetective"
	"github.com/abihf/facedetective/config"
	"github.com/abihf/facedetective/control"
	"github.com/abihf/facedetective/dataset"
	"github.com/abihf/facedetective/detect"
	"github.com/abihf/facedetective/emitter"
	"github.com/abihf/facedetective/enroll"
	"github.com/abihf/facedetective/model"
	"github.com/abihf/facedetective/opencv"
	"github.com/abihf/facedetective/protocol"
	"github.com/abihf/facedetective/utils/thread"
)

// consecutive camera errors tolerated before the daemon gives up
const maxReadFailures = 50

var configPath string

var rootCmd = &cobra.Command{
	Use:          "facedetectived",
	Short:        "Face enrollment and recognition daemon",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), conf)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, conf *config.Config) error {
	logger := config.NewLogger(conf)
	slog.SetDefault(logger)

	if isAlreadyRun(conf.Daemon.PidFile) {
		return errors.New("already run")
	}
	for _, p := range []string{conf.Daemon.PidFile, conf.Daemon.Socket} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return errors.Wrapf(err, "create %s", filepath.Dir(p))
		}
	}
	if err := writeLockFile(conf.Daemon.PidFile); err != nil {
		return errors.Wrap(err, "Can not write pid file")
	}
	defer os.Remove(conf.Daemon.PidFile)

	source, err := opencv.OpenSource(&conf.Camera)
	if err != nil {
		return errors.Wrap(err, "Can not open camera")
	}
	detector, err := opencv.NewDetector(&conf.Detector)
	if err != nil {
		source.Close()
		return errors.Wrap(err, "Can not load face detector")
	}
	locator := detect.NewLocator(detector)
	defer locator.Close()

	artifacts := &model.Artifacts{ModelPath: conf.Model.Path, LabelsPath: conf.Model.LabelsPath}
	var recognizer facedetective.Predictor
	if rec, err := model.LoadRecognizer(artifacts); err == nil {
		logger.Info("model loaded", "path", conf.Model.Path, "classes", rec.Classes())
		recognizer = rec
	} else if errors.Is(err, model.ErrModelNotLoaded) {
		logger.Warn("no trained model yet, recognition is unavailable until training", "path", conf.Model.Path)
	} else {
		logger.Error("Can not load model", "error", err)
	}

	var publisher facedetective.Publisher
	if conf.MQTT.Broker != "" {
		em, err := emitter.Connect(ctx, &conf.MQTT, logger)
		if err != nil {
			logger.Warn("events disabled", "error", err)
		} else {
			defer em.Close()
			publisher = em
		}
	}

	ctrl := facedetective.New(facedetective.Options{
		Source:     source,
		Locator:    locator,
		Tracker:    enroll.NewTracker(enroll.NewStore(conf.Enrollment.DatasetDir, conf.Model.InputSize), conf.Enrollment.Length, logger),
		Loader:     dataset.NewLoader(conf.Model.InputSize, logger),
		Trainer:    model.NewTrainer(model.OptionsFromConfig(conf), logger),
		Artifacts:  artifacts,
		Recognizer: recognizer,
		Publisher:  publisher,
		Logger:     logger,
	})

	os.Remove(conf.Daemon.Socket)
	ln, err := net.Listen("unix", conf.Daemon.Socket)
	if err != nil {
		ctrl.Shutdown()
		return errors.Wrap(err, "Listen error")
	}
	os.Chmod(conf.Daemon.Socket, 0o666)
	defer os.Remove(conf.Daemon.Socket)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	handler := control.NewHandler(ctx, ctrl, conf.Enrollment.DatasetDir, cancel, logger)
	g.Go(func() error {
		return protocol.Serve(ctx, ln, handler, logger)
	})
	g.Go(func() error {
		return runLoop(ctx, ctrl, conf, logger)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		return ctrl.Shutdown()
	})

	daemon.SdNotify(false, daemon.SdNotifyReady)
	logger.Info("daemon ready", "socket", conf.Daemon.Socket, "mode", ctrl.Mode())
	return g.Wait()
}

// runLoop ticks the controller until ctx is done. The preview window, if
// any, lives on this goroutine.
func runLoop(ctx context.Context, ctrl *facedetective.Controller, conf *config.Config, logger *slog.Logger) error {
	if conf.Daemon.LoopCPU >= 0 {
		if err := thread.SetCPUAffinity(conf.Daemon.LoopCPU); err != nil {
			logger.Warn("live loop not pinned", "cpu", conf.Daemon.LoopCPU, "error", err)
		}
	}

	var win *opencv.Window
	if conf.Daemon.ShowWindow {
		win = opencv.NewWindow("facedetective", true)
		defer win.Close()
	}

	ticker := time.NewTicker(conf.Camera.TickInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		f, err := ctrl.Tick()
		if errors.Is(err, facedetective.ErrClosed) {
			return nil
		}
		if err != nil {
			failures++
			logger.Warn("tick failed", "error", err, "failures", failures)
			if failures >= maxReadFailures {
				return errors.Wrap(err, "camera keeps failing")
			}
			continue
		}
		failures = 0

		if win != nil {
			overlay := opencv.Overlay{Text: f.Status}
			if f.Detected {
				overlay.Box = f.Face.Box
			}
			if err := win.Show(f.Frame.Image, overlay); err != nil {
				logger.Warn("Can not show frame", "error", err)
			}
		}
	}
}
