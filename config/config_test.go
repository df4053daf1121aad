package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Enrollment.Length)
	assert.Equal(t, 30, cfg.Model.InputSize)
	assert.Equal(t, 1.2, cfg.Detector.ScaleFactor)
	assert.Equal(t, 5, cfg.Detector.MinNeighbors)
	assert.Equal(t, 20, cfg.Detector.MinSize)
	assert.Equal(t, 1e-10, cfg.Training.LearningRate)
	assert.Equal(t, 10, cfg.Training.BatchSize)
	assert.Equal(t, 1, cfg.Training.Epochs)
	assert.Equal(t, 1024, cfg.Training.Conv1Filters)
	assert.Equal(t, 512, cfg.Training.Conv2Filters)
	assert.Equal(t, 30*time.Millisecond, cfg.Camera.TickInterval)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
camera:
  device: /dev/video2
  driver: v4l2
  tick_interval: 50ms
enrollment:
  dataset_dir: /var/lib/facedetective/dataset
training:
  learning_rate: 0.001
  epochs: 20
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/video2", cfg.Camera.Device)
	assert.Equal(t, "v4l2", cfg.Camera.Driver)
	assert.Equal(t, 50*time.Millisecond, cfg.Camera.TickInterval)
	assert.Equal(t, "/var/lib/facedetective/dataset", cfg.Enrollment.DatasetDir)
	assert.Equal(t, 0.001, cfg.Training.LearningRate)
	assert.Equal(t, 20, cfg.Training.Epochs)
	// untouched keys keep their defaults
	assert.Equal(t, 10, cfg.Training.BatchSize)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "training:\n  epochs: 3\n")
	t.Setenv("FACEDETECTIVE_TRAINING_EPOCHS", "7")
	t.Setenv("FACEDETECTIVE_MODEL_LABELS_PATH", "/tmp/labels.msgpack")
	t.Setenv("FACEDETECTIVE_DAEMON_LOOP_CPU", "2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Training.Epochs)
	assert.Equal(t, "/tmp/labels.msgpack", cfg.Model.LabelsPath)
	assert.Equal(t, 2, cfg.Daemon.LoopCPU)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := writeConfig(t, "camera: [not, a, map]\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown driver", func(c *Config) { c.Camera.Driver = "ffmpeg" }, true},
		{"empty device", func(c *Config) { c.Camera.Device = "" }, true},
		{"scale factor not above one", func(c *Config) { c.Detector.ScaleFactor = 1 }, true},
		{"dnn without files", func(c *Config) { c.Detector.Backend = "dnn" }, true},
		{"dnn with files", func(c *Config) {
			c.Detector.Backend = "dnn"
			c.Detector.DNNConfig = "deploy.prototxt"
			c.Detector.DNNModel = "res10.caffemodel"
		}, false},
		{"pigo without cascade", func(c *Config) { c.Detector.Backend = "pigo" }, true},
		{"pigo with cascade", func(c *Config) {
			c.Detector.Backend = "pigo"
			c.Detector.PigoCascade = "facefinder"
		}, false},
		{"zero enrollment length", func(c *Config) { c.Enrollment.Length = 0 }, true},
		{"same artifact paths", func(c *Config) { c.Model.LabelsPath = "./" + c.Model.Path }, true},
		{"tiny input", func(c *Config) { c.Model.InputSize = 4 }, true},
		{"validation size of one", func(c *Config) { c.Training.ValidationSize = 1 }, true},
		{"zero batch", func(c *Config) { c.Training.BatchSize = 0 }, true},
		{"zero filters", func(c *Config) { c.Training.Conv2Filters = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
