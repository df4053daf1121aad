package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "/etc/facedetective/config.yaml"

type Config struct {
	Environment string `yaml:"environment" split_words:"true"`
	LogLevel    string `yaml:"log_level" split_words:"true"`

	Camera     CameraConfig     `yaml:"camera" split_words:"true"`
	Detector   DetectorConfig   `yaml:"detector" split_words:"true"`
	Enrollment EnrollmentConfig `yaml:"enrollment" split_words:"true"`
	Model      ModelConfig      `yaml:"model" split_words:"true"`
	Training   TrainingConfig   `yaml:"training" split_words:"true"`
	Daemon     DaemonConfig     `yaml:"daemon" split_words:"true"`
	MQTT       MQTTConfig       `yaml:"mqtt" split_words:"true"`
}

type CameraConfig struct {
	// Driver is "gocv" (any OpenCV capture source) or "v4l2" (raw grey frames).
	Driver       string        `yaml:"driver" split_words:"true"`
	Device       string        `yaml:"device" split_words:"true"`
	Width        int           `yaml:"width" split_words:"true"`
	Height       int           `yaml:"height" split_words:"true"`
	TickInterval time.Duration `yaml:"tick_interval" split_words:"true"`
}

type DetectorConfig struct {
	// Backend is "cascade", "dnn" or "pigo".
	Backend      string  `yaml:"backend" split_words:"true"`
	CascadeFile  string  `yaml:"cascade_file" split_words:"true"`
	ScaleFactor  float64 `yaml:"scale_factor" split_words:"true"`
	MinNeighbors int     `yaml:"min_neighbors" split_words:"true"`
	MinSize      int     `yaml:"min_size" split_words:"true"`

	DNNConfig     string  `yaml:"dnn_config" split_words:"true"`
	DNNModel      string  `yaml:"dnn_model" split_words:"true"`
	DNNConfidence float64 `yaml:"dnn_confidence" split_words:"true"`

	PigoCascade string  `yaml:"pigo_cascade" split_words:"true"`
	PigoScore   float64 `yaml:"pigo_score" split_words:"true"`
	PigoIOU     float64 `yaml:"pigo_iou" split_words:"true"`
}

type EnrollmentConfig struct {
	DatasetDir string `yaml:"dataset_dir" split_words:"true"`
	Length     int    `yaml:"length" split_words:"true"`
}

type ModelConfig struct {
	Path       string `yaml:"path" split_words:"true"`
	LabelsPath string `yaml:"labels_path" split_words:"true"`
	InputSize  int    `yaml:"input_size" split_words:"true"`
}

type TrainingConfig struct {
	LearningRate   float64 `yaml:"learning_rate" split_words:"true"`
	BatchSize      int     `yaml:"batch_size" split_words:"true"`
	Epochs         int     `yaml:"epochs" split_words:"true"`
	ValidationSize float64 `yaml:"validation_size" split_words:"true"`
	Seed           int64   `yaml:"seed" split_words:"true"`
	Conv1Filters   int     `yaml:"conv1_filters" split_words:"true"`
	Conv2Filters   int     `yaml:"conv2_filters" split_words:"true"`
}

type DaemonConfig struct {
	Socket     string `yaml:"socket" split_words:"true"`
	PidFile    string `yaml:"pid_file" split_words:"true"`
	ShowWindow bool   `yaml:"show_window" split_words:"true"`
	// LoopCPU pins the live loop to a core; negative disables pinning.
	LoopCPU int `yaml:"loop_cpu" split_words:"true"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" split_words:"true"`
	ClientID    string `yaml:"client_id" split_words:"true"`
	TopicPrefix string `yaml:"topic_prefix" split_words:"true"`
	QoS         byte   `yaml:"qos"`
	// RecognitionInterval limits recognition events for an unchanged label.
	RecognitionInterval time.Duration `yaml:"recognition_interval" split_words:"true"`
}

// Default returns the reference settings. The training defaults
// (1 epoch at lr 1e-10) are not expected to converge.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Camera: CameraConfig{
			Driver:       "gocv",
			Device:       "0",
			Width:        640,
			Height:       480,
			TickInterval: 30 * time.Millisecond,
		},
		Detector: DetectorConfig{
			Backend:       "cascade",
			CascadeFile:   "/usr/share/opencv4/haarcascades/haarcascade_frontalface_default.xml",
			ScaleFactor:   1.2,
			MinNeighbors:  5,
			MinSize:       20,
			DNNConfidence: 0.5,
			PigoScore:     5,
			PigoIOU:       0.2,
		},
		Enrollment: EnrollmentConfig{
			DatasetDir: "dataset",
			Length:     50,
		},
		Model: ModelConfig{
			Path:       "model.msgpack",
			LabelsPath: "labels.msgpack",
			InputSize:  30,
		},
		Training: TrainingConfig{
			LearningRate:   1e-10,
			BatchSize:      10,
			Epochs:         1,
			ValidationSize: 0.25,
			Seed:           42,
			Conv1Filters:   1024,
			Conv2Filters:   512,
		},
		Daemon: DaemonConfig{
			Socket:  "/run/facedetective/facedetectived.sock",
			PidFile: "/run/facedetective/facedetectived.pid",
			LoopCPU: -1,
		},
		MQTT: MQTTConfig{
			ClientID:            "facedetective",
			TopicPrefix:         "facedetective",
			RecognitionInterval: time.Second,
		},
	}
}

// Load layers the YAML file at path and FACEDETECTIVE_* environment
// variables over the defaults. A missing file only logs a warning.
func Load(path string) (*Config, error) {
	conf := Default()

	if err := loadFromFile(path, conf); err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return nil, err
		}
		slog.Warn("Failed to load config file", "path", path, "error", err)
	}

	if err := envconfig.Process("facedetective", conf); err != nil {
		return nil, errors.Wrap(err, "read environment")
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func loadFromFile(path string, conf *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Camera.Driver {
	case "gocv", "v4l2":
	default:
		return errors.Errorf("unknown camera driver %q", c.Camera.Driver)
	}
	if c.Camera.Device == "" {
		return errors.New("camera device not set")
	}
	if c.Camera.TickInterval <= 0 {
		return errors.New("camera tick_interval must be positive")
	}

	switch c.Detector.Backend {
	case "cascade":
		if c.Detector.ScaleFactor <= 1 {
			return errors.New("detector scale_factor must be greater than 1")
		}
		if c.Detector.MinNeighbors < 0 || c.Detector.MinSize < 0 {
			return errors.New("detector min_neighbors and min_size must not be negative")
		}
	case "dnn":
		if c.Detector.DNNConfig == "" || c.Detector.DNNModel == "" {
			return errors.New("dnn backend needs dnn_config and dnn_model")
		}
	case "pigo":
		if c.Detector.PigoCascade == "" {
			return errors.New("pigo backend needs pigo_cascade")
		}
		if c.Detector.ScaleFactor <= 1 {
			return errors.New("detector scale_factor must be greater than 1")
		}
	default:
		return errors.Errorf("unknown detector backend %q", c.Detector.Backend)
	}

	if c.Enrollment.Length <= 0 {
		return errors.New("enrollment length must be positive")
	}
	if c.Enrollment.DatasetDir == "" {
		return errors.New("enrollment dataset_dir not set")
	}
	if c.Model.Path == "" || c.Model.LabelsPath == "" {
		return errors.New("model path and labels_path must be set")
	}
	if filepath.Clean(c.Model.Path) == filepath.Clean(c.Model.LabelsPath) {
		return errors.New("model path and labels_path must differ")
	}
	// two valid 3x3 convolutions need at least 5 pixels per side
	if c.Model.InputSize < 5 {
		return errors.New("model input_size must be at least 5")
	}

	t := c.Training
	if t.LearningRate <= 0 {
		return errors.New("training learning_rate must be positive")
	}
	if t.BatchSize <= 0 || t.Epochs <= 0 {
		return errors.New("training batch_size and epochs must be positive")
	}
	if t.ValidationSize <= 0 || t.ValidationSize >= 1 {
		return errors.New("training validation_size must be between 0 and 1")
	}
	if t.Conv1Filters <= 0 || t.Conv2Filters <= 0 {
		return errors.New("training filter counts must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
