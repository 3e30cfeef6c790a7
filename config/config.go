// Package config - Loads the fine-tuning configuration from YAML with environment expansion.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/nvr-ai/go-ml-finetune/dataset"
	"github.com/nvr-ai/go-ml-finetune/loss"
	"github.com/nvr-ai/go-ml-finetune/model"
	"github.com/nvr-ai/go-ml-finetune/onnx"
	"github.com/nvr-ai/go-ml-finetune/postprocess"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete fine-tuning configuration.
type Config struct {
	Data     DataConfig     `json:"data" yaml:"data"`
	Model    ModelConfig    `json:"model" yaml:"model"`
	Training TrainingConfig `json:"training" yaml:"training"`
	Loss     loss.Config    `json:"loss" yaml:"loss"`
}

// DataConfig locates the dataset and describes its labels.
type DataConfig struct {
	// Root is the directory the split image file names are relative to.
	Root string `json:"root" yaml:"root"`
	// Train and Test are split files written by the subset tool.
	Train string `json:"train" yaml:"train"`
	Test  string `json:"test" yaml:"test"`
	// Categories is the label catalog.
	Categories []dataset.Category `json:"categories" yaml:"categories"`
	// Preprocess holds the channel statistics. The size always follows the backbone.
	Preprocess dataset.PreprocessConfig `json:"preprocess" yaml:"preprocess"`
	// Workers is the number of images decoded concurrently per batch.
	Workers int `json:"workers" yaml:"workers"`
	// Augment jitters training images; evaluation images are never augmented.
	Augment dataset.AugmentConfig `json:"augment" yaml:"augment"`
	// AnnotationsFile is the COCO file the subset tool draws splits from.
	AnnotationsFile string `json:"annotations_file" yaml:"annotations_file"`
	// TrainImages and TestImages size the splits drawn by the subset tool.
	TrainImages int `json:"num_train_images" yaml:"num_train_images"`
	TestImages  int `json:"num_test_images" yaml:"num_test_images"`
}

// ModelConfig describes the frozen backbone and the trainable head.
type ModelConfig struct {
	Backbone onnx.Config `json:"backbone" yaml:"backbone"`
	// LearnRate is the Adam step size of the classification head.
	LearnRate float64 `json:"learn_rate" yaml:"learn_rate"`
	// Clip bounds head gradients; zero disables clipping.
	Clip float64 `json:"clip" yaml:"clip"`
	// Seed drives the head initialisation.
	Seed int64 `json:"seed" yaml:"seed"`
	// Checkpoint, when set and present, is loaded into the head before training.
	Checkpoint string `json:"checkpoint" yaml:"checkpoint"`
}

// TrainingConfig drives the training loop.
type TrainingConfig struct {
	Epochs    int   `json:"epochs" yaml:"epochs"`
	BatchSize int   `json:"batch_size" yaml:"batch_size"`
	Shuffle   bool  `json:"shuffle" yaml:"shuffle"`
	Seed      int64 `json:"seed" yaml:"seed"`
	// LogEvery logs the running losses every n steps.
	LogEvery int `json:"log_every" yaml:"log_every"`
	// EvalEvery evaluates on the test split every n epochs; zero disables evaluation.
	EvalEvery int `json:"eval_every" yaml:"eval_every"`
	// OutputDir receives head checkpoints and overlays.
	OutputDir string `json:"output_dir" yaml:"output_dir"`
	// Overlays is the number of evaluation images drawn per evaluation.
	Overlays int `json:"overlays" yaml:"overlays"`
	// Detections filters predictions for overlays.
	Detections postprocess.Config `json:"detections" yaml:"detections"`
	// ReportInterval is the period of the profiler report, e.g. "1m"; zero disables it.
	ReportInterval time.Duration `json:"report_interval" yaml:"report_interval"`
	// HistoryDB is the SQLite file every run and its epoch losses are appended to; empty
	// disables the history.
	HistoryDB string `json:"history_db" yaml:"history_db"`
}

// Default returns a configuration for the two-class reference dataset.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			Root:       "images",
			Train:      filepath.Join("data", dataset.TrainFile),
			Test:       filepath.Join("data", dataset.TestFile),
			Categories: dataset.DefaultCategories(),
			Preprocess: dataset.DefaultPreprocessConfig(),
		},
		Model: ModelConfig{
			Backbone:  onnx.DefaultConfig(),
			LearnRate: 1e-5,
			Seed:      42,
		},
		Training: TrainingConfig{
			Epochs:         10,
			BatchSize:      1,
			Shuffle:        true,
			Seed:           42,
			LogEvery:       10,
			EvalEvery:      1,
			OutputDir:      "runs",
			Overlays:       4,
			Detections:     postprocess.DefaultConfig(),
			ReportInterval: time.Minute,
		},
		Loss: loss.DefaultConfig(),
	}
}

// Load reads a YAML configuration file.
//
// A .env file next to the configuration is loaded into the environment first, without
// overriding variables that are already set. ${VAR} references in the file are then
// expanded from the environment.
//
// Arguments:
//   - path: The path to the YAML file.
//
// Returns:
//   - *Config: The validated configuration.
//   - error: An error if the file cannot be read, parsed or validated.
//
// @example
// cfg, err := config.Load("finetune.yaml")
//
//	if err != nil {
//		log.Fatalf("❌ %v", err)
//	}
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "load %s", envFile)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse expands environment references in data and decodes it over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize makes the sizes shared between sections agree.
func (c *Config) normalize() {
	c.Model.Backbone.Batch = c.Training.BatchSize
	c.Data.Preprocess.Size = c.Model.Backbone.ImageSize
}

// Validate checks every section and their consistency.
func (c *Config) Validate() error {
	if c.Data.Train == "" {
		return fmt.Errorf("data.train is required")
	}
	if c.Data.TrainImages < 0 || c.Data.TestImages < 0 {
		return fmt.Errorf("data.num_train_images and num_test_images must be non-negative")
	}
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("training.epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.BatchSize <= 0 {
		return fmt.Errorf("training.batch_size must be positive, got %d", c.Training.BatchSize)
	}
	if c.Training.LogEvery < 0 || c.Training.EvalEvery < 0 || c.Training.Overlays < 0 ||
		c.Training.ReportInterval < 0 {
		return fmt.Errorf("training.log_every, eval_every, overlays and report_interval must be non-negative")
	}
	if c.Model.LearnRate <= 0 {
		return fmt.Errorf("model.learn_rate must be positive, got %f", c.Model.LearnRate)
	}
	if err := c.Model.Backbone.Validate(); err != nil {
		return errors.Wrap(err, "model.backbone")
	}
	if err := c.Data.Preprocess.Validate(); err != nil {
		return errors.Wrap(err, "data.preprocess")
	}
	if err := c.Data.Augment.Validate(); err != nil {
		return errors.Wrap(err, "data.augment")
	}
	if err := c.Loss.Validate(); err != nil {
		return errors.Wrap(err, "loss")
	}

	catalog, err := c.Catalog()
	if err != nil {
		return err
	}
	if c.Loss.BackgroundID >= catalog.Classes() {
		return fmt.Errorf("loss.background_id %d is outside the %d classes",
			c.Loss.BackgroundID, catalog.Classes())
	}
	return nil
}

// Catalog builds the immutable label catalog of the data section.
func (c *Config) Catalog() (*dataset.Catalog, error) {
	catalog, err := dataset.NewCatalog(c.Data.Categories)
	if err != nil {
		return nil, errors.Wrap(err, "data.categories")
	}
	return catalog, nil
}

// Head returns the classification head configuration for a catalog with the given
// number of classes.
func (c *Config) Head(classes int) model.HeadConfig {
	return model.HeadConfig{
		Width:     c.Model.Backbone.Width,
		Classes:   classes,
		Rows:      c.Training.BatchSize * c.Model.Backbone.Patches(),
		LearnRate: c.Model.LearnRate,
		Clip:      c.Model.Clip,
		Seed:      c.Model.Seed,
	}
}

// Collator returns the collator configuration of the training split, or of the
// evaluation split when training is false. Evaluation is neither shuffled nor augmented.
func (c *Config) Collator(training bool) dataset.CollatorConfig {
	cfg := dataset.CollatorConfig{
		Root:        c.Data.Root,
		BatchSize:   c.Training.BatchSize,
		Predictions: c.Model.Backbone.Patches(),
		Shuffle:     training && c.Training.Shuffle,
		Seed:        c.Training.Seed,
		Workers:     c.Data.Workers,
	}
	if training {
		cfg.Augment = c.Data.Augment
	}
	return cfg
}
