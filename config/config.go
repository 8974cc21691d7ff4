// Package config loads the YAML configuration for training, data validation
// and serving. Load applies defaults first, then overlays whatever the file
// provides, so a partial file is always valid.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration.
type Config struct {
	Training     Training     `yaml:"training"`
	Augmentation Augmentation `yaml:"augmentation"`
	Validation   Validation   `yaml:"validation"`
	Preprocess   Preprocess   `yaml:"preprocess"`
	Tracking     Tracking     `yaml:"tracking"`
	Serving      Serving      `yaml:"serving"`
	Paths        Paths        `yaml:"paths"`
}

// Training holds the optimizer and loop hyperparameters.
type Training struct {
	Epochs                int       `yaml:"epochs"`
	BatchSize             int       `yaml:"batch_size"`
	LearningRate          float64   `yaml:"learning_rate"`
	WeightDecay           float64   `yaml:"weight_decay"`
	EarlyStoppingPatience int       `yaml:"early_stopping_patience"`
	Seed                  int64     `yaml:"seed"`
	NumWorkers            int       `yaml:"num_workers"`
	Scheduler             Scheduler `yaml:"scheduler"`
}

// Scheduler configures the reduce-on-plateau learning rate schedule.
type Scheduler struct {
	Factor   float64 `yaml:"factor"`
	Patience int     `yaml:"patience"`
	MinLR    float64 `yaml:"min_lr"`
}

// Augmentation holds the stochastic training-time transform probabilities.
type Augmentation struct {
	HorizontalFlip  float64 `yaml:"horizontal_flip"`
	VerticalFlip    float64 `yaml:"vertical_flip"`
	RotationDegrees float64 `yaml:"rotation_degrees"`
	RotationProb    float64 `yaml:"rotation_prob"`
	ColorJitterProb float64 `yaml:"color_jitter_prob"`
}

// Validation configures the dataset quality gate.
type Validation struct {
	ExpectedWidth      int     `yaml:"expected_width"`
	ExpectedHeight     int     `yaml:"expected_height"`
	MinCoveragePercent float64 `yaml:"min_coverage_percent"`
}

// Preprocess configures the deterministic pipeline shared by all splits.
type Preprocess struct {
	TargetSize  int     `yaml:"target_size"`
	StretchLow  float64 `yaml:"stretch_low"`
	StretchHigh float64 `yaml:"stretch_high"`
}

// Tracking configures the experiment tracking server.
type Tracking struct {
	URI            string `yaml:"uri"`
	ExperimentName string `yaml:"experiment_name"`
	ModelName      string `yaml:"model_name"`
}

// Serving configures the HTTP inference shell.
type Serving struct {
	Addr string `yaml:"addr"`
}

// Paths locates the datasets and artifact directories.
type Paths struct {
	DataDir   string `yaml:"data_dir"`
	TempDir   string `yaml:"temp_dir"`
	ModelsDir string `yaml:"models_dir"`
	LogsDir   string `yaml:"logs_dir"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Training: Training{
			Epochs:                120,
			BatchSize:             8,
			LearningRate:          1e-4,
			WeightDecay:           1e-5,
			EarlyStoppingPatience: 20,
			Seed:                  42,
			NumWorkers:            4,
			Scheduler: Scheduler{
				Factor:   0.5,
				Patience: 5,
				MinLR:    1e-6,
			},
		},
		Augmentation: Augmentation{
			HorizontalFlip:  0.5,
			VerticalFlip:    0.3,
			RotationDegrees: 15,
			RotationProb:    0.5,
			ColorJitterProb: 0.3,
		},
		Validation: Validation{
			ExpectedWidth:      512,
			ExpectedHeight:     512,
			MinCoveragePercent: 0.1,
		},
		Preprocess: Preprocess{
			TargetSize:  512,
			StretchLow:  2,
			StretchHigh: 98,
		},
		Tracking: Tracking{
			URI:            "http://localhost:5000",
			ExperimentName: "water-meter-segmentation",
			ModelName:      "water-meter-unet",
		},
		Serving: Serving{
			Addr: ":8000",
		},
		Paths: Paths{
			DataDir:   "data/training",
			TempDir:   "data/training/temp",
			ModelsDir: "models",
			LogsDir:   "logs",
		},
	}
}

// Load reads path and overlays it on the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Training.Epochs <= 0 {
		return fmt.Errorf("training.epochs must be positive, got %d", c.Training.Epochs)
	}
	if c.Training.BatchSize <= 0 {
		return fmt.Errorf("training.batch_size must be positive, got %d", c.Training.BatchSize)
	}
	if c.Training.LearningRate <= 0 {
		return fmt.Errorf("training.learning_rate must be positive, got %g", c.Training.LearningRate)
	}
	if c.Training.Scheduler.Factor <= 0 || c.Training.Scheduler.Factor >= 1 {
		return fmt.Errorf("training.scheduler.factor must be in (0,1), got %g", c.Training.Scheduler.Factor)
	}
	if c.Preprocess.TargetSize <= 0 || c.Preprocess.TargetSize%2 != 0 {
		return fmt.Errorf("preprocess.target_size must be positive and even, got %d", c.Preprocess.TargetSize)
	}
	for name, p := range map[string]float64{
		"augmentation.horizontal_flip":   c.Augmentation.HorizontalFlip,
		"augmentation.vertical_flip":     c.Augmentation.VerticalFlip,
		"augmentation.rotation_prob":     c.Augmentation.RotationProb,
		"augmentation.color_jitter_prob": c.Augmentation.ColorJitterProb,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be a probability, got %g", name, p)
		}
	}
	return nil
}
