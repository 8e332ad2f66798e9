package sample

import (
	"fmt"
	"os"
	"time"

	mlflow "github.com/trackbench/mlflow-go"
	"gopkg.in/yaml.v3"
)

// ImageSource is an image to download and log with every run.
type ImageSource struct {
	URL string `yaml:"url"`
	// Local file name. Defaults to the last segment of the URL path.
	Path string `yaml:"path,omitempty"`
}

// Config drives a tutorial session.
type Config struct {
	Experiment   string        `yaml:"experiment"`
	NumRuns      int           `yaml:"num_runs"`
	NumParams    int           `yaml:"num_params"`
	NumMetrics   int           `yaml:"num_metrics"`
	Seed         *int64        `yaml:"seed,omitempty"`
	ImageDir     string        `yaml:"image_dir"`
	PrimaryImage ImageSource   `yaml:"primary_image"`
	Images       []ImageSource `yaml:"images"`
	NestedParams mlflow.Tree   `yaml:"nested_params"`
	// Key of the param that holds NestedParams unflattened.
	NestedParamKey string `yaml:"nested_param_key"`
	Separator      string `yaml:"separator"`
}

// DefaultNestedParams is the model description logged by every run.
func DefaultNestedParams() mlflow.Tree {
	return mlflow.Tree{
		{Key: "model", Value: mlflow.Tree{
			{Key: "layer1", Value: mlflow.Tree{
				{Key: "neurons", Value: 128},
				{Key: "activation", Value: "relu"},
			}},
			{Key: "layer2", Value: mlflow.Tree{
				{Key: "neurons", Value: 64},
				{Key: "activation", Value: "sigmoid"},
			}},
		}},
		{Key: "optimizer", Value: mlflow.Tree{
			{Key: "type", Value: "adam"},
			{Key: "learning_rate", Value: 0.001},
		}},
	}
}

func DefaultConfig() *Config {
	return &Config{
		Experiment: "Test Experiment",
		NumRuns:    5,
		NumParams:  200,
		NumMetrics: 200,
		ImageDir:   ".",
		PrimaryImage: ImageSource{
			URL:  "https://www.mlflow.org/docs/latest/_static/MLflow-logo-final-black.png",
			Path: "mlflow_logo.png",
		},
		Images: []ImageSource{
			{URL: "https://mlflow.org/docs/latest/_static/images/intro/learn-core-components.png"},
			{URL: "https://mlflow.org/docs/latest/_static/images/intro/model-dev-lifecycle.png"},
			{URL: "https://mlflow.org/docs/latest/_static/images/intro/model-topics.png"},
		},
		NestedParams:   DefaultNestedParams(),
		NestedParamKey: "nested_params",
		Separator:      mlflow.DefaultSep,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func ParseConfigYAML(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.NumRuns < 0 {
		return fmt.Errorf("num_runs cannot be negative")
	}
	if c.NumParams < 0 {
		return fmt.Errorf("num_params cannot be negative")
	}
	if c.NumMetrics < 0 {
		return fmt.Errorf("num_metrics cannot be negative")
	}
	if c.Separator == "" {
		return fmt.Errorf("separator cannot be empty")
	}
	if c.NestedParamKey == "" {
		return fmt.Errorf("nested_param_key cannot be empty")
	}
	for i, img := range c.Sources() {
		if img.URL == "" {
			return fmt.Errorf("image %d: url cannot be empty", i)
		}
	}
	return nil
}

// RandSeed is Seed, or the current time when Seed is unset, so any
// value including 0 can be chosen for a reproducible session.
func (c *Config) RandSeed() int64 {
	if c.Seed != nil {
		return *c.Seed
	}
	return time.Now().UnixNano()
}

// Sources lists the primary image first, then the others.
func (c *Config) Sources() []ImageSource {
	sources := make([]ImageSource, 0, len(c.Images)+1)
	if c.PrimaryImage.URL != "" {
		sources = append(sources, c.PrimaryImage)
	}
	return append(sources, c.Images...)
}
