// Package config loads run configuration from YAML with sensible defaults.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/em-ai/go-detect3d/volumes"
)

// Config is the application configuration loaded from YAML.
type Config struct {
	// Model describes the detection network.
	Model struct {
		// Name identifies the model in logs and prediction paths.
		Name string `yaml:"name"`

		// Path is the ONNX model file.
		Path string `yaml:"path"`

		// InputName and OutputName are the graph tensor names.
		InputName  string `yaml:"inputName"`
		OutputName string `yaml:"outputName"`

		// OutputChannels is the number of class channels the network emits,
		// including the background class.
		OutputChannels int `yaml:"outputChannels"`

		// DownsampleFactors are the U-Net per-level (z,y,x) pooling factors
		// used to derive the valid output shape.
		DownsampleFactors [][3]int `yaml:"downsampleFactors"`

		// ConvsPerBlock and Kernel describe the convolution blocks of the
		// valid-mode U-Net shape transform.
		ConvsPerBlock int `yaml:"convsPerBlock"`
		Kernel        int `yaml:"kernel"`

		// IntraOpThreads and InterOpThreads bound ONNX Runtime parallelism.
		IntraOpThreads int `yaml:"intraOpThreads"`
		InterOpThreads int `yaml:"interOpThreads"`
	} `yaml:"model"`

	// Predict controls the tiled scan.
	Predict struct {
		// InputShape is the (z,y,x) input tile shape requested from the model.
		InputShape [3]int `yaml:"inputShape"`

		// Workers bounds concurrent tile evaluations.
		Workers int `yaml:"workers"`
	} `yaml:"predict"`

	// Score controls detection matching.
	Score struct {
		// Method is the spatial matching criterion: overlap, iou or distance.
		Method string `yaml:"method"`

		// Threshold is the matching threshold for the chosen method.
		Threshold float64 `yaml:"threshold"`
	} `yaml:"score"`

	// Output controls reporting.
	Output struct {
		// Verbose enables per-stage log output.
		Verbose bool `yaml:"verbose"`

		// PreviewWidth is the pixel width of exported slice previews.
		PreviewWidth int `yaml:"previewWidth"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Model.Name = "vesicle-unet"
	cfg.Model.InputName = "x"
	cfg.Model.OutputName = "logits"
	cfg.Model.OutputChannels = 3
	cfg.Model.DownsampleFactors = [][3]int{{1, 2, 2}, {1, 2, 2}}
	cfg.Model.ConvsPerBlock = 2
	cfg.Model.Kernel = 3

	cfg.Predict.InputShape = [3]int{28, 96, 96}
	cfg.Predict.Workers = runtime.NumCPU()

	cfg.Score.Method = "overlap"
	cfg.Score.Threshold = 1

	cfg.Output.Verbose = true
	cfg.Output.PreviewWidth = 512

	return cfg
}

// InputShape returns the configured tile shape as a volume shape.
func (c *Config) InputShape() volumes.Shape {
	return volumes.Shape{c.Predict.InputShape[0], c.Predict.InputShape[1], c.Predict.InputShape[2]}
}

// DownsampleFactors returns the configured factors as volume shapes.
func (c *Config) DownsampleFactors() []volumes.Shape {
	out := make([]volumes.Shape, len(c.Model.DownsampleFactors))
	for i, f := range c.Model.DownsampleFactors {
		out[i] = volumes.Shape{f[0], f[1], f[2]}
	}
	return out
}

// LoadConfig loads configuration from a YAML file. A missing file yields the
// default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshaling config")
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return errors.Wrap(err, "writing config file")
	}
	return nil
}
