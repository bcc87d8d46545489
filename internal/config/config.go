package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Split holds the train and validation fractions; test takes the rest.
type Split struct {
	Train float64 `yaml:"train"`
	Val   float64 `yaml:"val"`
}

// Scheduler configures the plateau learning-rate scheduler.
type Scheduler struct {
	Patience int     `yaml:"patience"`
	Factor   float64 `yaml:"factor"`
}

// Log selects the zerolog level and output format.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config captures the runtime knobs for an experiment.
type Config struct {
	ImageDir         string    `yaml:"image_dir"`
	MaskDir          string    `yaml:"mask_dir"`
	MaskSuffix       string    `yaml:"mask_suffix"`
	SampleCount      int       `yaml:"sample_count"`
	ImageSize        int       `yaml:"image_size"`
	MaskThreshold    float64   `yaml:"mask_threshold"`
	Augment          *bool     `yaml:"augment"`
	BatchSize        int       `yaml:"batch_size"`
	NumWorkers       int       `yaml:"num_workers"`
	Split            Split     `yaml:"split"`
	Epochs           int       `yaml:"epochs"`
	LearningRate     float64   `yaml:"learning_rate"`
	Scheduler        Scheduler `yaml:"scheduler"`
	Seed             int64     `yaml:"seed"`
	BaseChannels     int       `yaml:"base_channels"`
	AttentionHeads   int       `yaml:"attention_heads"`
	Models           []string  `yaml:"models"`
	VisualizeSamples int       `yaml:"visualize_samples"`
	VisualizeModel   string    `yaml:"visualize_model"`
	OutputDir        string    `yaml:"output_dir"`
	Show             bool      `yaml:"show"`
	Log              Log       `yaml:"log"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	ImageDir   string
	MaskDir    string
	Epochs     int
	BatchSize  int
	NumWorkers int
	Seed       int64
	OutputDir  string
	Show       bool
	LogLevel   string
}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the values a config file starts from. Keys whose zero
// value is meaningful are defaulted here rather than in Validate: an
// explicit image_size of 0 keeps the source resolution, and mask_threshold
// and scheduler.patience accept 0.
func Default() Config {
	return Config{
		ImageSize:     64,
		MaskThreshold: 127,
		Scheduler:     Scheduler{Patience: 3},
	}
}

// Parse decodes YAML over Default without validating it. Unknown keys are
// rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.ImageDir != "" {
		c.ImageDir = o.ImageDir
	}
	if o.MaskDir != "" {
		c.MaskDir = o.MaskDir
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.OutputDir != "" {
		c.OutputDir = o.OutputDir
	}
	if o.Show {
		c.Show = true
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
}

// AugmentEnabled reports whether training samples are augmented. It
// defaults to true when the key is absent.
func (c *Config) AugmentEnabled() bool {
	return c.Augment == nil || *c.Augment
}

// Validate fills defaults and verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	c.setDefaults()
	if c.ImageDir == "" || c.MaskDir == "" {
		return errors.New("image_dir and mask_dir must both be set")
	}
	if c.SampleCount < 0 {
		return fmt.Errorf("sample_count must be >= 0 (got %d)", c.SampleCount)
	}
	if c.ImageSize < 0 || c.ImageSize%16 != 0 {
		return fmt.Errorf("image_size must be 0 or a positive multiple of 16 (got %d)", c.ImageSize)
	}
	if c.MaskThreshold < 0 || c.MaskThreshold >= 255 {
		return fmt.Errorf("mask_threshold must be in [0,255) (got %g)", c.MaskThreshold)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.Split.Train <= 0 || c.Split.Val < 0 || c.Split.Train+c.Split.Val >= 1 {
		return fmt.Errorf("split fractions %g/%g leave no test data", c.Split.Train, c.Split.Val)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.Scheduler.Patience < 0 {
		return fmt.Errorf("scheduler.patience must be >= 0 (got %d)", c.Scheduler.Patience)
	}
	if c.Scheduler.Factor <= 0 || c.Scheduler.Factor >= 1 {
		return fmt.Errorf("scheduler.factor must be in (0,1) (got %g)", c.Scheduler.Factor)
	}
	if c.BaseChannels <= 0 {
		return fmt.Errorf("base_channels must be > 0 (got %d)", c.BaseChannels)
	}
	if c.AttentionHeads <= 0 {
		return fmt.Errorf("attention_heads must be > 0 (got %d)", c.AttentionHeads)
	}
	if c.VisualizeSamples < 0 {
		return fmt.Errorf("visualize_samples must be >= 0 (got %d)", c.VisualizeSamples)
	}
	seen := map[string]bool{}
	for _, name := range c.Models {
		if seen[name] {
			return fmt.Errorf("model %q listed twice", name)
		}
		seen[name] = true
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json (got %q)", c.Log.Format)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 4
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = 2
	}
	if c.Split.Train == 0 && c.Split.Val == 0 {
		c.Split = Split{Train: 0.75, Val: 0.10}
	}
	if c.Epochs == 0 {
		c.Epochs = 20
	}
	if c.LearningRate == 0 {
		c.LearningRate = 1e-4
	}
	if c.Scheduler.Factor == 0 {
		c.Scheduler.Factor = 0.1
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
	if c.BaseChannels == 0 {
		c.BaseChannels = 16
	}
	if c.AttentionHeads == 0 {
		c.AttentionHeads = 4
	}
	if len(c.Models) == 0 {
		c.Models = []string{"baseline", "hybrid"}
	}
	if c.VisualizeSamples == 0 {
		c.VisualizeSamples = 4
	}
	if c.VisualizeModel == "" {
		c.VisualizeModel = "hybrid"
	}
	if c.OutputDir == "" {
		c.OutputDir = "results"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}
