// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds TrainingConfig, the immutable configuration snapshot of a training run.
//
// Configurations are usually given as a JSON (or YAML) file, with the keys:
//
//	{
//	    "model_path": "model_checkpoints/path",
//	    "batch_size": 64,
//	    "learning_rate": 1e-6,
//	    "unet_learning_rate": 1e-6,
//	    "text_encoder_learning_rate": 1e-6,
//	    "lr_scheduler": "constant",
//	    "adam_to_lion_scale_factor": 7.0,
//	    "compilation_cache_path": "~/.cache/aotdiffusion",
//	    "keep_compiled_fn_in_cache": true,
//	    "text_encoder_context_window": 77,
//	    "context_window_concatenation_count": 3,
//	    "aot_compile": true,
//	    "image_area_root": [576, 704, 832, 960, 1088],
//	    "minimum_axis_length": [384, 512, 576, 704, 832]
//	}
//
// Any field can be overridden by an environment variable prefixed with EnvPrefix, e.g.
// AOTDIFF_BATCH_SIZE=8 or AOTDIFF_IMAGE_AREA_ROOT=512,768.
package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/gomlx/aotdiffusion/pkg/buckets"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrConfiguration is returned (wrapped) for malformed or inconsistent configurations.
var ErrConfiguration = errors.New("invalid training configuration")

// EnvPrefix for environment variables overriding configuration values.
const EnvPrefix = "AOTDIFF"

// ConstantSchedule is the only supported learning rate schedule.
const ConstantSchedule = "constant"

// TrainingConfig is the configuration of a training run. Treat it as immutable once validated.
type TrainingConfig struct {
	ModelPath string `json:"model_path" yaml:"model_path" envconfig:"MODEL_PATH"`
	BatchSize int    `json:"batch_size" yaml:"batch_size" envconfig:"BATCH_SIZE"`

	// LearningRate is the fallback for the per-subsystem learning rates, when those are 0.
	LearningRate            float64 `json:"learning_rate" yaml:"learning_rate" envconfig:"LEARNING_RATE"`
	UNetLearningRate        float64 `json:"unet_learning_rate" yaml:"unet_learning_rate" envconfig:"UNET_LEARNING_RATE"`
	TextEncoderLearningRate float64 `json:"text_encoder_learning_rate" yaml:"text_encoder_learning_rate" envconfig:"TEXT_ENCODER_LEARNING_RATE"`
	LRScheduler             string  `json:"lr_scheduler" yaml:"lr_scheduler" envconfig:"LR_SCHEDULER"`

	// AdamToLionScaleFactor divides the learning rates and multiplies the weight decay, so a Lion
	// optimizer approximates an Adam-tuned configuration.
	AdamToLionScaleFactor float64 `json:"adam_to_lion_scale_factor" yaml:"adam_to_lion_scale_factor" envconfig:"ADAM_TO_LION_SCALE_FACTOR"`

	CompilationCachePath  string `json:"compilation_cache_path" yaml:"compilation_cache_path" envconfig:"COMPILATION_CACHE_PATH"`
	KeepCompiledFnInCache bool   `json:"keep_compiled_fn_in_cache" yaml:"keep_compiled_fn_in_cache" envconfig:"KEEP_COMPILED_FN_IN_CACHE"`

	// TextEncoderContextWindow is the number of tokens per encoder window (77 for CLIP).
	TextEncoderContextWindow int `json:"text_encoder_context_window" yaml:"text_encoder_context_window" envconfig:"TEXT_ENCODER_CONTEXT_WINDOW"`

	// ContextWindowConcatenationCount is the number of encoder windows stitched per caption.
	ContextWindowConcatenationCount int `json:"context_window_concatenation_count" yaml:"context_window_concatenation_count" envconfig:"CONTEXT_WINDOW_CONCATENATION_COUNT"`

	AOTCompile bool `json:"aot_compile" yaml:"aot_compile" envconfig:"AOT_COMPILE"`

	// ImageAreaRoot and MinimumAxisLength are paired element-wise into buckets.Constraint values.
	ImageAreaRoot     []int `json:"image_area_root" yaml:"image_area_root" envconfig:"IMAGE_AREA_ROOT"`
	MinimumAxisLength []int `json:"minimum_axis_length" yaml:"minimum_axis_length" envconfig:"MINIMUM_AXIS_LENGTH"`
}

// Default returns the configuration of the reference run.
func Default() *TrainingConfig {
	return &TrainingConfig{
		ModelPath:                       "model_checkpoints",
		BatchSize:                       64,
		LearningRate:                    1e-6,
		UNetLearningRate:                1e-6,
		TextEncoderLearningRate:         1e-6,
		LRScheduler:                     ConstantSchedule,
		AdamToLionScaleFactor:           7.0,
		CompilationCachePath:            "~/.cache/aotdiffusion",
		KeepCompiledFnInCache:           true,
		TextEncoderContextWindow:        77,
		ContextWindowConcatenationCount: 3,
		AOTCompile:                      true,
		ImageAreaRoot:                   []int{576, 704, 832, 960, 1088},
		MinimumAxisLength:               []int{384, 512, 576, 704, 832},
	}
}

// Load reads the configuration file at path (JSON or YAML), applies the environment overrides and
// validates the result.
func Load(path string) (*TrainingConfig, error) {
	path, err := ReplaceTilde(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read training configuration from %q", path)
	}
	cfg, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return cfg, nil
}

// Parse parses the configuration contents, applies the environment overrides and validates the result.
func Parse(contents []byte) (*TrainingConfig, error) {
	cfg := &TrainingConfig{}
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "failed to parse: %v", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "failed to apply %s_* environment overrides: %v", EnvPrefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency. All errors wrap ErrConfiguration.
func (c *TrainingConfig) Validate() error {
	fail := func(format string, args ...any) error {
		return errors.Wrapf(ErrConfiguration, format, args...)
	}
	if c.BatchSize <= 0 {
		return fail("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.TextEncoderContextWindow < 2 {
		return fail("text_encoder_context_window must be at least 2 (begin and end markers), got %d",
			c.TextEncoderContextWindow)
	}
	if c.ContextWindowConcatenationCount < 1 {
		return fail("context_window_concatenation_count must be at least 1, got %d",
			c.ContextWindowConcatenationCount)
	}
	if len(c.ImageAreaRoot) != len(c.MinimumAxisLength) {
		return fail("image_area_root (%d values) and minimum_axis_length (%d values) must have the same length",
			len(c.ImageAreaRoot), len(c.MinimumAxisLength))
	}
	if len(c.ImageAreaRoot) == 0 {
		return fail("at least one resolution constraint (image_area_root, minimum_axis_length) is required")
	}
	for ii, root := range c.ImageAreaRoot {
		if root <= 0 || c.MinimumAxisLength[ii] <= 0 {
			return fail("resolution constraint #%d (%d, %d) must be positive", ii, root, c.MinimumAxisLength[ii])
		}
	}
	if c.AdamToLionScaleFactor <= 0 {
		return fail("adam_to_lion_scale_factor must be positive, got %g", c.AdamToLionScaleFactor)
	}
	if c.LRScheduler != "" && c.LRScheduler != ConstantSchedule {
		return fail("lr_scheduler %q not supported, only %q is", c.LRScheduler, ConstantSchedule)
	}
	if c.UNetRate() <= 0 || c.TextEncoderRate() <= 0 {
		return fail("learning rates must be positive (learning_rate=%g, unet_learning_rate=%g, "+
			"text_encoder_learning_rate=%g)", c.LearningRate, c.UNetLearningRate, c.TextEncoderLearningRate)
	}
	if c.KeepCompiledFnInCache && c.CompilationCachePath == "" {
		return fail("keep_compiled_fn_in_cache requires compilation_cache_path")
	}
	return nil
}

// UNetRate is the denoiser base learning rate, falling back to LearningRate.
func (c *TrainingConfig) UNetRate() float64 {
	if c.UNetLearningRate > 0 {
		return c.UNetLearningRate
	}
	return c.LearningRate
}

// TextEncoderRate is the text encoder base learning rate, falling back to LearningRate.
func (c *TrainingConfig) TextEncoderRate() float64 {
	if c.TextEncoderLearningRate > 0 {
		return c.TextEncoderLearningRate
	}
	return c.LearningRate
}

// Constraints pairs ImageAreaRoot (squared into an area) and MinimumAxisLength element-wise.
func (c *TrainingConfig) Constraints() []buckets.Constraint {
	constraints := make([]buckets.Constraint, len(c.ImageAreaRoot))
	for ii, root := range c.ImageAreaRoot {
		constraints[ii] = buckets.Constraint{MaxArea: root * root, MinMinorAxis: c.MinimumAxisLength[ii]}
	}
	return constraints
}

// Buckets plans the master bucket list for all constraints, with buckets.DefaultRounding.
func (c *TrainingConfig) Buckets() ([]buckets.Bucket, error) {
	return buckets.PlanAll(c.Constraints(), buckets.DefaultRounding)
}

// CachePath returns CompilationCachePath with "~" expanded.
func (c *TrainingConfig) CachePath() (string, error) {
	return ReplaceTilde(c.CompilationCachePath)
}

// ReplaceTilde replaces a leading "~" or "~user" in path by the corresponding home directory.
func ReplaceTilde(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrapf(err, "failed to resolve home directory in %q", path)
		}
		return filepath.Join(home, path[1:]), nil
	}
	name, rest := path[1:], ""
	if idx := strings.IndexRune(name, '/'); idx >= 0 {
		name, rest = name[:idx], name[idx:]
	}
	u, err := user.Lookup(name)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve home directory in %q", path)
	}
	return filepath.Join(u.HomeDir, rest), nil
}
