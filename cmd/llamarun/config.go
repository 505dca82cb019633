package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the llamarun configuration file
// (~/.config/llamarun/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Model      string `yaml:"model"`
	HFFilename string `yaml:"hf_filename"`
	CacheDir   string `yaml:"cache_dir"`
	HubURL     string `yaml:"hub_url"`
	Backend    string `yaml:"backend"`

	// Sampling defaults
	MaxTokens     *int64   `yaml:"max_tokens"`
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int64   `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int64   `yaml:"repeat_last_n"`
	Seed          *int64   `yaml:"seed"`

	// Context
	CtxSize         *int64 `yaml:"ctx_size"`
	Threads         *int64 `yaml:"threads"`
	BatchSize       *int64 `yaml:"batch_size"`
	ContextOverflow string `yaml:"context_overflow"`
	Keep            *int64 `yaml:"keep"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	Stats      *bool  `yaml:"stats"`
	NoColor    *bool  `yaml:"no_color"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

func configPath() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "llamarun", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyGlobalConfig applies config file values to the global flags that
// were not explicitly set.
func applyGlobalConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if cfg.NoColor != nil && !c.IsSet("no-color") {
		noColor = *cfg.NoColor
	}
	if cfg.CacheDir != "" && !c.IsSet("cache-dir") {
		cacheDir = cfg.CacheDir
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backendName = cfg.Backend
	}
	if hubURL == "" {
		hubURL = os.Getenv(envHubURL)
	}
	if cfg.HubURL != "" && hubURL == "" {
		hubURL = cfg.HubURL
	}
}

// applyRunConfig applies config file defaults to run options when the
// corresponding flag was not explicitly set.
func applyRunConfig(c *cli.Command, cfg Config, o *runOptions) {
	str := func(name string, dst *string, v string) {
		if v != "" && !c.IsSet(name) {
			*dst = v
		}
	}
	str("hf-filename", &o.hfFilename, cfg.HFFilename)
	str("context-overflow", &o.overflow, cfg.ContextOverflow)
	str("stream-mode", &o.streamMode, cfg.StreamMode)

	setInt := func(name string, dst *int64, v *int64) {
		if v != nil && !c.IsSet(name) {
			*dst = *v
		}
	}
	setInt("max-tokens", &o.maxTokens, cfg.MaxTokens)
	setInt("top-k", &o.topK, cfg.TopK)
	setInt("repeat-last-n", &o.repeatLastN, cfg.RepeatLastN)
	setInt("seed", &o.seed, cfg.Seed)
	setInt("ctx-size", &o.ctxSize, cfg.CtxSize)
	setInt("threads", &o.threads, cfg.Threads)
	setInt("batch-size", &o.batchSize, cfg.BatchSize)
	setInt("keep", &o.keep, cfg.Keep)

	setFloat := func(name string, dst *float64, v *float64) {
		if v != nil && !c.IsSet(name) {
			*dst = *v
		}
	}
	setFloat("temperature", &o.temperature, cfg.Temperature)
	setFloat("top-p", &o.topP, cfg.TopP)
	setFloat("min-p", &o.minP, cfg.MinP)
	setFloat("repeat-penalty", &o.repeatPenalty, cfg.RepeatPenalty)

	if cfg.Stats != nil && !c.IsSet("stats") {
		o.stats = *cfg.Stats
	}

	// The model comes from the flag, then $LLAMARUN_MODEL, then the file.
	if o.model == "" {
		o.model = os.Getenv(envModel)
	}
	if o.model == "" {
		o.model = cfg.Model
	}
}
