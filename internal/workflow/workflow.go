// Package workflow runs declarative YAML documents of model management
// actions and generation tasks.
package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Version is written by Sample and accepted by Validate.
const Version = "1.0"

var ErrInvalid = errors.New("invalid workflow")

// FieldError locates one validation failure, e.g. "tasks[1].top_p".
type FieldError struct {
	Path   string
	Reason string
}

func (e *FieldError) Error() string { return e.Path + ": " + e.Reason }

func (e *FieldError) Unwrap() error { return ErrInvalid }

// Model actions.
const (
	ActionPull   = "pull"
	ActionRemove = "remove"
	ActionList   = "list"
	ActionUsage  = "usage"
)

// Workflow is one YAML document.
type Workflow struct {
	Version     string            `yaml:"version"`
	Name        string            `yaml:"name,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Defaults    *Defaults         `yaml:"defaults,omitempty"`
	Models      []ModelTask       `yaml:"models,omitempty"`
	Tasks       []Task            `yaml:"tasks,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// Defaults fill task fields the task leaves unset.
type Defaults struct {
	Model       string   `yaml:"model,omitempty"`
	HFFilename  string   `yaml:"hf_filename,omitempty"`
	CacheDir    string   `yaml:"cache_dir,omitempty"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	TopK        *int     `yaml:"top_k,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty"`
	CtxSize     *int     `yaml:"ctx_size,omitempty"`
	Threads     *int     `yaml:"threads,omitempty"`
	Verbose     *bool    `yaml:"verbose,omitempty"`
	NoColor     *bool    `yaml:"no_color,omitempty"`
	Stats       *bool    `yaml:"stats,omitempty"`
}

// ModelTask is a cache operation.
type ModelTask struct {
	Action      string `yaml:"action"`
	ModelID     string `yaml:"model_id,omitempty"`
	Filename    string `yaml:"filename,omitempty"`
	CacheDir    string `yaml:"cache_dir,omitempty"`
	Force       bool   `yaml:"force,omitempty"`
	Verbose     bool   `yaml:"verbose,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Task is one generation. Model is a local GGUF path or a hub model id.
type Task struct {
	Name            string   `yaml:"name"`
	Prompt          string   `yaml:"prompt"`
	Model           string   `yaml:"model,omitempty"`
	HFFilename      string   `yaml:"hf_filename,omitempty"`
	CacheDir        string   `yaml:"cache_dir,omitempty"`
	ForceDownload   bool     `yaml:"force_download,omitempty"`
	MaxTokens       *int     `yaml:"max_tokens,omitempty"`
	Temperature     *float64 `yaml:"temperature,omitempty"`
	TopK            *int     `yaml:"top_k,omitempty"`
	TopP            *float64 `yaml:"top_p,omitempty"`
	Seed            *int64   `yaml:"seed,omitempty"`
	CtxSize         *int     `yaml:"ctx_size,omitempty"`
	Threads         *int     `yaml:"threads,omitempty"`
	NoColor         bool     `yaml:"no_color,omitempty"`
	Stats           bool     `yaml:"stats,omitempty"`
	Verbose         bool     `yaml:"verbose,omitempty"`
	OutputFile      string   `yaml:"output_file,omitempty"`
	Description     string   `yaml:"description,omitempty"`
	ContinueOnError bool     `yaml:"continue_on_error,omitempty"`
}

// Load reads, parses and validates the workflow at path.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// Parse decodes and validates a workflow. Unknown fields are rejected.
func Parse(data []byte) (*Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var w Workflow
	if err := dec.Decode(&w); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &FieldError{Path: "version", Reason: "is required"}
		}
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate reports every problem found, joined.
func (w *Workflow) Validate() error {
	var errs []error
	fail := func(path, format string, args ...any) {
		errs = append(errs, &FieldError{Path: path, Reason: fmt.Sprintf(format, args...)})
	}

	if w.Version == "" {
		fail("version", "is required")
	}
	for i, m := range w.Models {
		at := fmt.Sprintf("models[%d]", i)
		switch m.Action {
		case ActionPull, ActionRemove:
			if m.ModelID == "" {
				fail(at+".model_id", "is required for %s", m.Action)
			}
		case ActionList, ActionUsage:
		default:
			fail(at+".action", "%q must be one of pull, remove, list, usage", m.Action)
		}
	}
	if d := w.Defaults; d != nil {
		checkSampling("defaults", d.MaxTokens, d.Temperature, d.TopK, d.TopP, d.CtxSize, d.Threads, fail)
	}
	for i, t := range w.Tasks {
		at := fmt.Sprintf("tasks[%d]", i)
		if t.Name == "" {
			fail(at+".name", "is required")
		} else {
			at = fmt.Sprintf("tasks[%d](%s)", i, t.Name)
		}
		if t.Prompt == "" {
			fail(at+".prompt", "is required")
		}
		checkSampling(at, t.MaxTokens, t.Temperature, t.TopK, t.TopP, t.CtxSize, t.Threads, fail)
	}
	return errors.Join(errs...)
}

func checkSampling(at string, maxTokens *int, temp *float64, topK *int, topP *float64, ctx, threads *int, fail func(string, string, ...any)) {
	if maxTokens != nil && *maxTokens <= 0 {
		fail(at+".max_tokens", "must be > 0, got %d", *maxTokens)
	}
	if temp != nil && (math.IsNaN(*temp) || *temp < 0 || *temp > 2) {
		fail(at+".temperature", "must be between 0 and 2, got %v", *temp)
	}
	if topK != nil && *topK < 0 {
		fail(at+".top_k", "must be >= 0, got %d", *topK)
	}
	if topP != nil && (math.IsNaN(*topP) || *topP < 0 || *topP > 1) {
		fail(at+".top_p", "must be between 0 and 1, got %v", *topP)
	}
	if ctx != nil && *ctx <= 0 {
		fail(at+".ctx_size", "must be > 0, got %d", *ctx)
	}
	if threads != nil && *threads < 0 {
		fail(at+".threads", "must be >= 0, got %d", *threads)
	}
}

// ApplyDefaults fills unset task fields from Defaults. Boolean defaults
// only switch a feature on.
func (w *Workflow) ApplyDefaults() {
	if w.Defaults == nil {
		return
	}
	for i := range w.Tasks {
		w.Defaults.apply(&w.Tasks[i])
	}
}

func (d *Defaults) apply(t *Task) {
	if t.Model == "" {
		t.Model = d.Model
	}
	if t.HFFilename == "" {
		t.HFFilename = d.HFFilename
	}
	if t.CacheDir == "" {
		t.CacheDir = d.CacheDir
	}
	fill(&t.MaxTokens, d.MaxTokens)
	fill(&t.Temperature, d.Temperature)
	fill(&t.TopK, d.TopK)
	fill(&t.TopP, d.TopP)
	fill(&t.CtxSize, d.CtxSize)
	fill(&t.Threads, d.Threads)
	t.Verbose = t.Verbose || on(d.Verbose)
	t.NoColor = t.NoColor || on(d.NoColor)
	t.Stats = t.Stats || on(d.Stats)
}

func fill[T any](dst **T, def *T) {
	if *dst == nil && def != nil {
		v := *def
		*dst = &v
	}
}

func on(b *bool) bool { return b != nil && *b }

// Save writes w as YAML, creating parent directories.
func (w *Workflow) Save(path string) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(w); err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Sample is the document written by `workflow init`.
func Sample() *Workflow {
	return &Workflow{
		Version:     Version,
		Name:        "llamarun workflow",
		Description: "Example batch generation and model management",
		Defaults: &Defaults{
			Model:       "TheBloke/Llama-2-7B-Chat-GGUF",
			HFFilename:  "llama-2-7b-chat.Q4_K_M.gguf",
			MaxTokens:   ptr(1024),
			Temperature: ptr(0.8),
			TopK:        ptr(40),
			TopP:        ptr(0.95),
			CtxSize:     ptr(2048),
			Verbose:     ptr(false),
			NoColor:     ptr(false),
			Stats:       ptr(false),
		},
		Models: []ModelTask{{
			Action:      ActionPull,
			ModelID:     "TheBloke/Llama-2-7B-Chat-GGUF",
			Filename:    "llama-2-7b-chat.Q4_K_M.gguf",
			Verbose:     true,
			Description: "Download Llama 2 7B Chat",
		}},
		Tasks: []Task{
			{
				Name:        "Creative Writing",
				Prompt:      "Write a short story about space exploration",
				MaxTokens:   ptr(512),
				Temperature: ptr(1.0),
				TopK:        ptr(40),
				TopP:        ptr(0.9),
				Stats:       true,
				OutputFile:  "creative_story.txt",
				Description: "Generate creative content",
			},
			{
				Name:        "Technical Explanation",
				Prompt:      "Explain how neural networks work in simple terms",
				MaxTokens:   ptr(1024),
				Temperature: ptr(0.3),
				TopK:        ptr(20),
				TopP:        ptr(0.95),
				Stats:       true,
				Verbose:     true,
				OutputFile:  "neural_networks.txt",
				Description: "Generate technical documentation",
			},
		},
		Environment: map[string]string{"LLAMARUN_VERBOSE": "true"},
	}
}

func ptr[T any](v T) *T { return &v }
