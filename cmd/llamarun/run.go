package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamarun/internal/backend"
	"github.com/samcharles93/llamarun/internal/hub"
	"github.com/samcharles93/llamarun/internal/inference"
	"github.com/samcharles93/llamarun/internal/metrics"
)

func runCmd() *cli.Command {
	var o runOptions
	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: runFlags(&o, false),
		Action: func(ctx context.Context, c *cli.Command) error {
			return runAction(ctx, c, &o)
		},
	}
}

// validate mirrors the limits users are told about in --help. The engine
// applies its own checks on the resulting request.
func (o *runOptions) validate() error {
	switch {
	case strings.TrimSpace(o.prompt) == "":
		return errors.New("--prompt is required")
	case o.temperature < 0 || o.temperature > 2:
		return fmt.Errorf("temperature must be between 0.0 and 2.0, got %v", o.temperature)
	case o.topP < 0 || o.topP > 1:
		return fmt.Errorf("top-p must be between 0.0 and 1.0, got %v", o.topP)
	case o.maxTokens <= 0:
		return fmt.Errorf("max-tokens must be greater than 0, got %d", o.maxTokens)
	case o.ctxSize < 0:
		return fmt.Errorf("ctx-size must be >= 0, got %d", o.ctxSize)
	case o.batchSize <= 0:
		return fmt.Errorf("batch-size must be greater than 0, got %d", o.batchSize)
	case o.threads < 0:
		return fmt.Errorf("threads must be >= 0, got %d", o.threads)
	case o.keep < 0:
		return fmt.Errorf("keep must be >= 0, got %d", o.keep)
	}
	if _, err := parseStreamMode(o.streamMode); err != nil {
		return err
	}
	return nil
}

func (o *runOptions) request() (inference.Request, error) {
	maxTokens := int(o.maxTokens)
	topK := int(o.topK)
	repeatLastN := int(o.repeatLastN)
	keep := int(o.keep)
	return inference.ResolveRequest(inference.RequestOptions{
		Prompt:        o.prompt,
		MaxTokens:     &maxTokens,
		Seed:          &o.seed,
		Temperature:   &o.temperature,
		TopK:          &topK,
		TopP:          &o.topP,
		MinP:          &o.minP,
		RepeatPenalty: &o.repeatPenalty,
		RepeatLastN:   &repeatLastN,
		NoBOS:         &o.noBOS,
		Overflow:      &o.overflow,
		Keep:          &keep,
	}, inference.GenDefaults{})
}

func (o *runOptions) backendOptions() backend.Options {
	threads := int(o.threads)
	if threads == 0 {
		if n, err := cpu.Counts(false); err == nil && n > 0 {
			threads = n
		}
	}
	return backend.Options{
		ContextSize: int(o.ctxSize),
		Threads:     threads,
		BatchSize:   int(o.batchSize),
	}
}

// runResult is the --json document.
type runResult struct {
	Model string `json:"model"`
	Path  string `json:"path"`
	*inference.Result
	TPS       float64 `json:"tokens_per_second"`
	PromptTPS float64 `json:"prompt_tokens_per_second"`
	Error     string  `json:"error,omitempty"`
}

func runAction(ctx context.Context, c *cli.Command, o *runOptions) error {
	ctx, env, err := prepare(ctx, c)
	if err != nil {
		return err
	}
	applyRunConfig(c, env.cfg, o)
	if err := o.validate(); err != nil {
		return exitf("%v", err)
	}
	req, err := o.request()
	if err != nil {
		return exitf("%v", err)
	}
	mode, _ := parseStreamMode(o.streamMode)
	if o.jsonOut {
		mode = StreamQuiet
	}

	if o.verbose && !o.jsonOut {
		printBanner(env, o)
	}

	modelPath, err := resolveModel(ctx, env, o)
	if err != nil {
		return exitf("%v", err)
	}

	loadStart := time.Now()
	obs := metrics.New()
	lr, err := inference.Loader{
		Backend:  backendName,
		Options:  o.backendOptions(),
		Logger:   env.log,
		Observer: obs,
	}.Load(ctx, modelPath)
	if err != nil {
		return exitf("load model: %v", err)
	}
	defer func() { _ = lr.Engine.Close() }()
	if o.verbose && !o.jsonOut {
		info := lr.Info
		printInfo(env, "Model loaded in %s: %s (%s, vocab %d, ctx %d)",
			time.Since(loadStart).Round(time.Millisecond), displayName(lr.Summary.Name, modelPath), info.Arch, info.VocabSize, info.ContextSize)
	}

	var sw *StreamWriter
	if !o.jsonOut {
		if !o.verbose {
			_, _ = fmt.Fprintln(env.out, env.paint(ansiBlue, o.prompt))
		}
		color := ""
		if env.color {
			color = ansiGreen
		}
		sw = NewStreamWriter(env.out, mode, o.raw, color)
	}

	var stream inference.StreamFunc
	if sw != nil {
		stream = sw.Write
	}
	res, genErr := lr.Engine.Generate(ctx, req, stream)
	if sw != nil {
		sw.Flush()
		_, _ = fmt.Fprintln(env.out)
	}

	if o.metricsFile != "" {
		if err := obs.WriteFile(o.metricsFile); err != nil {
			env.log.Warn("write metrics", "path", o.metricsFile, "error", err)
		}
	}

	if o.jsonOut && res != nil {
		doc := runResult{
			Model:     o.model,
			Path:      modelPath,
			Result:    res,
			TPS:       res.Stats.TPS(),
			PromptTPS: res.Stats.PromptTPS(),
		}
		if genErr != nil {
			doc.Error = genErr.Error()
		}
		enc := json.NewEncoder(env.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return exitf("encode result: %v", err)
		}
	}
	if genErr != nil {
		return exitf("generation: %v", genErr)
	}

	switch res.Reason {
	case inference.Cancelled:
		env.log.Warn("generation interrupted", "generated", res.Stats.Generated)
	case inference.ContextFull:
		env.log.Warn("context window full; use --ctx-size or --context-overflow=shift", "ctx", lr.Info.ContextSize)
	}
	if o.stats && !o.jsonOut {
		printStats(env, res)
	}
	if o.verbose && !o.jsonOut {
		printInfo(env, "Generation finished: %s", res.Reason)
	}
	return nil
}

// resolveModel turns --model into a local GGUF path. Hub model ids are
// looked up in the cache, and downloaded with --download.
func resolveModel(ctx context.Context, env *appEnv, o *runOptions) (string, error) {
	model := strings.TrimSpace(o.model)
	if model == "" {
		return "", fmt.Errorf("--model is required unless %s is set", envModel)
	}

	if !o.download && !hub.IsModelID(model) {
		st, err := os.Stat(model)
		if err != nil || st.IsDir() {
			return "", fmt.Errorf("model file not found: %s (for a hub model id, use --download)", model)
		}
		return filepath.Clean(model), nil
	}
	if err := hub.ValidateID(model); err != nil {
		return "", err
	}

	if !o.download {
		if env.cache.Exists(model, o.hfFilename) {
			return env.cache.ModelPath(model, o.hfFilename), nil
		}
		return "", fmt.Errorf("model %s (%s) not found locally; use --download to fetch it", model, o.hfFilename)
	}

	file := o.hfFilename
	if file == defaultHFFilename {
		files, err := env.hub.ListGGUF(ctx, model)
		switch {
		case err != nil:
			env.log.Debug("could not list model files", "model", model, "error", err)
		case len(files) == 0:
			env.log.Warn("no GGUF files listed for model", "model", model)
		default:
			file = files[0].RFilename
			if len(files) > 1 {
				env.log.Warn("multiple GGUF files found; use --hf-filename to choose", "model", model, "using", file, "files", len(files))
			}
		}
	}
	if o.verbose {
		printInfo(env, "Fetching %s from %s", file, model)
	}
	return env.download(ctx, model, file, o.forceDownload)
}

func displayName(name, path string) string {
	if name != "" {
		return name
	}
	return filepath.Base(path)
}
