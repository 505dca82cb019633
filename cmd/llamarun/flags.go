package main

import (
	"github.com/urfave/cli/v3"
)

const (
	envModel  = "LLAMARUN_MODEL"
	envHubURL = "LLAMARUN_HUB_URL"
	envConfig = "LLAMARUN_CONFIG"

	defaultHFFilename = "model.gguf"
)

var (
	logLevel    string
	logFormat   string
	debug       bool
	noColor     bool
	cacheDir    string
	hubURL      string
	backendName string
	configFile  string
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "warn",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.BoolFlag{
			Name:        "no-color",
			Usage:       "disable colored output",
			Destination: &noColor,
		},
		&cli.StringFlag{
			Name:        "cache-dir",
			Usage:       "model cache directory (default $LLAMARUN_CACHE_DIR or the user cache dir)",
			Destination: &cacheDir,
		},
		&cli.StringFlag{
			Name:        "hub-url",
			Usage:       "model hub base URL (default $LLAMARUN_HUB_URL or https://huggingface.co)",
			Destination: &hubURL,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, ref)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default ~/.config/llamarun/config.yaml)",
			Destination: &configFile,
		},
	}
}

// runOptions are the flags of a single generation.
type runOptions struct {
	model         string
	download      bool
	hfFilename    string
	forceDownload bool
	prompt        string
	noBOS         bool

	maxTokens     int64
	temperature   float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          int64

	ctxSize   int64
	threads   int64
	batchSize int64
	overflow  string
	keep      int64

	streamMode  string
	raw         bool
	stats       bool
	verbose     bool
	jsonOut     bool
	metricsFile string
}

// runFlags binds the generation flags to o. Local flags are not inherited
// by subcommands, which lets the root command accept them as well.
func runFlags(o *runOptions, local bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "GGUF file or hub model id (org/name); default $LLAMARUN_MODEL",
			Destination: &o.model,
			Local:       local,
		},
		&cli.BoolFlag{
			Name:        "download",
			Usage:       "download the model from the hub if needed",
			Destination: &o.download,
			Local:       local,
		},
		&cli.StringFlag{
			Name:        "hf-filename",
			Usage:       "file to fetch from a hub model",
			Value:       defaultHFFilename,
			Destination: &o.hfFilename,
			Local:       local,
		},
		&cli.BoolFlag{
			Name:        "force-download",
			Usage:       "download even when the file is cached",
			Destination: &o.forceDownload,
			Local:       local,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text",
			Destination: &o.prompt,
			Local:       local,
		},
		&cli.BoolFlag{
			Name:        "no-bos",
			Usage:       "do not prepend the beginning-of-sequence token",
			Destination: &o.noBOS,
			Local:       local,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n"},
			Usage:       "maximum tokens to generate",
			Value:       1024,
			Destination: &o.maxTokens,
			Local:       local,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"t", "temp"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &o.temperature,
			Local:       local,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k"},
			Usage:       "top-k sampling (0 = disabled)",
			Value:       40,
			Destination: &o.topK,
			Local:       local,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p"},
			Usage:       "top-p sampling (1.0 = disabled)",
			Value:       0.95,
			Destination: &o.topP,
			Local:       local,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Aliases:     []string{"min_p"},
			Usage:       "min-p sampling (0.0 = disabled)",
			Destination: &o.minP,
			Local:       local,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Aliases:     []string{"repeat_penalty"},
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       1.0,
			Destination: &o.repeatPenalty,
			Local:       local,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "last n tokens to penalize",
			Value:       64,
			Destination: &o.repeatLastN,
			Local:       local,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (default -1 = random)",
			Value:       -1,
			Destination: &o.seed,
			Local:       local,
		},
		&cli.Int64Flag{
			Name:        "ctx-size",
			Aliases:     []string{"c"},
			Usage:       "context window in tokens (default: the model's training context)",
			Destination: &o.ctxSize,
			Local:       local,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"j"},
			Usage:       "worker threads (default: physical cores)",
			Destination: &o.threads,
			Local:       local,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Usage:       "maximum tokens per backend call",
			Value:       512,
			Destination: &o.batchSize,
			Local:       local,
		},
		&cli.StringFlag{
			Name:        "context-overflow",
			Usage:       "what to do when the context is full (stop, shift)",
			Value:       "stop",
			Destination: &o.overflow,
			Local:       local,
		},
		&cli.Int64Flag{
			Name:        "keep",
			Usage:       "tokens pinned at the start of the context when shifting",
			Destination: &o.keep,
			Local:       local,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output streaming (instant, smooth, quiet)",
			Value:       string(StreamInstant),
			Destination: &o.streamMode,
			Local:       local,
		},
		&cli.BoolFlag{
			Name:        "raw",
			Usage:       "escape control characters in generated text",
			Destination: &o.raw,
			Local:       local,
		},
		&cli.BoolFlag{
			Name:        "stats",
			Aliases:     []string{"s"},
			Usage:       "print timing statistics",
			Destination: &o.stats,
			Local:       local,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Usage:       "print a banner and progress details",
			Destination: &o.verbose,
			Local:       local,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the result as JSON instead of streaming text",
			Destination: &o.jsonOut,
			Local:       local,
		},
		&cli.StringFlag{
			Name:        "metrics-file",
			Usage:       "write Prometheus metrics to this file after generation",
			Destination: &o.metricsFile,
			Local:       local,
		},
	}
}
