package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamarun/internal/hub"
	"github.com/samcharles93/llamarun/internal/logger"
)

// appEnv is what every command needs after flags and config are resolved.
type appEnv struct {
	cfg    Config
	log    logger.Logger
	out    io.Writer
	errOut io.Writer
	// color is true when stdout is a terminal and color is not disabled.
	color bool
	// progress is true when stderr is a terminal.
	progress bool

	cache *hub.Cache
	hub   *hub.Client
}

func prepare(ctx context.Context, c *cli.Command) (context.Context, *appEnv, error) {
	path := configFile
	if path == "" {
		path = configPath()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return ctx, nil, cli.Exit(fmt.Sprintf("error: config: %v", err), 1)
	}
	applyGlobalConfig(c, cfg)

	out, errOut := writers(c)
	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Setup(errOut, logger.Options{
		Level:   level,
		Format:  logFormat,
		NoColor: noColor || !writerIsTerminal(errOut),
	})
	if err != nil {
		return ctx, nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}

	cache, err := hub.NewCache(cacheDir)
	if err != nil {
		return ctx, nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}

	env := &appEnv{
		cfg:      cfg,
		log:      log,
		out:      out,
		errOut:   errOut,
		color:    !noColor && !logger.ColorDisabled() && writerIsTerminal(out),
		progress: writerIsTerminal(errOut),
		cache:    cache,
		hub:      hub.NewClient(hubURL, log),
	}
	return logger.WithContext(ctx, log), env, nil
}

func writers(c *cli.Command) (io.Writer, io.Writer) {
	root := c.Root()
	out, errOut := root.Writer, root.ErrWriter
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return out, errOut
}

func writerIsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isTerminal(f)
}

func exitf(format string, args ...any) error {
	return cli.Exit(fmt.Sprintf("error: "+format, args...), 1)
}
