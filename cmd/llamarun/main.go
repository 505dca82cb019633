package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func newApp() *cli.Command {
	var o runOptions
	return &cli.Command{
		Name:  "llamarun",
		Usage: "Run GGUF language models locally",
		Flags: append(globalFlags(), runFlags(&o, true)...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.IsSet("prompt") {
				return runAction(ctx, cmd, &o)
			}
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			pullCmd(),
			listCmd(),
			removeCmd(),
			usageCmd(),
			inspectCmd(),
			workflowCmd(),
			versionCmd(),
		},
	}
}

func main() {
	// The first interrupt cancels generation; a second one kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := newApp().Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
