package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamarun/internal/metrics"
	"github.com/samcharles93/llamarun/internal/workflow"
)

const defaultWorkflowFile = "llamarun.yaml"

func workflowCmd() *cli.Command {
	return &cli.Command{
		Name:    "workflow",
		Aliases: []string{"wf"},
		Usage:   "Run batch generation and model management from a YAML file",
		Commands: []*cli.Command{
			workflowRunCmd(),
			workflowInitCmd(),
			workflowValidateCmd(),
		},
	}
}

func workflowRunCmd() *cli.Command {
	var (
		asJSON      bool
		pulls       int64
		metricsFile string
	)
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the run report as JSON", Destination: &asJSON},
			&cli.Int64Flag{Name: "pulls", Usage: "concurrent downloads for adjacent pull actions", Value: 2, Destination: &pulls},
			&cli.StringFlag{Name: "metrics-file", Usage: "write Prometheus metrics to this file after the run", Destination: &metricsFile},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, env, err := prepare(ctx, c)
			if err != nil {
				return err
			}
			path := c.Args().First()
			if path == "" {
				path = defaultWorkflowFile
			}
			wf, err := workflow.Load(path)
			if err != nil {
				return exitf("%v", err)
			}

			obs := metrics.New()
			r := &workflow.Runner{
				Hub:      env.hub,
				CacheDir: cacheDir,
				Backend:  backendName,
				Log:      env.log,
				Observer: obs,
				BaseDir:  filepath.Dir(path),
				Pulls:    int(pulls),
			}
			progress, stop := env.pullProgress()
			r.Progress = progress
			if !asJSON {
				r.Out = env.out
				r.OnTaskStart = func(i int, t workflow.Task) {
					_, _ = fmt.Fprintf(env.out, "%s %s\n", env.paint(ansiBold+ansiCyan, fmt.Sprintf("[%d/%d]", i+1, len(wf.Tasks))), t.Name)
				}
				r.OnTaskDone = func(_ int, o workflow.TaskOutcome) {
					if o.ShowStats && o.Err == "" {
						_, _ = fmt.Fprintf(env.out, "%s %d tokens in %s (%.2f tokens/sec)\n",
							env.paint(ansiGray, "stats:"), o.Stats.Generated, o.Stats.Decode.Round(time.Millisecond), o.Stats.TPS())
					}
				}
			}

			rep, runErr := r.Run(ctx, wf)
			stop()

			if metricsFile != "" {
				if err := obs.WriteFile(metricsFile); err != nil {
					env.log.Warn("write metrics", "path", metricsFile, "error", err)
				}
			}
			if rep != nil {
				if asJSON {
					enc := json.NewEncoder(env.out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(rep); err != nil {
						return exitf("encode report: %v", err)
					}
				} else {
					printReport(env, rep)
				}
			}
			if runErr != nil {
				return exitf("workflow: %v", runErr)
			}
			if n := rep.Failed(); n > 0 {
				env.log.Warn("workflow finished with failures", "failed", n)
			}
			return nil
		},
	}
}

func workflowInitCmd() *cli.Command {
	var force bool
	return &cli.Command{
		Name:      "init",
		Usage:     "Write a sample workflow",
		ArgsUsage: "[FILE]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file", Destination: &force},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			out, _ := writers(c)
			path := c.Args().First()
			if path == "" {
				path = defaultWorkflowFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return exitf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return exitf("%v", err)
			}
			if err := workflow.Sample().Save(path); err != nil {
				return exitf("%v", err)
			}
			_, _ = fmt.Fprintf(out, "Wrote %s\n", path)
			return nil
		},
	}
}

func workflowValidateCmd() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check a workflow without running it",
		ArgsUsage: "FILE",
		Action: func(ctx context.Context, c *cli.Command) error {
			out, _ := writers(c)
			path := c.Args().First()
			if path == "" {
				path = defaultWorkflowFile
			}
			wf, err := workflow.Load(path)
			if err != nil {
				return exitf("%v", err)
			}
			_, _ = fmt.Fprintf(out, "%s is valid: %d model action(s), %d task(s)\n", path, len(wf.Models), len(wf.Tasks))
			return nil
		},
	}
}

func printReport(env *appEnv, rep *workflow.Report) {
	if len(rep.Models) > 0 {
		tw := env.newTable()
		tw.SetTitle("Model actions")
		tw.AppendHeader(table.Row{"Action", "Model", "File", "Result", "Took"})
		for _, m := range rep.Models {
			tw.AppendRow(table.Row{m.Action, m.ModelID, m.File, modelResult(m), m.Took.Round(time.Millisecond)})
		}
		tw.Render()
		for _, m := range rep.Models {
			switch {
			case m.Entries != nil:
				printCacheEntries(env, m.Entries)
			case m.Usage != nil:
				printUsage(env, *m.Usage)
			}
		}
	}
	if len(rep.Tasks) > 0 {
		tw := env.newTable()
		tw.SetTitle("Tasks")
		tw.AppendHeader(table.Row{"Task", "Result", "Tokens", "Tokens/sec", "Output", "Took"})
		for _, t := range rep.Tasks {
			result := string(t.Reason)
			if t.Err != "" {
				result = "error: " + t.Err
			}
			tw.AppendRow(table.Row{t.Name, result, t.Stats.Generated, fmt.Sprintf("%.2f", t.Stats.TPS()), t.OutputFile, t.Took.Round(time.Millisecond)})
		}
		tw.AppendFooter(table.Row{"run " + rep.RunID, fmt.Sprintf("%d failed", rep.Failed()), "", "", "", rep.Took.Round(time.Millisecond)})
		tw.Render()
	}
}

func modelResult(m workflow.ModelOutcome) string {
	switch {
	case m.Err != "":
		return "error: " + m.Err
	case m.Path != "":
		return m.Path
	case m.Entries != nil:
		return fmt.Sprintf("%d file(s)", len(m.Entries))
	}
	return "ok"
}
