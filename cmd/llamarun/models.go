package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamarun/internal/gguf"
	"github.com/samcharles93/llamarun/internal/hub"
)

func pullCmd() *cli.Command {
	var force bool
	return &cli.Command{
		Name:      "pull",
		Usage:     "Download a GGUF file from the model hub",
		ArgsUsage: "MODEL_ID [FILE]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "force",
				Aliases:     []string{"f"},
				Usage:       "download even when the file is cached",
				Destination: &force,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, env, err := prepare(ctx, c)
			if err != nil {
				return err
			}
			id, file := c.Args().Get(0), c.Args().Get(1)
			if err := hub.ValidateID(id); err != nil {
				return exitf("%v", err)
			}
			if file == "" {
				files, err := env.hub.ListGGUF(ctx, id)
				if err != nil {
					return exitf("list %s: %v", id, err)
				}
				switch len(files) {
				case 0:
					return exitf("no GGUF files in %s", id)
				case 1:
					file = files[0].RFilename
				default:
					printRemoteFiles(env, id, files)
					return exitf("%s has %d GGUF files; name one: llamarun pull %s FILE", id, len(files), id)
				}
			}
			path, err := env.download(ctx, id, file, force)
			if err != nil {
				return exitf("pull %s: %v", id, err)
			}
			_, _ = fmt.Fprintln(env.out, path)
			return nil
		},
	}
}

func listCmd() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List cached models, or the GGUF files of a hub model",
		ArgsUsage: "[MODEL_ID]",
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, env, err := prepare(ctx, c)
			if err != nil {
				return err
			}
			if id := c.Args().First(); id != "" {
				files, err := env.hub.ListGGUF(ctx, id)
				if err != nil {
					return exitf("list %s: %v", id, err)
				}
				printRemoteFiles(env, id, files)
				return nil
			}

			entries, err := env.cache.List()
			if err != nil {
				return exitf("%v", err)
			}
			if len(entries) == 0 {
				env.log.Info("no cached models", "dir", env.cache.Dir)
				_, _ = fmt.Fprintf(env.out, "No models cached in %s\n", env.cache.Dir)
				return nil
			}
			printCacheEntries(env, entries)
			return nil
		},
	}
}

func removeCmd() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Aliases:   []string{"remove"},
		Usage:     "Remove a cached model, or one of its files",
		ArgsUsage: "MODEL_ID [FILE]",
		Action: func(ctx context.Context, c *cli.Command) error {
			_, env, err := prepare(ctx, c)
			if err != nil {
				return err
			}
			id, file := c.Args().Get(0), c.Args().Get(1)
			if err := env.cache.Remove(id, file); err != nil {
				return exitf("remove: %v", err)
			}
			what := id
			if file != "" {
				what = id + "/" + file
			}
			_, _ = fmt.Fprintf(env.out, "Removed %s\n", what)
			return nil
		},
	}
}

func usageCmd() *cli.Command {
	return &cli.Command{
		Name:  "usage",
		Usage: "Show cache disk usage",
		Action: func(ctx context.Context, c *cli.Command) error {
			_, env, err := prepare(ctx, c)
			if err != nil {
				return err
			}
			u, err := env.cache.Usage()
			if err != nil {
				return exitf("%v", err)
			}
			printUsage(env, u)
			return nil
		},
	}
}

func printRemoteFiles(env *appEnv, id string, files []hub.Sibling) {
	tw := env.newTable()
	tw.SetTitle(id)
	tw.AppendHeader(table.Row{"File", "Size", "SHA-256"})
	for _, f := range files {
		sum := ""
		if f.LFS != nil && len(f.LFS.SHA256) >= 12 {
			sum = f.LFS.SHA256[:12]
		}
		tw.AppendRow(table.Row{f.RFilename, humanBytes(f.Bytes()), sum})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{{Name: "Size", Align: text.AlignRight}})
	tw.Render()
}

func printCacheEntries(env *appEnv, entries []hub.Entry) {
	tw := env.newTable()
	tw.AppendHeader(table.Row{"Model", "File", "Arch", "Params", "Type", "Size", "Modified"})
	var total int64
	for _, e := range entries {
		arch, params, ftype := "", "", ""
		if s, err := gguf.Peek(e.Path); err == nil {
			arch, params, ftype = s.Arch, gguf.HumanCount(s.Params), s.FileType
		} else {
			env.log.Debug("not a readable GGUF file", "path", e.Path, "error", err)
		}
		tw.AppendRow(table.Row{e.ID, e.File, arch, params, ftype, humanBytes(e.Size), e.Modified.Format(time.DateTime)})
		total += e.Size
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d file(s)", len(entries)), "", "", "", humanBytes(total), ""})
	tw.SetColumnConfigs([]table.ColumnConfig{{Name: "Size", Align: text.AlignRight}})
	tw.Render()
}

func printUsage(env *appEnv, u hub.Usage) {
	tw := env.newTable()
	tw.SetTitle("Cache usage")
	tw.AppendRows([]table.Row{
		{"Directory", u.Dir},
		{"Models", u.Models},
		{"Files", u.Files},
		{"Cached", humanBytes(u.Bytes)},
		{"Filesystem total", humanBytes(int64(u.FSTotal))},
		{"Filesystem free", humanBytes(int64(u.FSFree))},
		{"Filesystem used", fmt.Sprintf("%.1f%%", u.FSUsedPercent)},
	})
	tw.Render()
}
