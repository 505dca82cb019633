package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/llamarun/internal/gguf"
)

func inspectCmd() *cli.Command {
	var (
		showMeta    bool
		showTensors bool
		asJSON      bool
	)
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show the model card of a GGUF file",
		ArgsUsage: "PATH | MODEL_ID [FILE]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "metadata", Usage: "print every metadata key", Destination: &showMeta},
			&cli.BoolFlag{Name: "tensors", Usage: "print the tensor table", Destination: &showTensors},
			&cli.BoolFlag{Name: "json", Usage: "print the summary as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_, env, err := prepare(ctx, c)
			if err != nil {
				return err
			}
			path, err := inspectPath(env, c.Args().Get(0), c.Args().Get(1))
			if err != nil {
				return exitf("%v", err)
			}
			f, err := gguf.Open(path)
			if err != nil {
				return exitf("open %s: %v", path, err)
			}
			defer func() { _ = f.Close() }()

			s := gguf.Summarize(f)
			if asJSON {
				enc := json.NewEncoder(env.out)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			printSummary(env, s, f.Mapped())
			if showMeta {
				printMetadata(env, f.Meta)
			}
			if showTensors {
				printTensors(env, f.Tensors)
			}
			return nil
		},
	}
}

// inspectPath accepts a local file or a cached hub model.
func inspectPath(env *appEnv, arg, file string) (string, error) {
	if arg == "" {
		return "", fmt.Errorf("a GGUF path or model id is required")
	}
	if env.cache.Exists(arg, file) {
		return env.cache.ModelPath(arg, file), nil
	}
	if file == "" && len(strings.Split(arg, "/")) == 2 {
		entries, err := env.cache.List()
		if err != nil {
			return "", err
		}
		for _, e := range entries {
			if e.ID == arg {
				return e.Path, nil
			}
		}
	}
	return arg, nil
}

func printSummary(env *appEnv, s gguf.Summary, mapped bool) {
	tw := env.newTable()
	tw.SetTitle(displayName(s.Name, s.Path))
	tok := func(id int64) any {
		if id < 0 {
			return "-"
		}
		return id
	}
	tw.AppendRows([]table.Row{
		{"Path", s.Path},
		{"GGUF version", s.Version},
		{"Architecture", s.Arch},
		{"File type", s.FileType},
		{"Parameters", gguf.HumanCount(s.Params)},
		{"Tensors", s.Tensors},
		{"Vocabulary", s.VocabSize},
		{"Context length", s.ContextLength},
		{"Embedding size", s.EmbeddingSize},
		{"Layers", s.Layers},
		{"BOS / EOS", fmt.Sprintf("%v / %v", tok(s.BOS), tok(s.EOS))},
		{"Memory mapped", mapped},
	})
	tw.Render()
}

func printMetadata(env *appEnv, meta gguf.Metadata) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tw := env.newTable()
	tw.AppendHeader(table.Row{"Key", "Type", "Value"})
	for _, k := range keys {
		v := meta[k]
		tw.AppendRow(table.Row{k, v.Type, formatValue(v.Value)})
	}
	tw.Render()
}

func formatValue(v any) string {
	const maxShown = 8
	arr, ok := v.(gguf.ArrayValue)
	if !ok {
		s := fmt.Sprint(v)
		if len(s) > 80 {
			s = s[:77] + "..."
		}
		return s
	}
	n := len(arr.Values)
	shown := arr.Values[:min(n, maxShown)]
	parts := make([]string, len(shown))
	for i, e := range shown {
		parts[i] = fmt.Sprint(e)
	}
	s := "[" + strings.Join(parts, ", ")
	if n > maxShown {
		s += fmt.Sprintf(", ... %d more", n-maxShown)
	}
	return s + "]"
}

func printTensors(env *appEnv, tensors []gguf.TensorInfo) {
	tw := env.newTable()
	tw.AppendHeader(table.Row{"Name", "Type", "Shape", "Elements"})
	for _, t := range tensors {
		dims := make([]string, len(t.Dims))
		for i, d := range t.Dims {
			dims[i] = fmt.Sprint(d)
		}
		tw.AppendRow(table.Row{t.Name, t.Type, strings.Join(dims, " x "), t.Elements()})
	}
	tw.Render()
}
