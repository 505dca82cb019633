package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/samcharles93/llamarun/internal/inference"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

func (e *appEnv) paint(code, s string) string {
	if !e.color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func printInfo(e *appEnv, format string, args ...any) {
	_, _ = fmt.Fprintf(e.out, "%s %s\n", e.paint(ansiBold+ansiBlue, "Info:"), fmt.Sprintf(format, args...))
}

func printBanner(e *appEnv, o *runOptions) {
	rule := e.paint(ansiGray, strings.Repeat("━", 50))
	_, _ = fmt.Fprintln(e.out, e.paint(ansiBold+ansiYellow, "llamarun - local GGUF inference"))
	_, _ = fmt.Fprintln(e.out, rule)
	field := func(name string, v any) {
		_, _ = fmt.Fprintf(e.out, "%s %v\n", e.paint(ansiBold+ansiCyan, name+":"), v)
	}
	field("Model", o.model)
	field("Prompt", o.prompt)
	field("Max Tokens", o.maxTokens)
	field("Temperature", o.temperature)
	field("Top-k", o.topK)
	field("Top-p", o.topP)
	if o.ctxSize > 0 {
		field("Context Size", o.ctxSize)
	} else {
		field("Context Size", "model default")
	}
	if o.threads > 0 {
		field("Threads", o.threads)
	}
	if o.overflow != inference.OverflowStop {
		field("Overflow", fmt.Sprintf("%s (keep %d)", o.overflow, o.keep))
	}
	_, _ = fmt.Fprintln(e.out, rule)
}

func (e *appEnv) newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(e.out)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printStats(e *appEnv, res *inference.Result) {
	s := res.Stats
	tw := e.newTable()
	tw.SetTitle("Generation Statistics")
	tw.AppendHeader(table.Row{"Phase", "Tokens", "Time", "Tokens/sec"})
	tw.AppendRow(table.Row{"prompt", s.PromptTokens, s.PromptEval.Round(time.Microsecond), fmt.Sprintf("%.2f", s.PromptTPS())})
	tw.AppendRow(table.Row{"decode", s.Generated, s.Decode.Round(time.Microsecond), fmt.Sprintf("%.2f", s.TPS())})
	if s.Evicted > 0 {
		tw.AppendFooter(table.Row{"evicted", s.Evicted, "", ""})
	}
	tw.AppendFooter(table.Row{"stop", res.Reason, "seed", res.Seed})
	tw.Render()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
