package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	case "":
		return StreamInstant, nil
	}
	return "", fmt.Errorf("unknown stream mode %q (expected instant, smooth, or quiet)", s)
}

// StreamWriter prints generated fragments as they arrive.
type StreamWriter struct {
	mode   StreamMode
	buffer *bufio.Writer
	raw    bool
	color  string

	mu            sync.Mutex
	batch         strings.Builder
	batchTokens   int
	lastFlush     time.Time
	flushInterval time.Duration
	batchSize     int // flush after N fragments

	accumulator strings.Builder
}

// NewStreamWriter writes to w. color is an ANSI sequence wrapped around
// every write, or "" for plain text.
func NewStreamWriter(w io.Writer, mode StreamMode, raw bool, color string) *StreamWriter {
	return &StreamWriter{
		mode:          mode,
		buffer:        bufio.NewWriterSize(w, 4096),
		raw:           raw,
		color:         color,
		flushInterval: 50 * time.Millisecond,
		batchSize:     5,
		lastFlush:     time.Now(),
	}
}

// Write handles one fragment.
func (w *StreamWriter) Write(fragment string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulator.WriteString(fragment)
	switch w.mode {
	case StreamInstant:
		w.emit(fragment)
	case StreamSmooth:
		w.batch.WriteString(fragment)
		w.batchTokens++
		if w.batchTokens >= w.batchSize || time.Since(w.lastFlush) >= w.flushInterval {
			w.flushBatch()
		}
	case StreamQuiet:
	}
}

// Flush writes anything pending and returns the full text. Quiet mode
// prints the text only now.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.mode {
	case StreamQuiet:
		w.emit(w.accumulator.String())
	case StreamSmooth:
		w.flushBatch()
	}
	_ = w.buffer.Flush()
	return w.accumulator.String()
}

// emit must hold the lock.
func (w *StreamWriter) emit(text string) {
	if text == "" {
		return
	}
	if w.raw {
		text = escapeRawOutput(text)
	}
	if w.color != "" {
		_, _ = w.buffer.WriteString(w.color)
		_, _ = w.buffer.WriteString(text)
		_, _ = w.buffer.WriteString(ansiReset)
	} else {
		_, _ = w.buffer.WriteString(text)
	}
	_ = w.buffer.Flush()
}

// flushBatch must hold the lock.
func (w *StreamWriter) flushBatch() {
	if w.batch.Len() == 0 {
		return
	}
	w.emit(w.batch.String())
	w.batch.Reset()
	w.batchTokens = 0
	w.lastFlush = time.Now()
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
