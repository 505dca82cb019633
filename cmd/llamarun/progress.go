package main

import (
	"context"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"

	"github.com/samcharles93/llamarun/internal/hub"
)

// download fetches a hub file, drawing a progress bar when stderr is a
// terminal.
func (e *appEnv) download(ctx context.Context, id, file string, force bool) (string, error) {
	opts := hub.DownloadOptions{Force: force}
	if !e.progress {
		return e.hub.Download(ctx, e.cache, id, file, opts)
	}

	pw := newProgressWriter(e)
	go pw.Render()
	defer pw.Stop()

	tr := &progress.Tracker{Message: file, Units: progress.UnitsBytes}
	pw.AppendTracker(tr)
	opts.Progress = trackFunc(tr, false)

	path, err := e.hub.Download(ctx, e.cache, id, file, opts)
	if err != nil {
		tr.MarkAsErrored()
	} else {
		tr.MarkAsDone()
	}
	// Let the renderer draw the final state before Stop.
	time.Sleep(2 * pw.updateFrequency)
	return path, err
}

type progressWriter struct {
	progress.Writer
	updateFrequency time.Duration
}

func newProgressWriter(e *appEnv) progressWriter {
	const every = 100 * time.Millisecond
	pw := progress.NewWriter()
	pw.SetOutputWriter(e.errOut)
	pw.SetAutoStop(false)
	pw.SetTrackerLength(30)
	pw.SetTrackerPosition(progress.PositionRight)
	pw.SetUpdateFrequency(every)
	pw.SetStyle(progress.StyleBlocks)
	pw.Style().Visibility.ETA = true
	pw.Style().Visibility.Speed = true
	return progressWriter{Writer: pw, updateFrequency: every}
}

func trackFunc(tr *progress.Tracker, finish bool) hub.ProgressFunc {
	var known int64
	return func(done, total int64) {
		if total > 0 && total != known {
			known = total
			tr.UpdateTotal(total)
		}
		tr.SetValue(done)
		if finish && total > 0 && done >= total {
			tr.MarkAsDone()
		}
	}
}

// pullProgress returns a per-file progress callback for workflow pulls,
// all drawn by one writer, and a func that stops the writer.
func (e *appEnv) pullProgress() (func(id, file string) hub.ProgressFunc, func()) {
	if !e.progress {
		return nil, func() {}
	}
	pw := newProgressWriter(e)
	go pw.Render()
	track := func(id, file string) hub.ProgressFunc {
		tr := &progress.Tracker{Message: id + "/" + file, Units: progress.UnitsBytes}
		pw.AppendTracker(tr)
		return trackFunc(tr, true)
	}
	stop := func() {
		time.Sleep(2 * pw.updateFrequency)
		pw.Stop()
	}
	return track, stop
}
