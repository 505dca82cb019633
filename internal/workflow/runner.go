package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/llamarun/internal/backend"
	"github.com/samcharles93/llamarun/internal/hub"
	"github.com/samcharles93/llamarun/internal/inference"
	"github.com/samcharles93/llamarun/internal/logger"
)

// DefaultFilename is fetched when a hub model task names no file.
const DefaultFilename = "model.gguf"

// Runner executes workflows. Run modifies the process environment for the
// duration of a run, so runs must not overlap.
type Runner struct {
	Hub *hub.Client
	// CacheDir is used by actions and tasks that set no cache_dir. Empty
	// means hub.DefaultDir, resolved after the workflow environment is set.
	CacheDir string
	Backend  string
	Log      logger.Logger
	Observer inference.Observer

	// Out receives generated text as it streams. Nil discards it.
	Out io.Writer
	// BaseDir resolves relative output_file paths.
	BaseDir string
	// Pulls bounds concurrent downloads of adjacent pull actions.
	Pulls int

	// Progress, when set, supplies a download progress callback.
	Progress    func(id, file string) hub.ProgressFunc
	OnTaskStart func(i int, t Task)
	OnTaskDone  func(i int, o TaskOutcome)
}

// Report is the outcome of one run.
type Report struct {
	RunID   string         `json:"run_id"`
	Name    string         `json:"name,omitempty"`
	Started time.Time      `json:"started"`
	Took    time.Duration  `json:"took_ns"`
	Models  []ModelOutcome `json:"models,omitempty"`
	Tasks   []TaskOutcome  `json:"tasks,omitempty"`
}

// Failed counts failed model actions and tasks.
func (r *Report) Failed() int {
	n := 0
	for _, m := range r.Models {
		if m.Err != "" {
			n++
		}
	}
	for _, t := range r.Tasks {
		if t.Err != "" {
			n++
		}
	}
	return n
}

type ModelOutcome struct {
	Action  string        `json:"action"`
	ModelID string        `json:"model_id,omitempty"`
	File    string        `json:"file,omitempty"`
	Path    string        `json:"path,omitempty"`
	Entries []hub.Entry   `json:"entries,omitempty"`
	Usage   *hub.Usage    `json:"usage,omitempty"`
	Took    time.Duration `json:"took_ns"`
	Err     string        `json:"error,omitempty"`
}

type TaskOutcome struct {
	Name       string               `json:"name"`
	Model      string               `json:"model"`
	Path       string               `json:"path,omitempty"`
	Text       string               `json:"text,omitempty"`
	Reason     inference.StopReason `json:"stop_reason,omitempty"`
	Seed       int64                `json:"seed,omitempty"`
	Stats      inference.Stats      `json:"stats"`
	OutputFile string               `json:"output_file,omitempty"`
	Took       time.Duration        `json:"took_ns"`
	Err        string               `json:"error,omitempty"`
	// ShowStats mirrors the task's stats flag.
	ShowStats bool `json:"-"`
}

type engineKey struct {
	path    string
	ctx     int
	threads int
}

type run struct {
	*Runner
	log     logger.Logger
	engines map[engineKey]*inference.LoadResult
}

// Run applies defaults and executes the model actions, then the tasks, in
// document order. A failed model action ends the run. A failed task ends
// it unless the task sets continue_on_error. Once the workflow validates,
// the report is returned even when the run fails.
func (r *Runner) Run(ctx context.Context, w *Workflow) (*Report, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	w.ApplyDefaults()

	rep := &Report{RunID: uuid.NewString(), Name: w.Name, Started: time.Now()}
	log := r.Log
	if log == nil {
		log = logger.FromContext(ctx)
	}
	log = log.With("run", rep.RunID)
	x := &run{Runner: r, log: log, engines: make(map[engineKey]*inference.LoadResult)}

	restore := setEnv(w.Environment)
	defer restore()
	defer func() {
		if err := x.closeEngines(); err != nil {
			log.Warn("close engines", "error", err)
		}
		rep.Took = time.Since(rep.Started)
	}()

	log.Info("workflow started", "name", w.Name, "models", len(w.Models), "tasks", len(w.Tasks))
	if err := x.models(ctx, w.Models, rep); err != nil {
		return rep, err
	}
	for i, t := range w.Tasks {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if r.OnTaskStart != nil {
			r.OnTaskStart(i, t)
		}
		out := x.task(ctx, t)
		rep.Tasks = append(rep.Tasks, out)
		if r.OnTaskDone != nil {
			r.OnTaskDone(i, out)
		}
		if out.Err == "" {
			continue
		}
		if !t.ContinueOnError {
			return rep, fmt.Errorf("task %q: %s", t.Name, out.Err)
		}
		log.Warn("task failed, continuing", "task", t.Name, "error", out.Err)
	}
	log.Info("workflow finished", "failed", rep.Failed(), "took", time.Since(rep.Started).Round(time.Millisecond))
	return rep, nil
}

// setEnv applies env and returns a func restoring the previous values.
func setEnv(env map[string]string) func() {
	type prev struct {
		val string
		ok  bool
	}
	saved := make(map[string]prev, len(env))
	for k, v := range env {
		old, ok := os.LookupEnv(k)
		saved[k] = prev{old, ok}
		_ = os.Setenv(k, v)
	}
	return func() {
		for k, p := range saved {
			if p.ok {
				_ = os.Setenv(k, p.val)
			} else {
				_ = os.Unsetenv(k)
			}
		}
	}
}

func (x *run) cache(dir string) (*hub.Cache, error) {
	if dir == "" {
		dir = x.CacheDir
	}
	return hub.NewCache(dir)
}

// models runs actions in order. Adjacent pulls are downloaded
// concurrently, bounded by Pulls.
func (x *run) models(ctx context.Context, actions []ModelTask, rep *Report) error {
	for i := 0; i < len(actions); {
		if actions[i].Action != ActionPull {
			out, err := x.model(ctx, actions[i])
			rep.Models = append(rep.Models, out)
			if err != nil {
				return fmt.Errorf("models[%d] %s: %w", i, actions[i].Action, err)
			}
			i++
			continue
		}

		j := i
		for j < len(actions) && actions[j].Action == ActionPull {
			j++
		}
		batch := actions[i:j]
		outs := make([]ModelOutcome, len(batch))
		errs := make([]error, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(x.Pulls, 1))
		seen := make(map[string]int)
		for k, a := range batch {
			key := a.CacheDir + "\x00" + a.ModelID + "\x00" + a.Filename
			if first, dup := seen[key]; dup {
				outs[k] = ModelOutcome{Action: a.Action, ModelID: a.ModelID, File: a.Filename}
				x.log.Debug("duplicate pull skipped", "model", a.ModelID, "same_as", i+first)
				continue
			}
			seen[key] = k
			g.Go(func() error {
				outs[k], errs[k] = x.model(gctx, a)
				return errs[k]
			})
		}
		waitErr := g.Wait()
		rep.Models = append(rep.Models, outs...)
		for k, err := range errs {
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("models[%d] pull: %w", i+k, err)
			}
		}
		if waitErr != nil {
			return waitErr
		}
		i = j
	}
	return nil
}

func (x *run) model(ctx context.Context, a ModelTask) (ModelOutcome, error) {
	start := time.Now()
	out := ModelOutcome{Action: a.Action, ModelID: a.ModelID, File: a.Filename}
	finish := func(err error) (ModelOutcome, error) {
		out.Took = time.Since(start)
		if err != nil {
			out.Err = err.Error()
		}
		return out, err
	}

	log := x.log.With("action", a.Action)
	if a.Verbose {
		log.Info("model action", "model", a.ModelID, "file", a.Filename, "description", a.Description)
	}
	cache, err := x.cache(a.CacheDir)
	if err != nil {
		return finish(err)
	}

	switch a.Action {
	case ActionPull:
		if x.Hub == nil {
			return finish(errors.New("no hub client configured"))
		}
		if out.File == "" {
			out.File = DefaultFilename
		}
		opts := hub.DownloadOptions{Force: a.Force}
		if x.Progress != nil {
			opts.Progress = x.Progress(a.ModelID, out.File)
		}
		out.Path, err = x.Hub.Download(ctx, cache, a.ModelID, out.File, opts)
		return finish(err)
	case ActionRemove:
		if err := cache.Remove(a.ModelID, a.Filename); err != nil {
			return finish(err)
		}
		log.Info("removed", "model", a.ModelID, "file", a.Filename)
		return finish(nil)
	case ActionList:
		out.Entries, err = cache.List()
		return finish(err)
	case ActionUsage:
		u, err := cache.Usage()
		if err != nil {
			return finish(err)
		}
		out.Usage = &u
		return finish(nil)
	}
	return finish(fmt.Errorf("unknown action %q", a.Action))
}

func (x *run) task(ctx context.Context, t Task) TaskOutcome {
	start := time.Now()
	out := TaskOutcome{Name: t.Name, Model: t.Model, ShowStats: t.Stats}
	err := x.generate(ctx, t, &out)
	out.Took = time.Since(start)
	if err != nil {
		out.Err = err.Error()
	}
	return out
}

func (x *run) generate(ctx context.Context, t Task, out *TaskOutcome) error {
	log := x.log.With("task", t.Name)
	path, err := x.resolveModel(ctx, t)
	if err != nil {
		return err
	}
	out.Path = path

	lr, err := x.engine(ctx, path, t)
	if err != nil {
		return err
	}

	req, err := inference.ResolveRequest(inference.RequestOptions{
		Prompt:      t.Prompt,
		MaxTokens:   t.MaxTokens,
		Seed:        t.Seed,
		Temperature: t.Temperature,
		TopK:        t.TopK,
		TopP:        t.TopP,
	}, inference.GenDefaults{})
	if err != nil {
		return err
	}

	if t.Verbose {
		log.Info("generating", "model", lr.Summary.Name, "max_tokens", req.MaxTokens, "temperature", req.Temperature, "top_k", req.TopK, "top_p", req.TopP)
	} else {
		log.Debug("generating", "model", lr.Summary.Name, "max_tokens", req.MaxTokens)
	}

	var stream inference.StreamFunc
	if x.Out != nil {
		stream = func(frag string) { _, _ = io.WriteString(x.Out, frag) }
	}
	res, genErr := lr.Engine.Generate(ctx, req, stream)
	if res != nil {
		out.Text = res.Text
		out.Reason = res.Reason
		out.Seed = res.Seed
		out.Stats = res.Stats
	}
	if genErr != nil {
		return genErr
	}
	if x.Out != nil {
		_, _ = io.WriteString(x.Out, "\n")
	}

	if t.OutputFile != "" {
		dst := t.OutputFile
		if !filepath.IsAbs(dst) && x.BaseDir != "" {
			dst = filepath.Join(x.BaseDir, dst)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		if err := os.WriteFile(dst, []byte(res.Text), 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		out.OutputFile = dst
		log.Info("output written", "path", dst, "bytes", len(res.Text))
	}
	return nil
}

// resolveModel returns a local GGUF path for the task, downloading a hub
// model into the cache when needed.
func (x *run) resolveModel(ctx context.Context, t Task) (string, error) {
	if t.Model == "" {
		return "", errors.New("no model: set task.model or defaults.model")
	}
	if st, err := os.Stat(t.Model); err == nil && st.Mode().IsRegular() {
		return t.Model, nil
	}
	if !hub.IsModelID(t.Model) {
		return "", fmt.Errorf("model %q is neither a local file nor a model id", t.Model)
	}
	if x.Hub == nil {
		return "", errors.New("no hub client configured")
	}
	cache, err := x.cache(t.CacheDir)
	if err != nil {
		return "", err
	}
	file := t.HFFilename
	if file == "" {
		file = DefaultFilename
	}
	opts := hub.DownloadOptions{Force: t.ForceDownload}
	if x.Progress != nil {
		opts.Progress = x.Progress(t.Model, file)
	}
	return x.Hub.Download(ctx, cache, t.Model, file, opts)
}

func (x *run) engine(ctx context.Context, path string, t Task) (*inference.LoadResult, error) {
	key := engineKey{path: path}
	if t.CtxSize != nil {
		key.ctx = *t.CtxSize
	}
	if t.Threads != nil {
		key.threads = *t.Threads
	}
	if lr, ok := x.engines[key]; ok {
		return lr, nil
	}
	l := inference.Loader{
		Backend:  x.Backend,
		Options:  backend.Options{ContextSize: key.ctx, Threads: key.threads},
		Logger:   x.log,
		Observer: x.Observer,
	}
	lr, err := l.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	x.engines[key] = lr
	return lr, nil
}

func (x *run) closeEngines() error {
	var errs []error
	for k, lr := range x.engines {
		if err := lr.Engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k.path, err))
		}
	}
	return errors.Join(errs...)
}
