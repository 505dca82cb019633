package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/llamarun/internal/backend"
	"github.com/samcharles93/llamarun/internal/backend/ref"
	"github.com/samcharles93/llamarun/internal/gguf"
	"github.com/samcharles93/llamarun/internal/logger"
)

// Loader opens a model file and wraps its handle in an Engine.
type Loader struct {
	// Backend is a name accepted by backend.Normalize.
	Backend  string
	Options  backend.Options
	Logger   logger.Logger
	Observer Observer
}

// LoadResult is a ready engine plus a summary of the file it came from.
type LoadResult struct {
	Engine  *Engine
	Summary gguf.Summary
	Info    backend.Info
}

func (l Loader) Load(ctx context.Context, modelPath string) (*LoadResult, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, fmt.Errorf("model path is required")
	}
	loader, err := l.resolve()
	if err != nil {
		return nil, err
	}
	log := l.Logger
	if log == nil {
		log = logger.FromContext(ctx)
	}

	summary, err := gguf.Peek(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model header: %w", err)
	}
	h, err := loader.Load(ctx, modelPath, l.Options)
	if err != nil {
		return nil, err
	}
	info := h.Info()
	log.Debug("backend ready", "backend", loader.Name(), "model", summary.Name, "arch", info.Arch, "ctx", info.ContextSize)
	return &LoadResult{
		Engine: NewEngine(h, Config{
			Logger:    log,
			Observer:  l.Observer,
			BatchSize: l.Options.BatchSize,
		}),
		Summary: summary,
		Info:    info,
	}, nil
}

func (l Loader) resolve() (backend.Loader, error) {
	name, err := backend.Normalize(l.Backend)
	if err != nil {
		return nil, err
	}
	switch name {
	case backend.Auto, backend.Ref:
		return ref.Loader{Log: l.Logger}, nil
	}
	return nil, fmt.Errorf("no loader for backend %q", name)
}
