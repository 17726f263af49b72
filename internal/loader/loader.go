// Package loader discovers the work set of a project, publishes it to the
// printer and runs the worker pool.
package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/specjour/specjour/internal/adapter"
	"github.com/specjour/specjour/internal/conn"
	"github.com/specjour/specjour/internal/lock"
	"github.com/specjour/specjour/internal/model"
	"github.com/specjour/specjour/internal/paths"
	"github.com/specjour/specjour/internal/pool"
	"github.com/specjour/specjour/internal/runner"
	"github.com/specjour/specjour/internal/store"
)

var ErrWorkerFailed = errors.New("worker failed")

type Options struct {
	Config model.Config
	// PrinterURI overrides Config.Printer.URI.
	PrinterURI string
	Spawner    pool.Spawner
	Controller *pool.Controller
	Registerer prometheus.Registerer
	// DB enables the run history, may be nil.
	DB      *sql.DB
	Conn    conn.Options
	Spec    adapter.Adapter // defaults to adapter.NewSpec
	Feature adapter.Adapter // defaults to adapter.NewFeature
}

type Loader struct {
	root       string
	runID      string
	cfg        model.Config
	printerURI string
	spec       adapter.Adapter
	feature    adapter.Adapter
	conn       *conn.Lazy
	pool       *pool.Pool
	db         *sql.DB
}

// New fixes the project root and runs the before_load hook in it.
func New(ctx context.Context, opts Options) (*Loader, error) {
	cfg := opts.Config
	root, err := filepath.Abs(cfg.Project)
	if err != nil {
		return nil, fmt.Errorf("project path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path %s: not a directory", root)
	}

	uri := opts.PrinterURI
	if uri == "" {
		uri = cfg.Printer.URI
	}
	if err := model.ValidatePrinterURI(uri); err != nil {
		return nil, err
	}
	if opts.Spawner == nil {
		return nil, errors.New("loader needs a spawner")
	}

	ctrl := opts.Controller
	if ctrl == nil {
		ctrl = pool.NewController(opts.Registerer)
	}

	l := &Loader{
		root:       root,
		runID:      uuid.NewString(),
		cfg:        cfg,
		printerURI: uri,
		spec:       opts.Spec,
		feature:    opts.Feature,
		conn:       conn.NewLazy(uri, opts.Conn),
		pool:       pool.New(opts.Spawner, ctrl, opts.Registerer),
		db:         opts.DB,
	}
	if l.spec == nil {
		pattern := cfg.Commands.ExamplePattern
		if pattern == "" {
			pattern = model.DefaultExamplePattern
		}
		l.spec, err = adapter.NewSpec(pattern)
		if err != nil {
			return nil, err
		}
	}
	if l.feature == nil {
		l.feature = adapter.NewFeature()
	}

	if err := l.beforeLoad(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) Root() string     { return l.root }
func (l *Loader) RunID() string    { return l.runID }
func (l *Loader) Pool() *pool.Pool { return l.pool }

func (l *Loader) beforeLoad(ctx context.Context) error {
	argv := l.cfg.Commands.BeforeLoad
	if len(argv) == 0 {
		return nil
	}
	res, err := runner.New(nil).Run(ctx, runner.Command{
		Path: argv[0],
		Args: argv[1:],
		Env:  []string{"SPECJOUR_RUN_ID=" + l.runID},
		Dir:  l.root,
	})
	if err == nil {
		err = res.Err
	}
	if err != nil {
		return fmt.Errorf("before_load %v: %w\n%s", argv, err, res.Output())
	}
	slog.DebugContext(ctx, "before_load done", "took", res.Duration())
	return nil
}

// SpecFiles returns the spec files the loader hands to the spec adapter.
func (l *Loader) SpecFiles() ([]string, error) {
	return paths.Resolve(l.cfg.TestPaths, l.root, paths.Spec)
}

// FeatureFiles returns the feature files the loader hands to the feature adapter.
func (l *Loader) FeatureFiles() ([]string, error) {
	return paths.Resolve(l.cfg.TestPaths, l.root, paths.Feature)
}

// Tests discovers the deduplicated work set.
func (l *Loader) Tests(ctx context.Context) ([]string, error) {
	specFiles, err := l.SpecFiles()
	if err != nil {
		return nil, err
	}
	featureFiles, err := l.FeatureFiles()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var tests []string
	for _, step := range []struct {
		a     adapter.Adapter
		files []string
	}{
		{l.spec, specFiles},
		{l.feature, featureFiles},
	} {
		if len(step.files) == 0 {
			continue
		}
		found, err := discover(ctx, step.a, step.files)
		if err != nil {
			return nil, err
		}
		slog.DebugContext(ctx, "discovered", "adapter", step.a.Name(), "files", len(step.files), "tests", len(found))
		for _, t := range found {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			tests = append(tests, t)
		}
	}
	return tests, nil
}

func discover(ctx context.Context, a adapter.Adapter, files []string) ([]string, error) {
	defer a.Reset()
	if err := a.Load(ctx, files); err != nil {
		return nil, fmt.Errorf("%s adapter: %w", a.Name(), err)
	}
	return a.Locators(), nil
}

// Start runs the whole loader: discovery, publish, spawn, wait and cleanup.
// The printer connection is released on every path out.
func (l *Loader) Start(ctx context.Context) (err error) {
	defer l.conn.Disconnect()

	if l.cfg.Lock {
		lk, err := lock.Acquire(ctx, l.root)
		if err != nil {
			return err
		}
		defer lk.Release(ctx)
	}

	tests, err := l.Tests(ctx)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "work set", "tests", len(tests), "workers", l.cfg.Workers, "run_id", l.runID)

	if l.db != nil {
		if err := store.Start(ctx, l.db, store.Run{
			UUID:    l.runID,
			Project: l.root,
			Task:    l.cfg.Task.String(),
			Workers: l.cfg.Workers,
			Tests:   len(tests),
		}); err != nil {
			return fmt.Errorf("recording run: %w", err)
		}
		defer func() {
			l.record(ctx, err)
		}()
	}

	publish := func(ctx context.Context) error {
		c, err := l.conn.Get(ctx)
		if err != nil {
			return err
		}
		return c.Publish(ctx, tests)
	}
	err = l.pool.Start(ctx, pool.Config{
		Size:       l.cfg.Workers,
		PrinterURI: l.printerURI,
		Task:       l.cfg.Task,
		Quiet:      l.cfg.Quiet,
		RunID:      l.runID,
	}, publish)
	if err != nil {
		return err
	}
	if n := l.pool.Failed(); n > 0 {
		return fmt.Errorf("%d of %d: %w", n, l.cfg.Workers, ErrWorkerFailed)
	}
	return nil
}

func (l *Loader) record(ctx context.Context, runErr error) {
	// the run context may be cancelled already
	ctx = context.WithoutCancel(ctx)
	var err error
	if runErr == nil {
		err = store.FinishOK(ctx, l.db, l.runID)
	} else {
		err = store.FinishErr(ctx, l.db, l.runID, runErr.Error())
	}
	if err != nil {
		slog.ErrorContext(ctx, "recording run result", "run_id", l.runID, "error", err)
	}
}
