package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/specjour/specjour/internal/loader"
	"github.com/specjour/specjour/internal/log"
	"github.com/specjour/specjour/internal/model"
	"github.com/specjour/specjour/internal/pool"
	"github.com/specjour/specjour/internal/printer"
	"github.com/specjour/specjour/internal/store"
	"github.com/specjour/specjour/internal/worker"
)

// ErrTestsFailed makes the process exit with 1 when the suite did not pass.
var ErrTestsFailed = errors.New("tests failed")

var (
	flagProject string
	flagWorkers int
	flagTask    = model.TaskRunTests
	flagPrinter string
	flagListen  string
	flagLimit   int

	flagIndex int
)

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagProject, "project", "", "project root, default from config or current directory")
	cmd.Flags().IntVarP(&flagWorkers, "workers", "w", 0, "number of worker processes, default from config or number of CPUs")
	cmd.Flags().Var(&flagTask, "task", "worker task: run_tests, run_specs, run_features or prepare")
	if cmd != dispatchCmd {
		cmd.Flags().StringVar(&flagPrinter, "printer", "", "printer uri (ws://host:port/printer)")
	}
}

func addWorkerFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flagIndex, "index", 0, "worker index")
	cmd.Flags().StringVar(&flagPrinter, "printer", "", "printer uri")
	cmd.Flags().Var(&flagTask, "task", "worker task")
}

// applyRunFlags puts the command line on top of the config file.
func applyRunFlags(cmd *cobra.Command, args []string) model.Config {
	cfg := config
	if flagProject != "" {
		cfg.Project = flagProject
	}
	if flagWorkers > 0 {
		cfg.Workers = flagWorkers
	}
	if cmd.Flags().Changed("task") {
		cfg.Task = flagTask
	}
	if flagPrinter != "" {
		cfg.Printer.URI = flagPrinter
	}
	if flagListen != "" {
		cfg.Printer.Listen = flagListen
	}
	if len(args) > 0 {
		cfg.TestPaths = args
	}
	return cfg
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch [test paths...]",
	Short: "run a local printer and a loader, print the summary",
	RunE:  doDispatch,
}

var loadCmd = &cobra.Command{
	Use:   "load [test paths...]",
	Short: "discover tests, publish them to a running printer and run the workers",
	RunE:  doLoad,
}

var printerCmd = &cobra.Command{
	Use:   "printer",
	Short: "serve the printer until every worker finished or the process is interrupted",
	RunE:  doPrinter,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list past loader runs",
	RunE:  doHistory,
}

var workerCmd = &cobra.Command{
	Use:    "_worker",
	Short:  "internal command",
	RunE:   doWorker,
	Hidden: true,
}

func cmdContext(cmd *cobra.Command, name string) context.Context {
	attrs := slog.Group("specjour",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func doDispatch(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd, "dispatch")
	cfg := applyRunFlags(cmd, args)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctrl := pool.NewController(nil)
	ctx, stop := ctrl.Watch(ctx)
	defer stop()

	ln, err := net.Listen("tcp", cfg.Printer.Listen)
	if err != nil {
		return fmt.Errorf("printer listen: %w", err)
	}
	reg := prometheus.NewRegistry()
	p := printer.New(reg)
	uri := printer.URI(ln.Addr())
	slog.InfoContext(ctx, "printer listening", "uri", uri)

	db, err := openHistory(ctx, cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	if db != nil {
		defer func() {
			_ = db.Close()
		}()
	}

	l, err := newLoader(ctx, cfg, uri, ctrl, reg, db)
	if err != nil {
		_ = ln.Close()
		return err
	}

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return p.Serve(ctx, ln)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return l.Start(ctx)
		}, func(error) {
			cancel()
		})
	}
	runErr := g.Run()
	// the printer returns first when interrupted
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	return report(ctx, cmd.OutOrStdout(), p.Summary(), runErr)
}

func doLoad(cmd *cobra.Command, args []string) error {
	ctx := cmdContext(cmd, "load")
	cfg := applyRunFlags(cmd, args)
	if cfg.Printer.URI == "" {
		return errors.New("load needs a printer uri, use --printer or printer.uri")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctrl := pool.NewController(nil)
	ctx, stop := ctrl.Watch(ctx)
	defer stop()

	db, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() {
			_ = db.Close()
		}()
	}

	l, err := newLoader(ctx, cfg, cfg.Printer.URI, ctrl, nil, db)
	if err != nil {
		return err
	}
	return l.Start(ctx)
}

func doPrinter(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd, "printer")
	listen := config.Printer.Listen
	if flagListen != "" {
		listen = flagListen
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("printer listen: %w", err)
	}
	p := printer.New(prometheus.NewRegistry())
	fmt.Fprintln(cmd.OutOrStdout(), printer.URI(ln.Addr()))

	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return p.Serve(ctx, ln)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			select {
			case <-p.Drained():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		slog.WarnContext(ctx, "printer interrupted", "signal", sigErr.Signal.String())
		err = nil
	}
	return report(ctx, cmd.OutOrStdout(), p.Summary(), err)
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd, "history")
	if config.History == "" {
		return errors.New("run history is disabled, set history in the config")
	}
	db, err := store.InitDB(ctx, config.History)
	if err != nil {
		return fmt.Errorf("opening history %s: %w", config.History, err)
	}
	defer func() {
		_ = db.Close()
	}()

	rows, err := store.List(ctx, db, flagLimit)
	if err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Fprintln(cmd.OutOrStdout(), r.String())
	}
	return nil
}

func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd, "_worker")
	ctx = log.ContextAttrs(ctx, slog.Int("worker", flagIndex))
	// SIGINT and SIGTERM stop the running test command
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := worker.Worker{
		Index:      flagIndex,
		PrinterURI: flagPrinter,
		Task:       flagTask,
		Quiet:      config.Quiet,
		Commands:   config.Commands,
	}
	_, err := w.Run(ctx)
	return err
}

func newLoader(ctx context.Context, cfg model.Config, uri string, ctrl *pool.Controller, reg prometheus.Registerer, db *sql.DB) (*loader.Loader, error) {
	root, err := filepath.Abs(cfg.Project)
	if err != nil {
		return nil, fmt.Errorf("project path: %w", err)
	}
	// workers read the same config file as the loader
	cfgPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("config path: %w", err)
	}
	extra := []string{"--config", cfgPath}
	if cfg.Verbose {
		extra = append(extra, "--verbose")
	}
	spawner, err := pool.NewExecSpawner(root, extra...)
	if err != nil {
		return nil, err
	}
	return loader.New(ctx, loader.Options{
		Config:     cfg,
		PrinterURI: uri,
		Spawner:    spawner,
		Controller: ctrl,
		Registerer: reg,
		DB:         db,
	})
}

func openHistory(ctx context.Context, cfg model.Config) (*sql.DB, error) {
	if cfg.History == "" {
		return nil, nil
	}
	db, err := store.InitDB(ctx, cfg.History)
	if err != nil {
		return nil, fmt.Errorf("opening history %s: %w", cfg.History, err)
	}
	return db, nil
}

// report prints the summary and turns failed tests into ErrTestsFailed.
func report(ctx context.Context, w io.Writer, s printer.Summary, runErr error) error {
	if _, err := s.WriteTo(w); err != nil {
		slog.WarnContext(ctx, "writing summary", "error", err)
	}
	if runErr != nil {
		return runErr
	}
	if !s.OK() {
		return fmt.Errorf("%d failed, %d pending: %w", s.Failed, len(s.Pending), ErrTestsFailed)
	}
	return nil
}
