// Package worker is the entry point of a spawned worker process. A worker
// announces itself to the printer, pulls tests one at a time, runs them with
// the configured command and reports every outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/specjour/specjour/internal/conn"
	"github.com/specjour/specjour/internal/model"
	"github.com/specjour/specjour/internal/runner"
)

var ErrNoCommand = errors.New("no command configured")

type Worker struct {
	Index      int
	PrinterURI string
	Task       model.Task
	Quiet      bool
	// Commands run in the working directory of the worker, Commands.Timeout
	// bounds a single test command.
	Commands model.Commands
	Conn     conn.Options
}

// Stats counts the tests a worker ran.
type Stats struct {
	Ran    int
	Failed int
}

func (w Worker) Run(ctx context.Context) (Stats, error) {
	if w.Task == model.TaskPrepare {
		return Stats{}, w.prepare(ctx)
	}

	c, err := conn.Dial(ctx, w.PrinterURI, w.Conn)
	if err != nil {
		return Stats{}, err
	}
	defer c.Disconnect()

	if err := c.Ready(ctx, w.Index); err != nil {
		return Stats{}, err
	}

	r := runner.New(w.onLine)
	filter := w.Task.Filter()
	var stats Stats
	for {
		test, err := c.NextTest(ctx, w.Index, filter)
		if err != nil {
			return stats, err
		}
		if test == "" {
			break
		}
		res := w.run(ctx, r, test)
		stats.Ran++
		if res.Status != model.StatusPassed {
			stats.Failed++
		}
		if err := c.Report(ctx, res); err != nil {
			return stats, err
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
	}

	if err := c.Done(ctx, w.Index); err != nil {
		return stats, err
	}
	slog.InfoContext(ctx, "worker finished", "ran", stats.Ran, "failed", stats.Failed)
	return stats, nil
}

func (w Worker) run(ctx context.Context, r *runner.Runner, test string) model.Result {
	res := model.Result{Test: test, Worker: w.Index, Status: model.StatusFailed}

	argv := w.Commands.Spec
	if model.KindOf(test) == model.KindFeature {
		argv = w.Commands.Feature
	}
	if len(argv) == 0 {
		res.Output = fmt.Sprintf("%s: %v", model.KindOf(test), ErrNoCommand)
		return res
	}

	slog.DebugContext(ctx, "running test", "test", test)
	out, err := r.Run(ctx, w.command(argv, test))
	if err != nil {
		res.Output = err.Error()
		return res
	}
	res.DurationMs = out.Duration().Milliseconds()
	res.Output = out.Output()
	if out.Err != nil {
		if res.Output == "" {
			res.Output = out.Err.Error()
		}
		slog.DebugContext(ctx, "test failed", "test", test, "error", out.Err)
		return res
	}
	res.Status = model.StatusPassed
	return res
}

func (w Worker) prepare(ctx context.Context) error {
	if len(w.Commands.Prepare) == 0 {
		slog.InfoContext(ctx, "no prepare command configured")
		return nil
	}
	out, err := runner.New(w.onLine).Run(ctx, w.command(w.Commands.Prepare))
	if err != nil {
		return err
	}
	if out.Err != nil {
		return fmt.Errorf("prepare %v: %w\n%s", w.Commands.Prepare, out.Err, out.Output())
	}
	slog.InfoContext(ctx, "prepared", "took", out.Duration())
	return nil
}

func (w Worker) command(argv []string, extra ...string) runner.Command {
	args := append(append([]string(nil), argv[1:]...), extra...)
	return runner.Command{
		Path:    argv[0],
		Args:    args,
		Timeout: w.Commands.Timeout,
	}
}

func (w Worker) onLine(ctx context.Context, line string) {
	if w.Quiet {
		return
	}
	slog.InfoContext(ctx, "stderr", "line", line)
}
